package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/common/spec/site"
	"github.com/openscope/siteops/internal/agent"
)

const (
	labelManagedBy  = "siteops.managed-by"
	labelInstanceID = "siteops.instance-id"
	labelClass      = "siteops.class"
	labelHostID     = "siteops.host-id"
	managedByValue  = "siteops"

	// DefaultNetwork is the bridge network containerized instances join so
	// they can reach the bus by service name.
	DefaultNetwork = "siteops"

	// containerStopTimeout bounds graceful container stop before SIGKILL.
	containerStopTimeout = 10 * time.Second
)

// Docker launches image-backed agent classes as containers.  The container
// runs its own copy of the agent entrypoint, which registers and heartbeats
// like any in-process instance; the launcher only manages the container
// lifecycle.
type Docker struct {
	client  *dockerclient.Client
	classes *agent.Classes
	network string

	busURL   string
	root     string
	hostID   string
	registry string
}

// DockerOptions configures a container launcher.
type DockerOptions struct {
	Classes *agent.Classes
	// Network names the Docker network containers join; empty means
	// DefaultNetwork.
	Network string
	// BusURL, Root, HostID and RegistryAddress are handed to containers
	// through the environment so the contained agent joins the same hub.
	BusURL          string
	Root            string
	HostID          string
	RegistryAddress string
}

// NewDocker creates a container launcher talking to the local Docker Engine,
// honoring DOCKER_HOST when set.
func NewDocker(opts DockerOptions) (*Docker, error) {
	cli, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	netName := opts.Network
	if netName == "" {
		netName = DefaultNetwork
	}
	return &Docker{
		client:   cli,
		classes:  opts.Classes,
		network:  netName,
		busURL:   opts.BusURL,
		root:     opts.Root,
		hostID:   opts.HostID,
		registry: opts.RegistryAddress,
	}, nil
}

// EnsureNetwork creates the launcher's Docker network if it doesn't exist.
func (d *Docker) EnsureNetwork(ctx context.Context) error {
	nets, err := d.client.NetworkList(ctx, network.ListOptions{
		Filters: filters.NewArgs(filters.Arg("name", d.network)),
	})
	if err != nil {
		return fmt.Errorf("list networks: %w", err)
	}
	for _, n := range nets {
		if n.Name == d.network {
			return nil
		}
	}
	_, err = d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver:     "bridge",
		Attachable: true,
		Labels:     map[string]string{labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %q: %w", d.network, err)
	}
	return nil
}

// Launch creates and starts a container for the declared instance.
func (d *Docker) Launch(ctx context.Context, spec site.InstanceSpec) (Handle, error) {
	addr, err := addressing.Canonical(d.root, "", spec.ID)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.ID, err)
	}

	image := spec.Image
	if image == "" {
		def, err := d.classes.Lookup(spec.Class)
		if err != nil {
			return nil, fmt.Errorf("launch %s: %w", spec.ID, err)
		}
		image = def.Image
	}
	if image == "" {
		return nil, fmt.Errorf("launch %s: class %q has no container image", spec.ID, spec.Class)
	}

	containerName := containerNameFor(spec.ID)

	containerCfg := &container.Config{
		Image: image,
		Cmd:   spec.Args,
		Env:   d.containerEnv(spec, addr),
		Labels: map[string]string{
			labelManagedBy:  managedByValue,
			labelInstanceID: spec.ID,
			labelClass:      spec.Class,
			labelHostID:     d.hostID,
		},
	}
	// Restarts belong to the supervisor's policy, not the engine's.
	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}
	networkCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{
			d.network: {},
		},
	}

	resp, err := d.client.ContainerCreate(ctx, containerCfg, hostCfg, networkCfg, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("launch %s: create container: %w", spec.ID, err)
	}
	if err := d.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = d.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("launch %s: start container: %w", spec.ID, err)
	}

	h := &dockerHandle{
		launcher:    d,
		address:     addr.String(),
		containerID: resp.ID,
		running:     make(chan struct{}),
		done:        make(chan struct{}),
	}
	go h.watch()
	return h, nil
}

func (d *Docker) containerEnv(spec site.InstanceSpec, addr addressing.Address) []string {
	return []string{
		fmt.Sprintf("SITEOPS_BUS_URL=%s", d.busURL),
		fmt.Sprintf("SITEOPS_ADDRESS_ROOT=%s", d.root),
		fmt.Sprintf("SITEOPS_REGISTRY_ADDRESS=%s", d.registry),
		fmt.Sprintf("SITEOPS_HOST_ID=%s", d.hostID),
		fmt.Sprintf("SITEOPS_INSTANCE_ID=%s", spec.ID),
		fmt.Sprintf("SITEOPS_CLASS=%s", spec.Class),
		fmt.Sprintf("SITEOPS_ADDRESS=%s", addr),
	}
}

// List returns the instance IDs of all containers this launcher manages,
// including stopped ones.  Used to reap leftovers from a previous run.
func (d *Docker) List(ctx context.Context) (map[string]string, error) {
	containers, err := d.client.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManagedBy+"="+managedByValue),
			filters.Arg("label", labelHostID+"="+d.hostID),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make(map[string]string, len(containers))
	for _, c := range containers {
		out[c.Labels[labelInstanceID]] = c.ID
	}
	return out, nil
}

// Remove force-removes a container by ID, tolerating its prior disappearance.
func (d *Docker) Remove(ctx context.Context, containerID string) error {
	err := d.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

type dockerHandle struct {
	launcher    *Docker
	address     string
	containerID string

	running     chan struct{}
	runningOnce sync.Once
	done        chan struct{}

	mu       sync.Mutex
	exitErr  error
	stopping bool
}

// watch follows the container until it leaves the running state, recording
// the exit outcome.  A stop requested through Stop reports a clean exit.
func (h *dockerHandle) watch() {
	defer close(h.done)
	ctx := context.Background()

	// The engine reports "running" almost immediately after start; poll a
	// short beat so Running reflects the inspected state, not our hope.
	for i := 0; i < 50; i++ {
		inspect, err := h.launcher.client.ContainerInspect(ctx, h.containerID)
		if err != nil || inspect.State == nil {
			break
		}
		if inspect.State.Running {
			h.runningOnce.Do(func() { close(h.running) })
			break
		}
		if isTerminalContainerState(inspect.State.Status) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	waitCh, errCh := h.launcher.client.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)
	select {
	case res := <-waitCh:
		h.mu.Lock()
		if !h.stopping && res.StatusCode != 0 {
			h.exitErr = fmt.Errorf("container %s exited with status %d", shortID(h.containerID), res.StatusCode)
		}
		h.mu.Unlock()
	case err := <-errCh:
		h.mu.Lock()
		if !h.stopping {
			h.exitErr = fmt.Errorf("wait container %s: %w", shortID(h.containerID), err)
		}
		h.mu.Unlock()
	}
}

func (h *dockerHandle) Address() string          { return h.address }
func (h *dockerHandle) Running() <-chan struct{} { return h.running }
func (h *dockerHandle) Done() <-chan struct{}    { return h.done }

func (h *dockerHandle) ExitErr() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exitErr
}

// Stop gracefully stops and removes the container.
func (h *dockerHandle) Stop(ctx context.Context) error {
	h.mu.Lock()
	h.stopping = true
	h.mu.Unlock()

	timeout := int(containerStopTimeout.Seconds())
	if err := h.launcher.client.ContainerStop(ctx, h.containerID, container.StopOptions{Timeout: &timeout}); err != nil {
		if !dockerclient.IsErrNotFound(err) {
			slog.Warn("docker launcher: stop failed, forcing removal",
				"container", shortID(h.containerID), "err", err)
		}
	}
	return h.launcher.Remove(ctx, h.containerID)
}

func containerNameFor(instanceID string) string {
	return "siteops-" + strings.ReplaceAll(instanceID, "_", "-")
}

func isTerminalContainerState(status string) bool {
	switch strings.ToLower(status) {
	case "exited", "dead", "removing":
		return true
	default:
		return false
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
