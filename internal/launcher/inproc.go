package launcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/common/spec/site"
	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/registry"
)

// InProc launches factory-built agent classes as tasks inside the supervisor
// process, each behind a lifecycle shim.
type InProc struct {
	classes   *agent.Classes
	bus       bus.Bus
	root      string
	hostID    string
	registry  *registry.Client
	persister registry.Persister
	shimCfg   agent.ShimConfig
}

// InProcOptions configures an in-process launcher.
type InProcOptions struct {
	Classes   *agent.Classes
	Bus       bus.Bus
	Root      string
	HostID    string
	Registry  *registry.Client
	Persister registry.Persister
	// Shim overrides the per-instance shim tuning; zero values keep the
	// defaults.
	Shim agent.ShimConfig
}

// NewInProc creates an in-process launcher.
func NewInProc(opts InProcOptions) *InProc {
	return &InProc{
		classes:   opts.Classes,
		bus:       opts.Bus,
		root:      opts.Root,
		hostID:    opts.HostID,
		registry:  opts.Registry,
		persister: opts.Persister,
		shimCfg:   opts.Shim,
	}
}

// Launch builds the declared instance and starts its shim.  Class and
// argument validation happen here; registration retries on the shim's own
// task, so a registry declared later in the same host still works.
func (l *InProc) Launch(ctx context.Context, spec site.InstanceSpec) (Handle, error) {
	addr, err := addressing.Canonical(l.root, "", spec.ID)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.ID, err)
	}
	env := agent.Env{
		Bus:        l.bus,
		Root:       l.root,
		HostID:     l.hostID,
		InstanceID: spec.ID,
		Class:      spec.Class,
		Address:    addr,
		Registry:   l.registry,
		Persister:  l.persister,
	}

	a, err := l.classes.Build(spec.Class, env, spec.Args)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.ID, err)
	}

	h := &inprocHandle{running: make(chan struct{})}
	cfg := l.shimCfg
	userHook := cfg.OnState
	cfg.OnState = func(st agent.State, cause error) {
		if st == agent.StateRunning {
			h.markRunning()
		}
		if userHook != nil {
			userHook(st, cause)
		}
	}
	h.shim = agent.NewShim(env, a, cfg)

	if err := h.shim.Start(); err != nil {
		return nil, fmt.Errorf("launch %s: %w", spec.ID, err)
	}
	return h, nil
}

type inprocHandle struct {
	shim        *agent.Shim
	running     chan struct{}
	runningOnce sync.Once
}

func (h *inprocHandle) markRunning() {
	h.runningOnce.Do(func() { close(h.running) })
}

func (h *inprocHandle) Address() string            { return h.shim.Address() }
func (h *inprocHandle) Running() <-chan struct{}   { return h.running }
func (h *inprocHandle) Done() <-chan struct{}      { return h.shim.Done() }
func (h *inprocHandle) ExitErr() error             { return h.shim.ExitErr() }
func (h *inprocHandle) Stop(ctx context.Context) error {
	return h.shim.Stop(ctx)
}
