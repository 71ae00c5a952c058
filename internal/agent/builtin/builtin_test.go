package builtin

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/openscope/siteops/common/spec/site"
	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/launcher"
	"github.com/openscope/siteops/internal/registry"
	"github.com/openscope/siteops/internal/supervisor"
)

const hubRoot = "observatory"

type hubFixture struct {
	bus    *bus.Memory
	client *registry.Client
	sup    *supervisor.Supervisor
}

// newHubFixture wires a complete single-host hub on the in-process bus: the
// built-in class table, an in-process launcher and a supervisor, with the
// host manager's controller reference attached.
func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	mem := bus.NewMemory()
	t.Cleanup(func() { mem.Close() })

	classes := agent.NewClasses()
	ctrl := NewControllerRef()
	if err := RegisterAll(classes, ctrl); err != nil {
		t.Fatalf("register built-ins: %v", err)
	}

	client := registry.NewClient(mem, hubRoot+".registry")
	inproc := launcher.NewInProc(launcher.InProcOptions{
		Classes:  classes,
		Bus:      mem,
		Root:     hubRoot,
		HostID:   "obs1",
		Registry: client,
		Shim: agent.ShimConfig{
			HeartbeatInterval: 30 * time.Millisecond,
			StopGrace:         time.Second,
		},
	})
	sup := supervisor.New(supervisor.Options{
		HostID:  "obs1",
		Classes: classes,
		InProc:  inproc,
		Policy: supervisor.RestartPolicy{
			Budget:          3,
			BackoffInitial:  5 * time.Millisecond,
			BackoffMax:      20 * time.Millisecond,
			StabilityWindow: time.Hour,
		},
	})
	ctrl.Set(sup)
	t.Cleanup(func() { sup.Shutdown(context.Background()) })

	return &hubFixture{bus: mem, client: client, sup: sup}
}

func observatoryHost() site.Host {
	return site.Host{Instances: []site.InstanceSpec{
		{Class: ClassHostManager, ID: "hm1"},
		{Class: ClassRegistry, ID: "registry", Args: []string{"--sweep-interval", "50ms"}},
		{Class: ClassAggregator, ID: "agg1", Args: []string{"--initial-state", "record"}},
		{Class: ClassFakeData, ID: "data1", Args: []string{"--rate", "50"}},
	}}
}

// resolveActive polls the directory; transport errors while the registry
// instance is still coming up yield an empty slice.
func resolveActive(t *testing.T, f *hubFixture) []registry.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := f.client.Resolve(ctx, registry.Filter{})
	if err != nil {
		return nil
	}
	return entries
}

func TestObservatoryHostComesUp(t *testing.T) {
	f := newHubFixture(t)

	if err := f.sup.LoadHost(context.Background(), observatoryHost()); err != nil {
		t.Fatalf("load host: %v", err)
	}

	// Host manager and dependents launch before the registry instance;
	// their registrations retry until the directory answers.
	var entries []registry.Entry
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		entries = resolveActive(t, f)
		if len(entries) == 4 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(entries) != 4 {
		t.Fatalf("resolved %d entries, want 4: %+v", len(entries), entries)
	}

	var got []string
	for _, e := range entries {
		if e.Status != registry.StatusActive {
			t.Errorf("entry %s status = %s, want active", e.Address, e.Status)
		}
		got = append(got, e.Address)
	}
	sort.Strings(got)
	want := []string{
		"observatory.agg1",
		"observatory.data1",
		"observatory.hm1",
		"observatory.registry",
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("addresses = %v, want %v", got, want)
		}
	}
}

func TestAggregatorRecordsFrames(t *testing.T) {
	f := newHubFixture(t)
	if err := f.sup.LoadHost(context.Background(), observatoryHost()); err != nil {
		t.Fatalf("load host: %v", err)
	}

	// setState doubles as a status probe: the answer carries the recorded
	// frame count.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		var status map[string]any
		err := f.bus.Call(ctx, hubRoot+".agg1."+OpSetState,
			SetStateRequest{State: StateRecording}, &status)
		cancel()
		if err == nil {
			if n, ok := status["recorded"].(float64); ok && n > 0 {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("aggregator never recorded a frame")
}

func TestAggregatorIdleStopsRecording(t *testing.T) {
	f := newHubFixture(t)
	if err := f.sup.LoadHost(context.Background(), site.Host{Instances: []site.InstanceSpec{
		{Class: ClassRegistry, ID: "registry"},
		{Class: ClassAggregator, ID: "agg1"},
		{Class: ClassFakeData, ID: "data1", Args: []string{"--rate", "50"}},
	}}); err != nil {
		t.Fatalf("load host: %v", err)
	}

	call := func(state string) map[string]any {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			var status map[string]any
			err := f.bus.Call(ctx, hubRoot+".agg1."+OpSetState, SetStateRequest{State: state}, &status)
			cancel()
			if err == nil {
				return status
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatalf("setState %s never answered", state)
		return nil
	}

	status := call(StateIdle)
	idleCount, _ := status["recorded"].(float64)
	time.Sleep(200 * time.Millisecond)
	status = call(StateIdle)
	after, _ := status["recorded"].(float64)
	if after != idleCount {
		t.Fatalf("recorded advanced from %v to %v while idle", idleCount, after)
	}

	// Invalid state is rejected with a stable code.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := f.bus.Call(ctx, hubRoot+".agg1."+OpSetState, SetStateRequest{State: "panic"}, nil)
	if bus.CodeOf(err) != CodeBadState {
		t.Fatalf("err = %v, want code %s", err, CodeBadState)
	}
}

func TestHostManagerStatusAndSetTarget(t *testing.T) {
	f := newHubFixture(t)
	if err := f.sup.LoadHost(context.Background(), observatoryHost()); err != nil {
		t.Fatalf("load host: %v", err)
	}

	callStatus := func() StatusResponse {
		t.Helper()
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			var resp StatusResponse
			err := f.bus.Call(ctx, hubRoot+".hm1."+OpStatus, nil, &resp)
			cancel()
			if err == nil {
				return resp
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("host manager status never answered")
		return StatusResponse{}
	}

	resp := callStatus()
	if resp.Host != "obs1" {
		t.Fatalf("status host = %q, want obs1", resp.Host)
	}
	if len(resp.Instances) != 4 {
		t.Fatalf("status lists %d instances, want 4", len(resp.Instances))
	}

	// Drive data1 down, then back up, through the control surface.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var after StatusResponse
	if err := f.bus.Call(ctx, hubRoot+".hm1."+OpSetTarget,
		SetTargetRequest{InstanceID: "data1", Target: TargetDown}, &after); err != nil {
		t.Fatalf("setTarget down: %v", err)
	}
	stateOf := func(resp StatusResponse, id string) supervisor.InstanceState {
		for _, in := range resp.Instances {
			if in.ID == id {
				return in.State
			}
		}
		t.Fatalf("instance %s missing from status", id)
		return ""
	}
	if got := stateOf(after, "data1"); got != supervisor.StateStopped {
		t.Fatalf("data1 state after down = %s, want stopped", got)
	}

	if err := f.bus.Call(ctx, hubRoot+".hm1."+OpSetTarget,
		SetTargetRequest{InstanceID: "data1", Target: TargetUp}, &after); err != nil {
		t.Fatalf("setTarget up: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if stateOf(callStatus(), "data1") == supervisor.StateRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := stateOf(callStatus(), "data1"); got != supervisor.StateRunning {
		t.Fatalf("data1 state after up = %s, want running", got)
	}

	// Unknown target value is rejected.
	err := f.bus.Call(ctx, hubRoot+".hm1."+OpSetTarget,
		SetTargetRequest{InstanceID: "data1", Target: "sideways"}, nil)
	if bus.CodeOf(err) != CodeBadTarget {
		t.Fatalf("err = %v, want code %s", err, CodeBadTarget)
	}
}

func TestRegistryAgentRejectsBadDurations(t *testing.T) {
	classes := agent.NewClasses()
	if err := RegisterAll(classes, NewControllerRef()); err != nil {
		t.Fatalf("register built-ins: %v", err)
	}
	mem := bus.NewMemory()
	defer mem.Close()

	env := agent.Env{Bus: mem, Root: hubRoot, InstanceID: "registry"}
	_, err := classes.Build(ClassRegistry, env, []string{"--stale-after", "soon"})
	if err == nil {
		t.Fatal("bad duration accepted")
	}
}
