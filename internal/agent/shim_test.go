package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/registry"
)

const testRoot = "observatory"

type shimFixture struct {
	bus    *bus.Memory
	client *registry.Client
	cancel context.CancelFunc
}

func newShimFixture(t *testing.T) *shimFixture {
	t.Helper()
	mem := bus.NewMemory()
	t.Cleanup(func() { mem.Close() })

	regAddr := addressing.MustCanonical(testRoot, "", "registry")
	svc := registry.NewService(mem, regAddr, registry.ServiceOptions{
		Directory: registry.DirectoryOptions{},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("registry service: %v", err)
		}
	}()
	waitForResponderShim(t, mem, regAddr)

	return &shimFixture{
		bus:    mem,
		client: registry.NewClient(mem, regAddr.String()),
		cancel: cancel,
	}
}

func waitForResponderShim(t *testing.T, b bus.Bus, addr addressing.Address) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		var resp registry.ResolveResponse
		err := b.Call(ctx, addr.Subject(registry.OpResolve), registry.Filter{}, &resp)
		cancel()
		if err == nil {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("registry service never answered")
}

func (f *shimFixture) env(id, class string) Env {
	return Env{
		Bus:        f.bus,
		Root:       testRoot,
		HostID:     "obs1",
		InstanceID: id,
		Class:      class,
		Address:    addressing.MustCanonical(testRoot, "", id),
		Registry:   f.client,
	}
}

// blockingAgent runs until its context is cancelled, optionally returning a
// preset error once released.
type blockingAgent struct {
	exitErr  error
	release  chan struct{}
	once     sync.Once
	started  chan struct{}
	startSig sync.Once
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{release: make(chan struct{}), started: make(chan struct{})}
}

func (a *blockingAgent) Run(ctx context.Context) error {
	a.startSig.Do(func() { close(a.started) })
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.release:
		return a.exitErr
	}
}

func (a *blockingAgent) crash(err error) {
	a.exitErr = err
	a.once.Do(func() { close(a.release) })
}

func waitState(t *testing.T, s *Shim, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", s.State(), want)
}

func resolveAll(t *testing.T, f *shimFixture) []registry.Entry {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := f.client.Resolve(ctx, registry.Filter{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return entries
}

func TestShimStartRegistersAndStopDeregisters(t *testing.T) {
	f := newShimFixture(t)
	s := NewShim(f.env("agg1", "aggregator"), newBlockingAgent(), ShimConfig{})

	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateRunning)

	entries := resolveAll(t, f)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	if got := entries[0].Address; got != "observatory.agg1" {
		t.Fatalf("address = %q, want observatory.agg1", got)
	}
	if entries[0].Class != "aggregator" {
		t.Fatalf("class = %q, want aggregator", entries[0].Class)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := s.State(); got != StateStopped {
		t.Fatalf("state after stop = %q, want stopped", got)
	}
	if entries := resolveAll(t, f); len(entries) != 0 {
		t.Fatalf("entry still resolvable after stop: %v", entries)
	}
}

func TestShimStateSequence(t *testing.T) {
	f := newShimFixture(t)

	var mu sync.Mutex
	var seen []State
	cfg := ShimConfig{OnState: func(st State, _ error) {
		mu.Lock()
		seen = append(seen, st)
		mu.Unlock()
	}}

	s := NewShim(f.env("fd1", "fake-data"), newBlockingAgent(), cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateRunning)
	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateStarting, StateRunning, StateStopping, StateStopped}
	if len(seen) != len(want) {
		t.Fatalf("transitions = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", seen, want)
		}
	}
}

func TestShimHeartbeatsAdvanceLastSeen(t *testing.T) {
	f := newShimFixture(t)
	s := NewShim(f.env("hb1", "fake-data"), newBlockingAgent(), ShimConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())
	waitState(t, s, StateRunning)

	first := resolveAll(t, f)[0].LastHeartbeat
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if resolveAll(t, f)[0].LastHeartbeat.After(first) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat never advanced LastHeartbeat")
}

func TestShimCrashIsObservable(t *testing.T) {
	f := newShimFixture(t)
	a := newBlockingAgent()
	s := NewShim(f.env("crash1", "fake-data"), a, ShimConfig{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateRunning)

	boom := errors.New("sensor wedged")
	a.crash(boom)

	<-s.Done()
	if got := s.State(); got != StateCrashed {
		t.Fatalf("state = %q, want crashed", got)
	}
	if !errors.Is(s.ExitErr(), boom) {
		t.Fatalf("exit err = %v, want %v", s.ExitErr(), boom)
	}
}

func TestShimForcedStop(t *testing.T) {
	f := newShimFixture(t)

	// Agent that ignores cancellation entirely.
	stuck := RunFunc(func(ctx context.Context) error {
		<-make(chan struct{})
		return nil
	})
	s := NewShim(f.env("stuck1", "fake-data"), stuck, ShimConfig{
		StopGrace: 50 * time.Millisecond,
	})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateRunning)

	err := s.Stop(context.Background())
	if !errors.Is(err, ErrForcedStop) {
		t.Fatalf("stop err = %v, want ErrForcedStop", err)
	}
	if entries := resolveAll(t, f); len(entries) != 0 {
		t.Fatalf("entry survived forced stop: %v", entries)
	}
}

func TestShimDuplicateRegistrationCrashes(t *testing.T) {
	f := newShimFixture(t)

	first := NewShim(f.env("dup1", "fake-data"), newBlockingAgent(), ShimConfig{})
	if err := first.Start(); err != nil {
		t.Fatalf("start first: %v", err)
	}
	defer first.Stop(context.Background())
	waitState(t, first, StateRunning)

	second := NewShim(f.env("dup1", "fake-data"), newBlockingAgent(), ShimConfig{})
	if err := second.Start(); err != nil {
		t.Fatalf("start second: %v", err)
	}
	waitState(t, second, StateCrashed)

	<-second.Done()
	if code := bus.CodeOf(second.ExitErr()); code != registry.CodeDuplicateRegistration {
		t.Fatalf("exit code = %q, want %q", code, registry.CodeDuplicateRegistration)
	}
}

func TestShimStopDuringRegistrationRetry(t *testing.T) {
	// No registry responder at this address: registration keeps retrying
	// until Stop cancels it, and the shim ends up cleanly stopped.
	mem := bus.NewMemory()
	defer mem.Close()
	client := registry.NewClient(mem, addressing.MustCanonical(testRoot, "", "absent-registry").String())

	env := Env{
		Bus:        mem,
		Root:       testRoot,
		HostID:     "obs1",
		InstanceID: "eager1",
		Class:      "fake-data",
		Address:    addressing.MustCanonical(testRoot, "", "eager1"),
		Registry:   client,
	}
	s := NewShim(env, newBlockingAgent(), ShimConfig{StopGrace: 200 * time.Millisecond})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := s.State(); got != StateStarting {
		t.Fatalf("state = %q, want starting", got)
	}

	done := make(chan error, 1)
	go func() { done <- s.Stop(context.Background()) }()
	select {
	case err := <-done:
		// Deregister against the absent registry fails too; the essential
		// outcome is that the lifecycle terminated as stopped.
		_ = err
	case <-time.After(8 * time.Second):
		t.Fatal("stop hung during registration retry")
	}
	waitState(t, s, StateStopped)
}

func TestShimRegistryServingAgentComesUp(t *testing.T) {
	// The registry instance is itself shim-wrapped: its registration call
	// can only be answered by the service its own agent runs. The shim must
	// bring the agent up concurrently with registration or the host never
	// leaves starting.
	mem := bus.NewMemory()
	defer mem.Close()

	regAddr := addressing.MustCanonical(testRoot, "", "registry")
	client := registry.NewClient(mem, regAddr.String())
	svc := registry.NewService(mem, regAddr, registry.ServiceOptions{})

	env := Env{
		Bus:        mem,
		Root:       testRoot,
		HostID:     "obs1",
		InstanceID: "registry",
		Class:      "registry",
		Address:    regAddr,
		Registry:   client,
	}
	s := NewShim(env, RunFunc(svc.Run), ShimConfig{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateRunning)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	entries, err := client.Resolve(ctx, registry.Filter{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(entries) != 1 || entries[0].Address != "observatory.registry" {
		t.Fatalf("entries = %v, want the registry's own entry", entries)
	}

	if err := s.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestShimCrashBeforeRegistrationSettles(t *testing.T) {
	// No registry responder: registration keeps retrying while the agent
	// dies. The crash verdict must win and the retry must be released.
	mem := bus.NewMemory()
	defer mem.Close()
	client := registry.NewClient(mem, addressing.MustCanonical(testRoot, "", "absent-registry").String())

	a := newBlockingAgent()
	env := Env{
		Bus:        mem,
		Root:       testRoot,
		HostID:     "obs1",
		InstanceID: "early1",
		Class:      "fake-data",
		Address:    addressing.MustCanonical(testRoot, "", "early1"),
		Registry:   client,
	}
	s := NewShim(env, a, ShimConfig{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}

	boom := errors.New("init filter wheel: no response")
	a.crash(boom)

	select {
	case <-s.Done():
	case <-time.After(8 * time.Second):
		t.Fatal("lifecycle hung after agent exit during registration")
	}
	if got := s.State(); got != StateCrashed {
		t.Fatalf("state = %q, want crashed", got)
	}
	if !errors.Is(s.ExitErr(), boom) {
		t.Fatalf("exit err = %v, want %v", s.ExitErr(), boom)
	}
}

func TestShimDoubleStartRejected(t *testing.T) {
	f := newShimFixture(t)
	s := NewShim(f.env("once1", "fake-data"), newBlockingAgent(), ShimConfig{})
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop(context.Background())
	if err := s.Start(); err == nil {
		t.Fatal("second Start succeeded, want error")
	}
}
