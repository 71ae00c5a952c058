package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/registry"
)

// State is the shim's externally observable lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateCrashed  State = "crashed"
)

// ShimConfig tunes one shim.
type ShimConfig struct {
	// HeartbeatInterval is the liveness cadence. Defaults to 5s.
	HeartbeatInterval time.Duration
	// StopGrace bounds graceful shutdown before escalating to forced
	// termination. Defaults to 10s.
	StopGrace time.Duration
	// OnState, when set, observes every state transition.
	OnState func(s State, cause error)
}

// DefaultHeartbeatInterval is the standard liveness cadence.
const DefaultHeartbeatInterval = 5 * time.Second

// DefaultStopGrace is the standard graceful-shutdown bound.
const DefaultStopGrace = 10 * time.Second

// Shim wraps one agent implementation with the uniform lifecycle contract:
// it announces the instance to the registry, runs the implementation, emits
// heartbeats on a fixed cadence and guarantees deregistration on stop.
//
// Registration runs concurrently with the agent and retries transparently
// while the registry is not answering yet, so a host may declare dependents
// ahead of its registry instance without ordering barriers, and the class
// that serves the directory itself can answer its own registration.
type Shim struct {
	env Env
	a   Agent
	cfg ShimConfig

	mu      sync.Mutex
	state   State
	exitErr error
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewShim wraps a built agent.  Call Start to bring it up.
func NewShim(env Env, a Agent, cfg ShimConfig) *Shim {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = DefaultStopGrace
	}
	return &Shim{
		env:   env,
		a:     a,
		cfg:   cfg,
		state: StateStarting,
		done:  make(chan struct{}),
	}
}

// Start launches the shim's lifecycle task and returns immediately.  The
// shim reports StateRunning once registration lands, StateCrashed if the
// registry definitively rejects the instance.
func (s *Shim) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("shim %s: already started", s.env.Address)
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.notify(StateStarting, nil)
	go s.lifecycle(runCtx)
	return nil
}

func (s *Shim) lifecycle(ctx context.Context) {
	defer close(s.done)

	// The agent must be serving before registration is attempted in one
	// case: the class that provides the directory answers its own
	// registration call. Running both concurrently covers every class.
	runDone := make(chan error, 1)
	go func() { runDone <- s.a.Run(ctx) }()

	regDone := make(chan error, 1)
	go func() {
		_, err := s.env.Registry.Register(ctx, registry.RegisterRequest{
			Address: s.env.Address.String(),
			Host:    s.env.HostID,
			Class:   s.env.Class,
		})
		regDone <- err
	}()

	select {
	case err := <-regDone:
		if err != nil {
			shutdown := ctx.Err() != nil
			s.halt()
			<-runDone
			if shutdown {
				// Shutdown requested while registration was still retrying.
				s.setState(StateStopped, nil)
				return
			}
			s.mu.Lock()
			s.exitErr = err
			s.mu.Unlock()
			s.setState(StateCrashed, err)
			return
		}
		s.setState(StateRunning, nil)
		go s.heartbeatLoop(ctx)
		runErr := <-runDone
		s.settle(runErr, ctx.Err() != nil)

	case runErr := <-runDone:
		// The agent finished before registration landed; release the
		// registration retry before judging the exit.
		shutdown := ctx.Err() != nil
		s.halt()
		<-regDone
		s.settle(runErr, shutdown)
	}
}

// settle records the agent's exit verdict once its run has returned.
// shutdown must be sampled before any shim-initiated cancellation so a
// genuine crash is not mistaken for a requested stop.
func (s *Shim) settle(runErr error, shutdown bool) {
	s.mu.Lock()
	stopping := s.state == StateStopping
	if runErr == nil || shutdown {
		runErr = nil
	}
	s.exitErr = runErr
	s.mu.Unlock()

	switch {
	case stopping || runErr == nil:
		s.setState(StateStopped, nil)
	default:
		slog.Warn("shim: agent crashed", "address", s.env.Address, "err", runErr)
		s.setState(StateCrashed, runErr)
	}
}

func (s *Shim) halt() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// heartbeatLoop publishes liveness on the configured cadence.  Publish
// failures are logged, never fatal; a not-found answer means the registry
// lost the entry (restart), so the shim transparently re-registers.
func (s *Shim) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		var detail map[string]any
		if st, ok := s.a.(Statuser); ok {
			detail = st.Status()
		}
		err := s.env.Registry.Heartbeat(ctx, s.env.Address.String(), detail)
		if err == nil {
			continue
		}
		if bus.CodeOf(err) == registry.CodeNotFound {
			slog.Info("shim: registry lost our entry, re-registering", "address", s.env.Address)
			if _, rerr := s.env.Registry.Register(ctx, registry.RegisterRequest{
				Address: s.env.Address.String(),
				Host:    s.env.HostID,
				Class:   s.env.Class,
			}); rerr != nil && ctx.Err() == nil {
				slog.Warn("shim: re-register failed", "address", s.env.Address, "err", rerr)
			}
			continue
		}
		if ctx.Err() == nil {
			slog.Warn("shim: heartbeat failed", "address", s.env.Address, "err", err)
		}
	}
}

// Stop requests graceful shutdown, waits out the grace period and always
// attempts deregistration before returning.  A run that outlives the grace
// period is reported as ErrForcedStop; the cancellation stands either way.
func (s *Shim) Stop(ctx context.Context) error {
	s.mu.Lock()
	terminal := s.state == StateStopped || s.state == StateCrashed
	if !terminal {
		s.state = StateStopping
	}
	cancel := s.cancel
	s.mu.Unlock()

	if terminal {
		return s.deregister(ctx)
	}
	s.notify(StateStopping, nil)

	if cancel != nil {
		cancel()
	}

	var stopErr error
	select {
	case <-s.done:
	case <-time.After(s.cfg.StopGrace):
		stopErr = fmt.Errorf("%w: %s", ErrForcedStop, s.env.Address)
		s.setState(StateCrashed, stopErr)
	case <-ctx.Done():
		stopErr = fmt.Errorf("stop %s: %w", s.env.Address, ctx.Err())
	}

	if derr := s.deregister(ctx); derr != nil && stopErr == nil {
		stopErr = derr
	}
	return stopErr
}

// deregister removes the instance's directory entry.  It still runs when the
// caller's context is already done: the entry must not linger until sweep.
func (s *Shim) deregister(ctx context.Context) error {
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.env.Registry.Deregister(ctx, s.env.Address.String()); err != nil {
		slog.Warn("shim: deregister failed", "address", s.env.Address, "err", err)
		return err
	}
	return nil
}

// State returns the current lifecycle phase.
func (s *Shim) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the lifecycle task has exited.
func (s *Shim) Done() <-chan struct{} { return s.done }

// ExitErr returns the terminal error: the crash cause, the registration
// rejection, or nil for a clean exit.  Only meaningful after Done is closed.
func (s *Shim) ExitErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitErr
}

// Address returns the instance's canonical address.
func (s *Shim) Address() string { return s.env.Address.String() }

func (s *Shim) setState(st State, cause error) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.notify(st, cause)
}

func (s *Shim) notify(st State, cause error) {
	if s.cfg.OnState != nil {
		s.cfg.OnState(st, cause)
	}
}
