// Package supervisor turns a host's declarative instance list into running,
// monitored agent instances: it launches each declared instance, watches for
// unplanned exits, applies a bounded exponential restart policy and tears
// everything down in reverse order on shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/openscope/siteops/common/retry"
	"github.com/openscope/siteops/common/spec/site"
	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/launcher"
)

// InstanceState is one phase of an instance's supervised lifecycle.
type InstanceState string

const (
	StatePending    InstanceState = "pending"
	StateLaunching  InstanceState = "launching"
	StateRunning    InstanceState = "running"
	StateCrashed    InstanceState = "crashed"
	StateRestarting InstanceState = "restarting"
	StateStopped    InstanceState = "stopped"
	StateFailed     InstanceState = "failed"
)

// terminal reports whether st ends supervision for the instance.
func terminal(st InstanceState) bool {
	return st == StateStopped || st == StateFailed
}

// RestartPolicy bounds how hard the supervisor tries to keep a crashing
// instance alive.
type RestartPolicy struct {
	// Budget is how many restarts a crash cycle gets before the instance
	// becomes failed. Defaults to 3.
	Budget int
	// BackoffInitial is the first restart delay, doubling per crash.
	// Defaults to 1s.
	BackoffInitial time.Duration
	// BackoffMax caps the restart delay. Defaults to 30s.
	BackoffMax time.Duration
	// StabilityWindow is how long an instance must stay running for its
	// crash cycle to be forgiven: budget and backoff reset. Defaults to
	// 120s.
	StabilityWindow time.Duration
}

func (p RestartPolicy) withDefaults() RestartPolicy {
	if p.Budget <= 0 {
		p.Budget = 3
	}
	if p.BackoffInitial <= 0 {
		p.BackoffInitial = time.Second
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = 30 * time.Second
	}
	if p.StabilityWindow <= 0 {
		p.StabilityWindow = 120 * time.Second
	}
	return p
}

// Journal records lifecycle transitions durably.  *store.Store satisfies it.
type Journal interface {
	WriteTransition(host, instanceID, fromState, toState, detail string) error
}

// Options configures a Supervisor.
type Options struct {
	HostID  string
	Classes *agent.Classes
	// InProc launches factory-built classes. Required.
	InProc launcher.Launcher
	// Docker launches image-backed classes. Nil means such classes fail
	// to launch on this host.
	Docker launcher.Launcher
	// Policy tunes crash handling; zero values take the defaults.
	Policy RestartPolicy
	// Journal, when set, receives every state transition.
	Journal Journal
}

// Instance is the supervisor's runtime record for one declared instance.
type Instance struct {
	Spec site.InstanceSpec

	mu           sync.Mutex
	state        InstanceState
	restarts     int
	cause        error
	handle       launcher.Handle
	cancelWatch  context.CancelFunc
	runningSince time.Time
}

// State returns the instance's current lifecycle state.
func (in *Instance) State() InstanceState {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// Restarts returns how many restarts the current crash cycle has consumed.
func (in *Instance) Restarts() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.restarts
}

// Cause returns the most recent failure cause, nil when healthy.
func (in *Instance) Cause() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cause
}

// InstanceStatus is a point-in-time snapshot of one instance, shaped for
// status RPC answers.
type InstanceStatus struct {
	ID       string        `json:"id"`
	Class    string        `json:"class"`
	State    InstanceState `json:"state"`
	Restarts int           `json:"restarts"`
	Cause    string        `json:"cause,omitempty"`
}

// Supervisor owns one host's instance table.
type Supervisor struct {
	hostID  string
	classes *agent.Classes
	inproc  launcher.Launcher
	docker  launcher.Launcher
	policy  RestartPolicy
	journal Journal

	// runCtx parents every watcher and restart timer; Shutdown cancels
	// it before stopping instances, so a pending restart never
	// resurrects an instance mid-shutdown.
	runCtx    context.Context
	cancelRun context.CancelFunc

	mu        sync.Mutex
	instances map[string]*Instance
	order     []string
	down      bool

	wg sync.WaitGroup
}

// New creates a supervisor for one host.
func New(opts Options) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		hostID:    opts.HostID,
		classes:   opts.Classes,
		inproc:    opts.InProc,
		docker:    opts.Docker,
		policy:    opts.Policy.withDefaults(),
		journal:   opts.Journal,
		runCtx:    ctx,
		cancelRun: cancel,
		instances: make(map[string]*Instance),
	}
}

// LoadHost launches every declared instance in declaration order.  A launch
// failure (unknown class, bad arguments, backend refusal) moves only that
// instance to failed; siblings launch regardless.
func (s *Supervisor) LoadHost(ctx context.Context, host site.Host) error {
	for _, spec := range host.Instances {
		in := &Instance{Spec: spec, state: StatePending}

		s.mu.Lock()
		if s.down {
			s.mu.Unlock()
			return fmt.Errorf("load host %s: supervisor is shut down", s.hostID)
		}
		if _, exists := s.instances[spec.ID]; exists {
			s.mu.Unlock()
			return fmt.Errorf("load host %s: duplicate instance id %q", s.hostID, spec.ID)
		}
		s.instances[spec.ID] = in
		s.order = append(s.order, spec.ID)
		s.mu.Unlock()

		s.launch(ctx, in)
	}
	return nil
}

// launcherFor picks the backend for a declaration: a container image set on
// the declaration or its class goes to the container launcher.
func (s *Supervisor) launcherFor(spec site.InstanceSpec) (launcher.Launcher, error) {
	image := spec.Image
	if image == "" && s.classes != nil {
		if def, err := s.classes.Lookup(spec.Class); err == nil {
			image = def.Image
		}
	}
	if image == "" {
		return s.inproc, nil
	}
	if s.docker == nil {
		return nil, fmt.Errorf("class %q needs a container runtime, none configured", spec.Class)
	}
	return s.docker, nil
}

// launch moves the instance to launching and starts its watcher.  Definitive
// launch errors move it straight to failed.
func (s *Supervisor) launch(ctx context.Context, in *Instance) {
	s.transition(in, StateLaunching, nil)

	l, err := s.launcherFor(in.Spec)
	if err == nil {
		var h launcher.Handle
		h, err = l.Launch(ctx, in.Spec)
		if err == nil {
			watchCtx, cancel := context.WithCancel(s.runCtx)
			in.mu.Lock()
			in.handle = h
			in.cancelWatch = cancel
			in.mu.Unlock()

			s.wg.Add(1)
			go s.watch(watchCtx, in)
			return
		}
	}

	slog.Error("supervisor: instance failed to launch",
		"host", s.hostID, "instance", in.Spec.ID, "class", in.Spec.Class, "err", err)
	s.transition(in, StateFailed, err)
}

// watch follows one instance's handle through its lifetime, applying the
// restart policy on crashes.  It is the only writer of the instance's state
// once launch returns.
func (s *Supervisor) watch(ctx context.Context, in *Instance) {
	defer s.wg.Done()

	backoff := retry.Backoff{Initial: s.policy.BackoffInitial, Max: s.policy.BackoffMax}

	for {
		in.mu.Lock()
		h := in.handle
		in.mu.Unlock()

		cameUp := false
		select {
		case <-h.Running():
			cameUp = true
			in.mu.Lock()
			in.runningSince = time.Now()
			in.mu.Unlock()
			s.transition(in, StateRunning, nil)
		case <-h.Done():
		case <-ctx.Done():
			return
		}
		if cameUp {
			select {
			case <-h.Done():
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}

		exitErr := h.ExitErr()
		if exitErr == nil {
			// The agent finished its work on its own; clean up the
			// directory entry and settle.
			s.stopHandle(h)
			s.transition(in, StateStopped, nil)
			return
		}

		s.transition(in, StateCrashed, exitErr)
		// Drop the dead instance's directory entry so the relaunch can
		// register afresh.
		s.stopHandle(h)

		in.mu.Lock()
		stable := cameUp && time.Since(in.runningSince) >= s.policy.StabilityWindow
		if stable {
			in.restarts = 0
		}
		restarts := in.restarts
		in.mu.Unlock()
		if stable {
			backoff.Reset()
		}

		if restarts >= s.policy.Budget {
			slog.Error("supervisor: restart budget exhausted",
				"host", s.hostID, "instance", in.Spec.ID,
				"restarts", restarts, "err", exitErr)
			s.transition(in, StateFailed, exitErr)
			return
		}

		in.mu.Lock()
		in.restarts++
		in.mu.Unlock()

		delay := backoff.Next()
		s.transition(in, StateRestarting, exitErr)
		slog.Info("supervisor: restarting instance",
			"host", s.hostID, "instance", in.Spec.ID,
			"attempt", restarts+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			// Shutdown wins over a pending restart.
			return
		}

		l, err := s.launcherFor(in.Spec)
		var h2 launcher.Handle
		if err == nil {
			s.transition(in, StateLaunching, nil)
			h2, err = l.Launch(ctx, in.Spec)
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.transition(in, StateFailed, err)
			return
		}
		in.mu.Lock()
		in.handle = h2
		in.mu.Unlock()
	}
}

// stopHandle is the watcher's cleanup call: bounded, best-effort.
func (s *Supervisor) stopHandle(h launcher.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		slog.Warn("supervisor: cleanup stop failed", "address", h.Address(), "err", err)
	}
}

// Shutdown stops every launched instance in reverse launch order.  Every
// instance that reached launching gets its stop attempt even when earlier
// stops fail; failures are aggregated.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.down {
		s.mu.Unlock()
		return nil
	}
	s.down = true
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.Unlock()

	// Stop all watchers first so no restart timer fires mid-teardown.
	s.cancelRun()
	s.wg.Wait()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		s.mu.Lock()
		in := s.instances[order[i]]
		s.mu.Unlock()

		in.mu.Lock()
		h := in.handle
		st := in.state
		in.mu.Unlock()
		if h == nil || terminal(st) {
			continue
		}

		if err := h.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", in.Spec.ID, err))
		}
		s.transition(in, StateStopped, nil)
	}
	return errors.Join(errs...)
}

// StopInstance takes one instance down on request, outside the restart
// policy.  The instance ends stopped, not failed.
func (s *Supervisor) StopInstance(ctx context.Context, id string) error {
	in, err := s.instance(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	h := in.handle
	cancel := in.cancelWatch
	st := in.state
	in.mu.Unlock()

	if terminal(st) {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if h != nil {
		if err := h.Stop(ctx); err != nil {
			s.transition(in, StateStopped, nil)
			return fmt.Errorf("stop %s: %w", id, err)
		}
	}
	s.transition(in, StateStopped, nil)
	return nil
}

// StartInstance brings a stopped or failed instance back up with a fresh
// crash budget.
func (s *Supervisor) StartInstance(ctx context.Context, id string) error {
	in, err := s.instance(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	st := in.state
	if !terminal(st) {
		in.mu.Unlock()
		return fmt.Errorf("start %s: instance is %s", id, st)
	}
	in.restarts = 0
	in.cause = nil
	in.mu.Unlock()

	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return fmt.Errorf("start %s: supervisor is shut down", id)
	}

	s.launch(ctx, in)
	in.mu.Lock()
	launched := in.state != StateFailed
	in.mu.Unlock()
	if !launched {
		return fmt.Errorf("start %s: relaunch failed: %w", id, in.Cause())
	}
	return nil
}

func (s *Supervisor) instance(id string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("unknown instance %q", id)
	}
	return in, nil
}

// Instances returns a snapshot of the instance table in launch order.
func (s *Supervisor) Instances() []InstanceStatus {
	s.mu.Lock()
	snapshot := make([]*Instance, 0, len(s.order))
	for _, id := range s.order {
		snapshot = append(snapshot, s.instances[id])
	}
	s.mu.Unlock()

	out := make([]InstanceStatus, 0, len(snapshot))
	for _, in := range snapshot {
		in.mu.Lock()
		st := InstanceStatus{
			ID:       in.Spec.ID,
			Class:    in.Spec.Class,
			State:    in.state,
			Restarts: in.restarts,
		}
		if in.cause != nil {
			st.Cause = in.cause.Error()
		}
		in.mu.Unlock()
		out = append(out, st)
	}
	return out
}

// ExitStatus reports the process exit code and the ids of instances that
// ended failed.  Zero means every instance ended stopped.
func (s *Supervisor) ExitStatus() (int, []string) {
	var failed []string
	for _, st := range s.Instances() {
		if st.State == StateFailed {
			failed = append(failed, st.ID)
		}
	}
	sort.Strings(failed)
	if len(failed) > 0 {
		return 1, failed
	}
	return 0, nil
}

// transition records a state change: instance record, log line, journal row.
func (s *Supervisor) transition(in *Instance, to InstanceState, cause error) {
	in.mu.Lock()
	from := in.state
	in.state = to
	in.cause = cause
	in.mu.Unlock()

	if cause != nil {
		slog.Warn("supervisor: instance state change",
			"host", s.hostID, "instance", in.Spec.ID,
			"from", from, "to", to, "cause", cause)
	} else {
		slog.Info("supervisor: instance state change",
			"host", s.hostID, "instance", in.Spec.ID, "from", from, "to", to)
	}

	if s.journal != nil {
		detail := ""
		if cause != nil {
			detail = cause.Error()
		}
		if err := s.journal.WriteTransition(s.hostID, in.Spec.ID, string(from), string(to), detail); err != nil {
			slog.Warn("supervisor: journal write failed",
				"instance", in.Spec.ID, "err", err)
		}
	}
}
