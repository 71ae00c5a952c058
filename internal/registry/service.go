package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/internal/bus"
)

// Persister stores directory entries across registry restarts.  Persistence
// failures degrade to in-memory operation; they are logged, never fatal.
type Persister interface {
	SaveEntry(e Entry) error
	DeleteEntry(address string) error
	LoadEntries() ([]Entry, error)
}

// ServiceOptions configure a registry Service.
type ServiceOptions struct {
	// SweepInterval is how often the staleness sweep runs. Defaults to 15s.
	SweepInterval time.Duration
	// Directory tunes the staleness thresholds.
	Directory DirectoryOptions
	// Persister optionally persists the directory; nil disables persistence.
	Persister Persister
}

// Service serves the directory over the bus: one RPC handler per operation on
// the registry's canonical address, a sweep ticker, and directory-changed
// events published on the address root's directory subject.
type Service struct {
	dir     *Directory
	bus     bus.Bus
	address addressing.Address
	events  string
	sweep   time.Duration
	persist Persister
}

// NewService creates a registry service bound to addr on b.
func NewService(b bus.Bus, addr addressing.Address, opts ServiceOptions) *Service {
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 15 * time.Second
	}
	return &Service{
		dir:     NewDirectory(opts.Directory),
		bus:     b,
		address: addr,
		events:  addressing.DirectorySubject(addr.Root()),
		sweep:   opts.SweepInterval,
		persist: opts.Persister,
	}
}

// Directory exposes the underlying table for in-process callers (tests, the
// host manager's status report).
func (s *Service) Directory() *Directory { return s.dir }

// Run restores persisted entries, binds the RPC surface and sweeps until ctx
// is cancelled.  The RPC handlers are released on return.
func (s *Service) Run(ctx context.Context) error {
	if s.persist != nil {
		entries, err := s.persist.LoadEntries()
		if err != nil {
			slog.Warn("registry: restore failed, starting empty", "err", err)
		} else if len(entries) > 0 {
			s.dir.Restore(entries)
			slog.Info("registry: restored last-known entries", "count", len(entries))
		}
	}

	handlers := map[string]bus.Handler{
		s.address.Subject(OpRegister):   s.handleRegister,
		s.address.Subject(OpHeartbeat):  s.handleHeartbeat,
		s.address.Subject(OpDeregister): s.handleDeregister,
		s.address.Subject(OpResolve):    s.handleResolve,
	}
	var subs []bus.Subscription
	for subject, h := range handlers {
		sub, err := s.bus.Handle(subject, h)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return fmt.Errorf("registry: bind %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()

	slog.Info("registry: serving", "address", s.address, "sweep", s.sweep)

	ticker := time.NewTicker(s.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("registry: stopping", "entries", s.dir.Len())
			return nil
		case <-ticker.C:
			for _, ev := range s.dir.Sweep() {
				slog.Info("registry: sweep transition",
					"address", ev.Entry.Address, "kind", ev.Kind)
				s.emit(ev)
			}
		}
	}
}

func (s *Service) handleRegister(ctx context.Context, data []byte) (any, error) {
	var req RegisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed register request: %w", err)
	}
	if req.Address == "" || req.Host == "" || req.Class == "" {
		return nil, fmt.Errorf("register requires address, host and class")
	}
	entry, ev, err := s.dir.Register(req)
	if err != nil {
		return nil, err
	}
	slog.Info("registry: registered",
		"address", entry.Address, "host", entry.Host, "class", entry.Class)
	s.emit(ev)
	return RegisterResponse{RegistrationID: entry.RegistrationID}, nil
}

func (s *Service) handleHeartbeat(ctx context.Context, data []byte) (any, error) {
	var req HeartbeatRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed heartbeat request: %w", err)
	}
	entry, ev, err := s.dir.Heartbeat(req.Address, req.Detail)
	if err != nil {
		return nil, err
	}
	if ev != nil {
		slog.Info("registry: entry revived", "address", entry.Address)
	}
	s.emit(ev)
	return nil, nil
}

func (s *Service) handleDeregister(ctx context.Context, data []byte) (any, error) {
	var req DeregisterRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("malformed deregister request: %w", err)
	}
	entry, ev, err := s.dir.Deregister(req.Address)
	if err != nil {
		return nil, err
	}
	slog.Info("registry: deregistered", "address", entry.Address)
	s.emit(ev)
	return nil, nil
}

func (s *Service) handleResolve(ctx context.Context, data []byte) (any, error) {
	var f Filter
	if len(data) > 0 {
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("malformed resolve filter: %w", err)
		}
	}
	return ResolveResponse{Entries: s.dir.Resolve(f)}, nil
}

// emit publishes a directory-changed event and mirrors the change into the
// persister.  Both are best effort.
func (s *Service) emit(ev *Event) {
	if ev == nil {
		return
	}
	if err := s.bus.Publish(s.events, ev); err != nil {
		slog.Warn("registry: event publish failed", "kind", ev.Kind, "err", err)
	}
	if s.persist == nil {
		return
	}
	var err error
	if ev.Kind == ChangeRemoved {
		err = s.persist.DeleteEntry(ev.Entry.Address)
	} else {
		err = s.persist.SaveEntry(ev.Entry)
	}
	if err != nil {
		slog.Warn("registry: persist failed", "address", ev.Entry.Address, "err", err)
	}
}
