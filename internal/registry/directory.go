package registry

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openscope/siteops/internal/bus"
)

// Directory is the authoritative entry table.  All writers (register,
// heartbeat, deregister, sweep) are mutually exclusive on the table; Resolve
// takes a read lock and returns copies, never live references.
type Directory struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	staleAfter  time.Duration
	removeAfter time.Duration
	now         func() time.Time
}

// DirectoryOptions tune the staleness thresholds.
type DirectoryOptions struct {
	// StaleAfter is the heartbeat age past which an entry turns stale.
	StaleAfter time.Duration
	// RemoveAfter is the heartbeat age past which a stale entry is deleted.
	RemoveAfter time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
}

// Default thresholds assume the standard 5s heartbeat cadence.
const (
	DefaultStaleAfter  = 15 * time.Second
	DefaultRemoveAfter = 40 * time.Second
)

// NewDirectory creates an empty directory.
func NewDirectory(opts DirectoryOptions) *Directory {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RemoveAfter <= 0 {
		opts.RemoveAfter = DefaultRemoveAfter
	}
	if opts.RemoveAfter < opts.StaleAfter {
		opts.RemoveAfter = opts.StaleAfter
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Directory{
		entries:     make(map[string]*Entry),
		staleAfter:  opts.StaleAfter,
		removeAfter: opts.RemoveAfter,
		now:         opts.Now,
	}
}

// Register creates an entry for req.Address.  A second registration while the
// existing entry is active is rejected so deployment mistakes surface instead
// of being silently overwritten.  Registering over a stale entry replaces it:
// a relaunched agent is the same logical instance coming back.
func (d *Directory) Register(req RegisterRequest) (Entry, *Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kind := ChangeAdded
	if existing, ok := d.entries[req.Address]; ok {
		if existing.Status == StatusActive {
			return Entry{}, nil, &bus.Error{
				Code:    CodeDuplicateRegistration,
				Message: fmt.Sprintf("address %s is already registered and active", req.Address),
			}
		}
		kind = ChangeUpdated
	}

	now := d.now()
	e := &Entry{
		Address:        req.Address,
		Host:           req.Host,
		Class:          req.Class,
		RegistrationID: uuid.NewString(),
		RegisteredAt:   now,
		LastHeartbeat:  now,
		Status:         StatusActive,
	}
	d.entries[req.Address] = e
	return *e, d.event(kind, *e), nil
}

// Heartbeat refreshes the entry for addr, reviving a stale entry to active.
// A non-nil detail replaces the entry's self-reported status; a heartbeat
// without detail leaves the last report in place.
func (d *Directory) Heartbeat(addr string, detail map[string]any) (Entry, *Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[addr]
	if !ok {
		return Entry{}, nil, &bus.Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("no entry for address %s", addr),
		}
	}
	e.LastHeartbeat = d.now()
	if detail != nil {
		e.Detail = detail
	}
	var ev *Event
	if e.Status == StatusStale {
		e.Status = StatusActive
		ev = d.event(ChangeUpdated, *e)
	}
	return *e, ev, nil
}

// Deregister removes the entry for addr immediately.
func (d *Directory) Deregister(addr string) (Entry, *Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[addr]
	if !ok {
		return Entry{}, nil, &bus.Error{
			Code:    CodeNotFound,
			Message: fmt.Sprintf("no entry for address %s", addr),
		}
	}
	delete(d.entries, addr)
	gone := *e
	gone.Status = StatusDeparted
	return gone, d.event(ChangeRemoved, gone), nil
}

// Resolve returns copies of every entry matching f, sorted by address for
// deterministic output.  Stale entries are excluded unless f.IncludeStale.
func (d *Directory) Resolve(f Filter) []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		if e.Status == StatusStale && !f.IncludeStale {
			continue
		}
		if f.InstanceID != "" && instanceOf(e.Address) != f.InstanceID {
			continue
		}
		if f.Class != "" && e.Class != f.Class {
			continue
		}
		if f.Host != "" && e.Host != f.Host {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Sweep classifies every entry against the staleness thresholds: lapsed
// heartbeats turn entries stale, long-lapsed stale entries are deleted.
// This is the sole detector for agents that crashed without deregistering.
func (d *Directory) Sweep() []*Event {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	var events []*Event
	for addr, e := range d.entries {
		age := now.Sub(e.LastHeartbeat)
		switch {
		case age > d.removeAfter:
			delete(d.entries, addr)
			gone := *e
			gone.Status = StatusDeparted
			events = append(events, d.event(ChangeRemoved, gone))
		case age > d.staleAfter && e.Status == StatusActive:
			e.Status = StatusStale
			events = append(events, d.event(ChangeStale, *e))
		}
	}
	return events
}

// Snapshot returns a copy of every entry, any status.
func (d *Directory) Snapshot() []Entry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Entry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Restore seeds the directory from persisted entries.  Restored entries come
// back stale: they answer Resolve queries as last-known data until their
// agents heartbeat again or the sweep retires them.
func (d *Directory) Restore(entries []Entry) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, e := range entries {
		if e.Status == StatusDeparted {
			continue
		}
		cp := e
		cp.Status = StatusStale
		d.entries[e.Address] = &cp
	}
}

// Len returns the number of live entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

func (d *Directory) event(kind ChangeKind, e Entry) *Event {
	return &Event{
		ID:    uuid.NewString(),
		TS:    d.now(),
		Kind:  kind,
		Entry: e,
	}
}

func instanceOf(address string) string {
	if i := strings.LastIndexByte(address, '.'); i >= 0 {
		return address[i+1:]
	}
	return address
}
