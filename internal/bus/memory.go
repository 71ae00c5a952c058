package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/openscope/siteops/common/trace"
)

// Memory is an in-process Bus with the same call/reply and pub/sub semantics
// as the NATS connection.  Tests run entire hosts against it; no network, no
// external broker.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	handlers map[string]Handler
	subs     map[int]*memorySub
	nextID   int
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		handlers: make(map[string]Handler),
		subs:     make(map[int]*memorySub),
	}
}

type memorySub struct {
	bus     *Memory
	id      int
	subject string
	ch      chan memoryMsg
	done    chan struct{}
}

type memoryMsg struct {
	subject string
	data    []byte
}

func (s *memorySub) Unsubscribe() error {
	s.bus.mu.Lock()
	if _, ok := s.bus.subs[s.id]; ok {
		delete(s.bus.subs, s.id)
		close(s.done)
	}
	s.bus.mu.Unlock()
	return nil
}

type memoryHandlerSub struct {
	bus     *Memory
	subject string
}

func (s *memoryHandlerSub) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.handlers, s.subject)
	s.bus.mu.Unlock()
	return nil
}

// Call implements Bus.  The handler runs synchronously on the caller's
// goroutine, so the reply reflects every write the handler completed.
func (m *Memory) Call(ctx context.Context, subject string, req, resp any) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	h, ok := m.handlers[subject]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoResponder, subject)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrTimeout, subject)
	}

	ctx, _ = trace.Ensure(ctx)
	data, err := encodeCall(ctx, req)
	if err != nil {
		return err
	}
	return decodeReply(serve(ctx, h, data), resp)
}

// Handle implements Bus.
func (m *Memory) Handle(subject string, h Handler) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, exists := m.handlers[subject]; exists {
		return nil, fmt.Errorf("bus: handler already registered for %s", subject)
	}
	m.handlers[subject] = h
	return &memoryHandlerSub{bus: m, subject: subject}, nil
}

// Publish implements Bus.  Delivery is asynchronous per subscriber but
// ordered within one subscription.
func (m *Memory) Publish(subject string, msg any) error {
	data, err := marshalMessage(msg)
	if err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for _, sub := range m.subs {
		if !subjectMatches(sub.subject, subject) {
			continue
		}
		select {
		case sub.ch <- memoryMsg{subject: subject, data: data}:
		default:
			// Slow consumer: drop rather than block publishers, matching
			// the broker's at-most-once core delivery.
		}
	}
	return nil
}

// Subscribe implements Bus.  The pattern may use "*" (one level) and ">"
// (remaining levels) wildcards.
func (m *Memory) Subscribe(subject string, fn func(subject string, data []byte)) (Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.nextID++
	sub := &memorySub{
		bus:     m,
		id:      m.nextID,
		subject: subject,
		ch:      make(chan memoryMsg, 256),
		done:    make(chan struct{}),
	}
	m.subs[sub.id] = sub
	m.mu.Unlock()

	go func() {
		for {
			select {
			case <-sub.done:
				return
			case msg := <-sub.ch:
				fn(msg.subject, msg.data)
			}
		}
	}()
	return sub, nil
}

// Close implements Bus.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.handlers = make(map[string]Handler)
	for id, sub := range m.subs {
		delete(m.subs, id)
		close(sub.done)
	}
	return nil
}

// subjectMatches reports whether a concrete subject matches a subscription
// pattern under the bus subject grammar.
func subjectMatches(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
