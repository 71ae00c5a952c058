package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openscope/siteops/common/retry"
	"github.com/openscope/siteops/internal/bus"
)

// Client is the caller side of the registry RPC surface.  Transport failures
// (registry not up yet, call timeout) are retried with backoff; Resolve falls
// back to the last successful answer when the registry is unreachable, so a
// registry outage degrades resolution instead of crashing agents.
type Client struct {
	bus      bus.Bus
	registry string // canonical registry address

	mu    sync.Mutex
	cache map[string][]Entry // filter key → last successful resolve
}

// NewClient creates a registry client talking to the registry at addr.
func NewClient(b bus.Bus, addr string) *Client {
	return &Client{bus: b, registry: addr, cache: make(map[string][]Entry)}
}

// transient reports whether err is worth retrying: the registry being
// unreachable or slow, never a definitive RPC rejection.
func transient(err error) bool {
	return errors.Is(err, bus.ErrNoResponder) || errors.Is(err, bus.ErrTimeout)
}

var transientRetry = retry.Config{
	MaxAttempts:  5,
	InitialDelay: 200 * time.Millisecond,
	MaxDelay:     5 * time.Second,
	ShouldRetry:  func(err error) bool { return transient(err) },
}

// Register announces an instance.  It keeps retrying while the registry is
// not yet answering, so declaration order between a registry instance and its
// dependents never matters; ctx bounds the wait.
func (c *Client) Register(ctx context.Context, req RegisterRequest) (RegisterResponse, error) {
	var resp RegisterResponse
	cfg := transientRetry
	cfg.MaxAttempts = retry.Unbounded
	err := retry.Do(ctx, cfg, func() error {
		return c.bus.Call(ctx, c.registry+"."+OpRegister, req, &resp)
	})
	if err != nil {
		return RegisterResponse{}, fmt.Errorf("register %s: %w", req.Address, err)
	}
	return resp, nil
}

// Heartbeat refreshes the instance's liveness record.
func (c *Client) Heartbeat(ctx context.Context, addr string, detail map[string]any) error {
	err := c.bus.Call(ctx, c.registry+"."+OpHeartbeat,
		HeartbeatRequest{Address: addr, Detail: detail}, nil)
	if err != nil {
		return fmt.Errorf("heartbeat %s: %w", addr, err)
	}
	return nil
}

// Deregister removes the instance's entry.  A not-found answer counts as
// success: the sweep may have retired the entry first.
func (c *Client) Deregister(ctx context.Context, addr string) error {
	err := retry.Do(ctx, transientRetry, func() error {
		return c.bus.Call(ctx, c.registry+"."+OpDeregister, DeregisterRequest{Address: addr}, nil)
	})
	if err != nil && bus.CodeOf(err) != CodeNotFound {
		return fmt.Errorf("deregister %s: %w", addr, err)
	}
	return nil
}

// Resolve queries the directory.  When the registry is unreachable the last
// successful answer for the same filter is returned instead; with no cached
// answer the transport error propagates.
func (c *Client) Resolve(ctx context.Context, f Filter) ([]Entry, error) {
	var resp ResolveResponse
	err := retry.Do(ctx, transientRetry, func() error {
		return c.bus.Call(ctx, c.registry+"."+OpResolve, f, &resp)
	})
	key := filterKey(f)
	if err != nil {
		if !transient(err) {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		c.mu.Lock()
		cached, ok := c.cache[key]
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("resolve: %w", err)
		}
		slog.Warn("registry client: serving cached entries, registry unreachable",
			"entries", len(cached), "err", err)
		return cached, nil
	}

	c.mu.Lock()
	c.cache[key] = resp.Entries
	c.mu.Unlock()
	return resp.Entries, nil
}

func filterKey(f Filter) string {
	b, _ := json.Marshal(f)
	return string(b)
}
