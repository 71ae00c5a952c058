// Package agent defines the contract every worker implementation satisfies
// and the runtime shim that gives one implementation instance its uniform
// lifecycle: registration, heartbeats, graceful stop, observable state.
package agent

import (
	"context"
	"errors"
)

// Agent is the minimal implementation contract.  Run blocks until ctx is
// cancelled (graceful stop, return nil or ctx.Err()) or the implementation
// fails (crash, return the cause).
type Agent interface {
	Run(ctx context.Context) error
}

// Statuser is optionally implemented by agents that want their heartbeat to
// carry self-reported status fields.
type Statuser interface {
	Status() map[string]any
}

// RunFunc adapts a bare function to the Agent interface.
type RunFunc func(ctx context.Context) error

func (f RunFunc) Run(ctx context.Context) error { return f(ctx) }

var (
	// ErrUnknownClass reports an instance declaring an unregistered
	// agent class.  Unknown classes fail closed, never silently skip.
	ErrUnknownClass = errors.New("agent: unknown agent class")

	// ErrInvalidArguments reports instance arguments that fail parsing or
	// the class's parameter schema.
	ErrInvalidArguments = errors.New("agent: invalid arguments")

	// ErrClassExists reports a duplicate class registration.
	ErrClassExists = errors.New("agent: class already registered")

	// ErrForcedStop reports a stop that exhausted its grace period and
	// escalated to forced termination.
	ErrForcedStop = errors.New("agent: forced stop after grace period")
)
