// Package launcher abstracts how a host supervisor brings agent instances to
// life: in-process tasks for factory-built classes, containers for
// image-backed ones.
package launcher

import (
	"context"

	"github.com/openscope/siteops/common/spec/site"
)

// Handle tracks one launched instance.
type Handle interface {
	// Address is the instance's canonical address.
	Address() string

	// Running is closed once the instance has come up and announced
	// itself.  An instance that dies first never closes it.
	Running() <-chan struct{}

	// Done is closed when the instance has terminated for any reason.
	Done() <-chan struct{}

	// ExitErr reports the termination cause after Done closes: nil for a
	// clean stop, the crash or rejection error otherwise.
	ExitErr() error

	// Stop requests graceful shutdown and cleans up the instance's
	// directory entry and backing resources.
	Stop(ctx context.Context) error
}

// Launcher starts declared instances.
type Launcher interface {
	// Launch validates the declaration and starts the instance.  Errors
	// are definitive (unknown class, invalid arguments, backend refusal)
	// and fail only this instance.
	Launch(ctx context.Context, spec site.InstanceSpec) (Handle, error)
}
