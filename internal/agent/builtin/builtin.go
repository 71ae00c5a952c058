// Package builtin registers the agent classes every deployment gets for
// free: the directory service, the host control surface and a pair of
// telemetry classes for exercising a hub end to end.
package builtin

import (
	"context"
	"sync"

	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/supervisor"
)

// Class names as they appear in host descriptors.
const (
	ClassRegistry    = "RegistryAgent"
	ClassHostManager = "HostManager"
	ClassFakeData    = "FakeDataAgent"
	ClassAggregator  = "AggregatorAgent"
)

// HostController is the slice of the supervisor the host manager exposes
// over the bus.
type HostController interface {
	Instances() []supervisor.InstanceStatus
	StopInstance(ctx context.Context, id string) error
	StartInstance(ctx context.Context, id string) error
}

// ControllerRef breaks the construction cycle between the class table and
// the supervisor: the table is built first, the supervisor is attached once
// it exists.
type ControllerRef struct {
	mu sync.RWMutex
	c  HostController
}

// NewControllerRef creates an empty reference.
func NewControllerRef() *ControllerRef { return &ControllerRef{} }

// Set attaches the running supervisor.
func (r *ControllerRef) Set(c HostController) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.c = c
}

// Get returns the attached supervisor, nil before Set.
func (r *ControllerRef) Get() HostController {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.c
}

// RegisterAll adds every built-in class to the table.
func RegisterAll(classes *agent.Classes, ctrl *ControllerRef) error {
	if err := classes.Register(ClassRegistry, registryClassDef()); err != nil {
		return err
	}
	if err := classes.Register(ClassHostManager, hostManagerClassDef(ctrl)); err != nil {
		return err
	}
	if err := classes.Register(ClassFakeData, fakeDataClassDef()); err != nil {
		return err
	}
	return classes.Register(ClassAggregator, aggregatorClassDef())
}
