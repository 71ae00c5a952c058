package agent

import (
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/openscope/siteops/common/addressing"
	"github.com/openscope/siteops/internal/bus"
	"github.com/openscope/siteops/internal/registry"
)

// Params holds parsed instance arguments keyed by flag name, with positional
// tokens under the "args" key.  Values carry JSON types so class parameter
// schemas validate them directly.
type Params map[string]any

// Env is everything a factory gets to wire its agent into the deployment.
type Env struct {
	// Bus is the shared transport.
	Bus bus.Bus
	// Root is the hub address root (first component of every address).
	Root string
	// HostID identifies the supervising host.
	HostID string
	// InstanceID is the declared instance identifier.
	InstanceID string
	// Class is the declared agent-class name.
	Class string
	// Address is the instance's canonical address.
	Address addressing.Address
	// Registry resolves and announces peers.
	Registry *registry.Client
	// Persister is the host-local persistence hook, nil when the host runs
	// without a database.  Only directory-providing classes use it.
	Persister registry.Persister
}

// Factory builds one agent instance from its environment and validated
// parameters.
type Factory func(env Env, params Params) (Agent, error)

// ClassDef describes one registered agent class.
type ClassDef struct {
	// New constructs an instance.  Required for in-process classes.
	New Factory
	// ParamsSchema is the JSON schema source validating instance
	// parameters; empty means any parameters are accepted.
	ParamsSchema string
	// Image names a container image for classes launched as containers
	// instead of in-process tasks.
	Image string
}

// Classes maps agent-class names to their validated constructors.  A host
// supervisor resolves every declared instance against one Classes table; an
// unknown class fails that instance and nothing else.
type Classes struct {
	mu      sync.RWMutex
	defs    map[string]ClassDef
	schemas map[string]*jsonschema.Schema
}

// NewClasses creates an empty class table.
func NewClasses() *Classes {
	return &Classes{
		defs:    make(map[string]ClassDef),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a class definition, compiling its parameter schema.
func (c *Classes) Register(name string, def ClassDef) error {
	if name == "" {
		return fmt.Errorf("agent: class name must not be empty")
	}
	if def.New == nil && def.Image == "" {
		return fmt.Errorf("agent: class %q needs a factory or an image", name)
	}

	var sch *jsonschema.Schema
	if def.ParamsSchema != "" {
		var err error
		sch, err = jsonschema.CompileString(name+".params.json", def.ParamsSchema)
		if err != nil {
			return fmt.Errorf("agent: class %q schema: %w", name, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.defs[name]; exists {
		return fmt.Errorf("%w: %s", ErrClassExists, name)
	}
	c.defs[name] = def
	if sch != nil {
		c.schemas[name] = sch
	}
	return nil
}

// MustRegister is Register for statically known definitions; it panics on
// error and is intended for built-in class tables.
func (c *Classes) MustRegister(name string, def ClassDef) {
	if err := c.Register(name, def); err != nil {
		panic(err)
	}
}

// Lookup returns the definition for a class name.
func (c *Classes) Lookup(name string) (ClassDef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	if !ok {
		return ClassDef{}, fmt.Errorf("%w: %s", ErrUnknownClass, name)
	}
	return def, nil
}

// Names returns the registered class names, sorted.
func (c *Classes) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.defs))
	for name := range c.defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Build validates tokens against the class's parameter schema and constructs
// the agent.  Unknown classes and schema violations fail the instance with
// the corresponding sentinel.
func (c *Classes) Build(name string, env Env, tokens []string) (Agent, error) {
	def, err := c.Lookup(name)
	if err != nil {
		return nil, err
	}
	if def.New == nil {
		return nil, fmt.Errorf("%w: %s is container-backed", ErrUnknownClass, name)
	}

	params, err := ParseArgs(tokens)
	if err != nil {
		return nil, err
	}
	if err := c.validate(name, params); err != nil {
		return nil, err
	}

	a, err := def.New(env, params)
	if err != nil {
		return nil, fmt.Errorf("agent: class %s factory: %w", name, err)
	}
	return a, nil
}

func (c *Classes) validate(name string, params Params) error {
	c.mu.RLock()
	sch := c.schemas[name]
	c.mu.RUnlock()
	if sch == nil {
		return nil
	}
	if err := sch.Validate(map[string]any(params)); err != nil {
		return fmt.Errorf("%w: class %s: %v", ErrInvalidArguments, name, err)
	}
	return nil
}
