package builtin

import (
	"fmt"
	"time"

	"github.com/openscope/siteops/internal/agent"
	"github.com/openscope/siteops/internal/registry"
)

const registryParamsSchema = `{
	"type": "object",
	"properties": {
		"stale-after":    {"type": "string"},
		"remove-after":   {"type": "string"},
		"sweep-interval": {"type": "string"}
	},
	"additionalProperties": true
}`

func registryClassDef() agent.ClassDef {
	return agent.ClassDef{
		New:          newRegistryAgent,
		ParamsSchema: registryParamsSchema,
	}
}

// newRegistryAgent builds the hub directory service as an ordinary agent
// instance, so a host descriptor declares it like any other class.  When the
// host carries a database the directory snapshots through it and prior
// entries come back stale after a restart.
func newRegistryAgent(env agent.Env, params agent.Params) (agent.Agent, error) {
	staleAfter, err := paramDuration(params, "stale-after")
	if err != nil {
		return nil, err
	}
	removeAfter, err := paramDuration(params, "remove-after")
	if err != nil {
		return nil, err
	}
	sweepInterval, err := paramDuration(params, "sweep-interval")
	if err != nil {
		return nil, err
	}

	svc := registry.NewService(env.Bus, env.Address, registry.ServiceOptions{
		Directory: registry.DirectoryOptions{
			StaleAfter:  staleAfter,
			RemoveAfter: removeAfter,
		},
		Persister:     env.Persister,
		SweepInterval: sweepInterval,
	})
	return agent.RunFunc(svc.Run), nil
}

// paramDuration reads an optional duration-string parameter; zero means
// "use the default".
func paramDuration(params agent.Params, key string) (time.Duration, error) {
	raw, ok := params[key]
	if !ok {
		return 0, nil
	}
	s, ok := raw.(string)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a duration string", agent.ErrInvalidArguments, key)
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", agent.ErrInvalidArguments, key, err)
	}
	return d, nil
}
