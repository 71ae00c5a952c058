package site

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openscope/siteops/common/addressing"
)

// Parse decodes a site YAML document into a Config struct and validates it.
// It is the canonical entry point for loading site descriptors.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("site parse: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the site descriptor at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("site load: %w", err)
	}
	return Parse(data)
}

// Validate checks a Config for structural correctness without executing it.
// It returns the first validation error encountered, or nil if the config is
// valid.  A descriptor that fails validation is fatal at process start.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config must not be nil")
	}

	if cfg.APIVersion != SpecVersion {
		return fmt.Errorf("apiVersion must be %q, got %q", SpecVersion, cfg.APIVersion)
	}

	if strings.TrimSpace(cfg.Hub.BusURL) == "" {
		return fmt.Errorf("hub.busURL must not be empty")
	}
	if err := addressing.Validate(cfg.Hub.AddressRoot); err != nil {
		return fmt.Errorf("hub.addressRoot: %w", err)
	}
	if cfg.Hub.RegistryAddress != "" {
		if !strings.HasPrefix(cfg.Hub.RegistryAddress, cfg.Hub.AddressRoot+".") {
			return fmt.Errorf("hub.registryAddress %q is outside address root %q",
				cfg.Hub.RegistryAddress, cfg.Hub.AddressRoot)
		}
	}

	for hostID, host := range cfg.Hosts {
		if err := addressing.Validate(hostID); err != nil {
			return fmt.Errorf("hosts[%q]: %w", hostID, err)
		}
		if err := validateHost(host); err != nil {
			return fmt.Errorf("hosts[%q]: %w", hostID, err)
		}
	}

	return nil
}

func validateHost(h Host) error {
	seen := make(map[string]struct{}, len(h.Instances))
	for i, inst := range h.Instances {
		if strings.TrimSpace(inst.Class) == "" {
			return fmt.Errorf("instances[%d]: class must not be empty", i)
		}
		if err := addressing.Validate(inst.ID); err != nil {
			return fmt.Errorf("instances[%d]: id: %w", i, err)
		}
		if _, dup := seen[inst.ID]; dup {
			return fmt.Errorf("instances[%d]: duplicate id %q", i, inst.ID)
		}
		seen[inst.ID] = struct{}{}
	}
	return nil
}
