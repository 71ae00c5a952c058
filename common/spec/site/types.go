// Package site defines types for the site deployment descriptor schema (v1).
//
// A site descriptor declares one hub (the bus endpoint, address namespace and
// registry location) and any number of hosts, each with an ordered list of
// agent instances its supervisor must keep running.
package site

// SpecVersion is the API version string required in every site descriptor.
const SpecVersion = "site/v1"

// Config is the root type for a site deployment descriptor.
type Config struct {
	// APIVersion must be "site/v1".
	APIVersion string `yaml:"apiVersion" json:"apiVersion"`

	// Hub describes the shared bus and address namespace.
	Hub Hub `yaml:"hub" json:"hub"`

	// Hosts maps host id to its declared instance list.  A host absent from
	// the map runs with empty defaults.
	Hosts map[string]Host `yaml:"hosts,omitempty" json:"hosts,omitempty"`
}

// Hub identifies the deployment root shared by every process.
type Hub struct {
	// BusURL is the message bus endpoint (e.g. "nats://crossbar:4222").
	BusURL string `yaml:"busURL" json:"busURL"`

	// Realm is the namespace identifier for this deployment.
	Realm string `yaml:"realm,omitempty" json:"realm,omitempty"`

	// AddressRoot is the first component of every canonical address.
	AddressRoot string `yaml:"addressRoot" json:"addressRoot"`

	// RegistryAddress is the canonical address of the directory service.
	// Defaults to AddressRoot + ".registry".
	RegistryAddress string `yaml:"registryAddress,omitempty" json:"registryAddress,omitempty"`
}

// Host declares the supervisor configuration for one host.
type Host struct {
	// LogDir is where the supervisor and its agents write logs.
	LogDir string `yaml:"logDir,omitempty" json:"logDir,omitempty"`

	// AgentPaths are directories searched for agent implementations, in
	// order.  Only meaningful for container-backed classes resolved by
	// image reference files; in-process classes register at init.
	AgentPaths []string `yaml:"agentPaths,omitempty" json:"agentPaths,omitempty"`

	// Instances is the ordered list of agent instances for this host.
	// Declaration order approximates startup order.
	Instances []InstanceSpec `yaml:"instances,omitempty" json:"instances,omitempty"`
}

// InstanceSpec declares one agent instance.
type InstanceSpec struct {
	// Class names a registered agent implementation (e.g. "AggregatorAgent").
	Class string `yaml:"class" json:"class"`

	// ID is the instance identifier, unique within the host.  It becomes the
	// final component of the canonical address.
	ID string `yaml:"id" json:"id"`

	// Args are ordered argument tokens passed to the implementation,
	// e.g. ["--initial-state", "record"].
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Image optionally names a container image for classes launched as
	// containers rather than in-process tasks.
	Image string `yaml:"image,omitempty" json:"image,omitempty"`
}

// RegistryAddress returns the configured registry address or its default.
func (h Hub) RegistryAddressOrDefault() string {
	if h.RegistryAddress != "" {
		return h.RegistryAddress
	}
	return h.AddressRoot + ".registry"
}

// ForHost returns the host entry for id, or an empty Host when the
// descriptor has no entry for it.
func (c *Config) ForHost(id string) Host {
	if h, ok := c.Hosts[id]; ok {
		return h
	}
	return Host{}
}
