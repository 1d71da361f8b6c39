package kelpie

import (
	"fmt"
	"os"
	"time"

	"github.com/kelpieio/kelpie/pkg/ippool"
	"gopkg.in/yaml.v3"
)

// Config carries every knob the orchestrator needs. It is passed explicitly
// into constructors at startup; there is no package-level settings state.
type Config struct {
	// StoreAddr is the kv store connection URL (consul://host:port,
	// mem:// for tests)
	StoreAddr string `yaml:"storeAddr"`

	// GroupName is the fixed top-level namespace prefixed onto every
	// cloud resource display name, so orphan sweeps can identify ours
	GroupName string `yaml:"groupName"`
	// NamePrefix is the default scene name prefix when callers pass none
	NamePrefix string `yaml:"namePrefix"`

	// ExternalNetworks are topology ids that denote the external
	// namespace; references to them resolve implicitly
	ExternalNetworks []string `yaml:"externalNetworks"`
	// ExternalNetID is the provider handle of the external network
	ExternalNetID string `yaml:"externalNetId"`
	// ExternalCIDR is the address range for fixed external ports
	ExternalCIDR string `yaml:"externalCidr"`

	// SubnetSegments is the pool random scene CIDRs are drawn from
	SubnetSegments []ippool.Segment `yaml:"subnetSegments"`
	// DNS is the default resolver list for scene networks
	DNS []string `yaml:"dns"`
	// PlatformIP is substituted for the {platform_ip} script token
	PlatformIP string `yaml:"platformIp"`

	// Address pool lock acquisition budget
	LockTTL      time.Duration `yaml:"lockTtl"`
	LockAttempts int           `yaml:"lockAttempts"`
	LockDelay    time.Duration `yaml:"lockDelay"`

	// Reachability probe budget. The probe is best-effort: a timeout
	// still counts as reachable.
	ProbeTimeout  time.Duration `yaml:"probeTimeout"`
	ProbeInterval time.Duration `yaml:"probeInterval"`

	// Workers bounds the per-terminal provisioning fan-out
	Workers int `yaml:"workers"`
}

// DefaultConfig returns a Config with workable defaults for everything but
// the provider-specific handles.
func DefaultConfig() *Config {
	return &Config{
		StoreAddr:        "consul://127.0.0.1:8500",
		GroupName:        "kelpie",
		NamePrefix:       "scene",
		ExternalNetworks: []string{"internet"},
		ExternalCIDR:     "172.16.0.0/16",
		SubnetSegments: []ippool.Segment{
			{CIDR: "10.128.0.0/16", PrefixLen: 24},
		},
		DNS:           []string{"8.8.8.8"},
		LockTTL:       30 * time.Second,
		LockAttempts:  10,
		LockDelay:     2 * time.Second,
		ProbeTimeout:  5 * time.Minute,
		ProbeInterval: 5 * time.Second,
		Workers:       8,
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the values are reasonable.
func (c *Config) Validate() error {
	if c.GroupName == "" {
		return fmt.Errorf("groupName is required")
	}
	if len(c.ExternalNetworks) == 0 {
		return fmt.Errorf("at least one external network id is required")
	}
	if len(c.SubnetSegments) == 0 {
		return fmt.Errorf("at least one subnet segment is required")
	}
	if c.LockAttempts < 1 {
		return fmt.Errorf("lockAttempts must be positive")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive")
	}
	return nil
}
