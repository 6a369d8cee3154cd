package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads a MeshConfig from a YAML file and applies defaults/clamping.
func Load(path string) (*MeshConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg MeshConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}

// ApplyDefaults fills in spec §6's documented defaults and clamps bounded
// fields to their documented ranges. Mutates cfg in place and is
// idempotent.
func (c *MeshConfig) ApplyDefaults() {
	if c.Version == 0 {
		c.Version = CurrentConfigVersion
	}
	if c.Topology.MaxPeers == 0 {
		c.Topology.MaxPeers = 3
	}
	c.Topology.MaxPeers = clamp(c.Topology.MaxPeers, 1, 50)

	if c.Topology.MinPeers == 0 {
		c.Topology.MinPeers = 2
	}
	c.Topology.MinPeers = clamp(c.Topology.MinPeers, 0, c.Topology.MaxPeers-1)

	if c.DHT.NetworkName == "" {
		c.DHT.NetworkName = "global"
	}
	if c.DHT.ReplicationFactorBase == 0 {
		c.DHT.ReplicationFactorBase = 3
	}
	if c.Telemetry.Metrics.ListenAddress == "" {
		c.Telemetry.Metrics.ListenAddress = "127.0.0.1:9091"
	}
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
