// Package config holds the YAML-loadable configuration surface for the
// mesh core, mirroring the struct-of-structs-by-concern shape of the
// teacher's internal/config package.
package config

import "time"

// CurrentConfigVersion is the latest configuration schema version.
// Bump this when adding fields that require migration.
const CurrentConfigVersion = 1

// MeshConfig is the full enumerated configuration surface of spec §6.
type MeshConfig struct {
	Version   int             `yaml:"version,omitempty"`
	Identity  IdentityConfig  `yaml:"identity,omitempty"`
	Signaling SignalingConfig `yaml:"signaling"`
	Topology  TopologyConfig  `yaml:"topology,omitempty"`
	DHT       DHTConfig       `yaml:"dht,omitempty"`
	Telemetry TelemetryConfig `yaml:"telemetry,omitempty"`
}

// IdentityConfig holds identity-related configuration.
type IdentityConfig struct {
	// PeerID optionally overrides the generated peer ID; must be 40 hex
	// chars (spec §6 "peerId"). Empty means generate one at startup.
	PeerID string `yaml:"peer_id,omitempty"`
}

// SignalingConfig holds signaling relay configuration.
type SignalingConfig struct {
	URL string `yaml:"url"`
}

// TopologyConfig holds the connection-manager / discovery / eviction /
// optimizer tuning surface of spec §6.
type TopologyConfig struct {
	MaxPeers          int   `yaml:"max_peers,omitempty"`          // default 3, clamped [1,50]
	MinPeers          int   `yaml:"min_peers,omitempty"`          // default 2, clamped [0,maxPeers-1]
	EvictionStrategy  *bool `yaml:"eviction_strategy,omitempty"`  // default true
	XORRouting        *bool `yaml:"xor_routing,omitempty"`        // default true
	AutoDiscovery     *bool `yaml:"auto_discovery,omitempty"`     // default true
}

// IsEvictionStrategyEnabled defaults to true when unset.
func (t *TopologyConfig) IsEvictionStrategyEnabled() bool {
	if t.EvictionStrategy == nil {
		return true
	}
	return *t.EvictionStrategy
}

// IsXORRoutingEnabled defaults to true when unset.
func (t *TopologyConfig) IsXORRoutingEnabled() bool {
	if t.XORRouting == nil {
		return true
	}
	return *t.XORRouting
}

// IsAutoDiscoveryEnabled defaults to true when unset.
func (t *TopologyConfig) IsAutoDiscoveryEnabled() bool {
	if t.AutoDiscovery == nil {
		return true
	}
	return *t.AutoDiscovery
}

// DHTConfig holds WebDHT configuration.
type DHTConfig struct {
	NetworkName            string `yaml:"network_name,omitempty"`             // default "global"
	ReplicationFactorBase  int    `yaml:"replication_factor_base,omitempty"`  // default 3
}

// TelemetryConfig holds observability settings. Disabled by default (opt-in),
// same convention as the teacher's TelemetryConfig.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

// MetricsConfig controls Prometheus metrics exposure.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address"` // default: "127.0.0.1:9091"
}

// Tuning constants not exposed as configuration (spec §4/§5 literal values).
const (
	DiscoveryStaleAfter    = 5 * time.Minute
	HandshakeTimeoutNoMedia = 30 * time.Second
	HandshakeTimeoutMedia   = 45 * time.Second
	ConnectCooldown         = 1500 * time.Millisecond
	ConnectCooldownIsolated = 500 * time.Millisecond
	MaxConnectionAttempts   = 3
	SlotSetCleanupInterval  = 30 * time.Second
	StaleSlotReclaimAfter   = 45 * time.Second
	SignalingPingInterval   = 30 * time.Second
	SignalingPongTimeout    = 10 * time.Second
	SignalingSendTimeout    = 10 * time.Second
	ReconnectBackoffBase    = 1 * time.Second
	ReconnectBackoffCap     = 30 * time.Second
	ReconnectMaxAttempts    = 10
	ReconnectExtendedBackoff = 10 * time.Minute
	RelayBackoffMeshedMultiplier = 3
	RelayBackoffMeshedCap        = 5 * time.Minute
	GossipBroadcastTTL     = 10
	GossipDirectedTTL      = 5
	SeenCacheMaxEntries    = 10_000
	SeenCacheHorizon       = 15 * time.Minute
	DHTQueryTimeout        = 5 * time.Second
	DHTRecordMaxAge        = 24 * time.Hour
	DHTSweepInterval       = 5 * time.Minute
	DHTRefreshInterval     = 30 * time.Second
	DHTClosestPeersCached  = 10
)
