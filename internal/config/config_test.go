package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg MeshConfig
	cfg.ApplyDefaults()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Equal(t, 3, cfg.Topology.MaxPeers)
	assert.Equal(t, 2, cfg.Topology.MinPeers)
	assert.Equal(t, "global", cfg.DHT.NetworkName)
	assert.Equal(t, 3, cfg.DHT.ReplicationFactorBase)
	assert.True(t, cfg.Topology.IsEvictionStrategyEnabled())
	assert.True(t, cfg.Topology.IsXORRoutingEnabled())
	assert.True(t, cfg.Topology.IsAutoDiscoveryEnabled())
}

func TestApplyDefaultsClampsMaxPeers(t *testing.T) {
	cfg := MeshConfig{Topology: TopologyConfig{MaxPeers: 1000, MinPeers: 999}}
	cfg.ApplyDefaults()
	assert.Equal(t, 50, cfg.Topology.MaxPeers)
	assert.Equal(t, 49, cfg.Topology.MinPeers)
}

func TestApplyDefaultsClampsMinPeersBelowMax(t *testing.T) {
	cfg := MeshConfig{Topology: TopologyConfig{MaxPeers: 1, MinPeers: 5}}
	cfg.ApplyDefaults()
	assert.Equal(t, 1, cfg.Topology.MaxPeers)
	assert.Equal(t, 0, cfg.Topology.MinPeers)
}

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mesh.yaml")
	contents := []byte("signaling:\n  url: wss://relay.example.com\ntopology:\n  max_peers: 5\n")
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example.com", cfg.Signaling.URL)
	assert.Equal(t, 5, cfg.Topology.MaxPeers)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
