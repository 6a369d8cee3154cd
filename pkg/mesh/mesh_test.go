package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/pkg/peerconn"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

func newTestMeshConfig(maxPeers, minPeers int) *config.MeshConfig {
	cfg := &config.MeshConfig{}
	cfg.ApplyDefaults()
	cfg.Topology.MaxPeers = maxPeers
	cfg.Topology.MinPeers = minPeers
	return cfg
}

// TestMeshWiresEvictionHookWhenEnabled verifies New() actually connects the
// Eviction Manager to the Connection Manager's admission path, rather than
// leaving Eviction.MakeRoom an unreachable method.
func TestMeshWiresEvictionHookWhenEnabled(t *testing.T) {
	self := peerid.ID{0x00}
	cfg := newTestMeshConfig(2, 0)

	m, err := New(Config{Self: self, Mesh: cfg, Logger: newTestLogger(), NewConn: fakeNewConn})
	require.NoError(t, err)

	near := peerid.ID{0x10}
	far := peerid.ID{0xF0}
	connectPeer(t, m.conns, near)
	connectPeer(t, m.conns, far)

	candidate := peerid.ID{0x08} // closer to self than `far`
	_, err = m.conns.AcceptOffer(context.Background(), candidate, peerconn.SessionDescription{Type: "offer", SDP: "x"})
	require.NoError(t, err, "the eviction hook should free a slot for the closer candidate")
	assert.NotContains(t, m.conns.Peers(), far)
	assert.Contains(t, m.conns.Peers(), near)
}

// TestMeshLeavesConnectionManagerUnhookedWhenEvictionDisabled verifies the
// eviction_strategy=false configuration path is honored: a full mesh simply
// rejects the inbound offer instead of ever calling MakeRoom.
func TestMeshLeavesConnectionManagerUnhookedWhenEvictionDisabled(t *testing.T) {
	self := peerid.ID{0x00}
	cfg := newTestMeshConfig(2, 0)
	disabled := false
	cfg.Topology.EvictionStrategy = &disabled

	m, err := New(Config{Self: self, Mesh: cfg, Logger: newTestLogger(), NewConn: fakeNewConn})
	require.NoError(t, err)

	connectPeer(t, m.conns, peerid.ID{0x10})
	connectPeer(t, m.conns, peerid.ID{0xF0})

	_, err = m.conns.AcceptOffer(context.Background(), peerid.ID{0x08}, peerconn.SessionDescription{Type: "offer", SDP: "x"})
	assert.Error(t, err, "eviction disabled: an offer at capacity must be rejected, not evict")
}

// TestMeshRegistersAllFrameRouters verifies gossip, dht, and eviction frames
// are all routed by the assembled Mesh, not just whichever router happens to
// be registered first.
func TestMeshRegistersAllFrameRouters(t *testing.T) {
	self := genID(t)
	cfg := newTestMeshConfig(3, 0)

	m, err := New(Config{Self: self, Mesh: cfg, Logger: newTestLogger(), NewConn: fakeNewConn})
	require.NoError(t, err)

	assert.Len(t, m.conns.routers, 3, "gossip, dht, and eviction routers must all be registered")
}
