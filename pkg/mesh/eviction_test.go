package mesh

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

// connectPeer drives a fresh slot straight to connected, bypassing the real
// handshake, since tests only need the slot-set bookkeeping.
func connectPeer(t *testing.T, cm *ConnectionManager, peer peerid.ID) {
	t.Helper()
	_, err := cm.InitiateConnection(context.Background(), peer)
	require.NoError(t, err)
	cm.MarkConnected(peer)
}

func TestEvictionXORFarthestReplacedByCloserCandidate(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 2})

	near := peerid.ID{0x10}
	far := peerid.ID{0xF0}
	connectPeer(t, cm, near)
	connectPeer(t, cm, far)

	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 2, MinPeers: 0}, cm, nil, newTestLogger())

	candidate := peerid.ID{0x08} // closer to self than `far`, farther than `near`
	victim, evicted := ev.MakeRoom(candidate)
	require.True(t, evicted)
	assert.Equal(t, far, victim)
	assert.NotContains(t, cm.Peers(), far)
}

func TestEvictionRefusesWhenCandidateIsNotCloser(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 2})

	near := peerid.ID{0x10}
	far := peerid.ID{0xF0}
	connectPeer(t, cm, near)
	connectPeer(t, cm, far)

	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 2, MinPeers: 0}, cm, nil, newTestLogger())

	candidate := peerid.ID{0xFF} // farther than both current peers
	_, evicted := ev.MakeRoom(candidate)
	assert.False(t, evicted)
	assert.Len(t, cm.Peers(), 2)
}

func TestEvictionLooserRuleBelowMinPeers(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 1})

	far := peerid.ID{0xF0}
	connectPeer(t, cm, far)

	// minPeers=2 with only 1 connected: below minPeers, so eviction proceeds
	// even for a farther candidate (spec §4.4 "OR the peer has fallen below
	// minPeers").
	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 1, MinPeers: 2}, cm, nil, newTestLogger())

	candidate := peerid.ID{0xFF}
	victim, evicted := ev.MakeRoom(candidate)
	require.True(t, evicted)
	assert.Equal(t, far, victim)
}

func TestEvictionFIFOWhenXORRoutingDisabled(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 2})

	first := peerid.ID{0x01}
	connectPeer(t, cm, first)
	second := peerid.ID{0x02}
	connectPeer(t, cm, second)

	disabled := false
	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 2, MinPeers: 0, XORRouting: &disabled}, cm, nil, newTestLogger())

	victim, evicted := ev.MakeRoom(peerid.ID{0x03})
	require.True(t, evicted)
	assert.Equal(t, first, victim, "FIFO should evict the oldest connection regardless of distance")
}

func TestEvictionConsidersHandshakingSlotsAtMaxPeersOne(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 1})

	// A single in-progress handshake fills the only slot; no connected peer
	// exists yet (spec §8 "At maxPeers==1: second incoming handshake
	// triggers eviction iff it would be strictly closer (XOR) or the peer
	// has fallen below minPeers").
	handshaking := peerid.ID{0xF0}
	_, err := cm.InitiateConnection(context.Background(), handshaking)
	require.NoError(t, err)
	require.Empty(t, cm.Peers(), "slot is still handshaking, not yet live")

	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 1, MinPeers: 0}, cm, nil, newTestLogger())

	candidate := peerid.ID{0x08} // closer to self than the handshaking peer
	victim, evicted := ev.MakeRoom(candidate)
	require.True(t, evicted, "zero live connections means any slot, including a handshaking one, may be evicted")
	assert.Equal(t, handshaking, victim)
}

func TestEvictionNoOpWhenCapacityAvailable(t *testing.T) {
	self := peerid.ID{0x00}
	cm := newTestConnMgr(self, config.TopologyConfig{MaxPeers: 3})
	connectPeer(t, cm, peerid.ID{0x01})

	ev := NewEviction(self, config.TopologyConfig{MaxPeers: 3, MinPeers: 0}, cm, nil, newTestLogger())
	_, evicted := ev.MakeRoom(peerid.ID{0x02})
	assert.False(t, evicted)
}
