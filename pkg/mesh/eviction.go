package mesh

import (
	"encoding/json"
	"log/slog"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// EvictionReason names why a peer slot was freed (spec §4.4 "Eviction").
const (
	EvictionReasonCapacity EvictionReason = "topology optimization"
	EvictionReasonManual   EvictionReason = "manual"
)

// EvictionReason is sent to the evicted peer as the eviction frame's payload.
type EvictionReason string

// Eviction frees capacity for a newly-discovered closer peer by dropping
// the current farthest (by XOR distance) connected peer, or the oldest
// connection when XOR routing is disabled (spec §4.4, §6 "xor_routing").
type Eviction struct {
	self    peerid.ID
	cfg     config.TopologyConfig
	conns   *ConnectionManager
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewEviction(self peerid.ID, cfg config.TopologyConfig, conns *ConnectionManager, m *metrics.Metrics, log *slog.Logger) *Eviction {
	return &Eviction{self: self, cfg: cfg, conns: conns, metrics: m, log: log.With("component", "eviction")}
}

// MakeRoom drops one connected peer so candidate can be admitted, if the
// connection manager is at capacity. Returns the evicted peer, or false if
// no eviction was necessary or possible.
//
// Admission is strict-improvement-or-below-minPeers (spec §4.4 "Admit new
// peer iff it is strictly closer than victim, OR the peer has fallen below
// minPeers"): once connectivity has dropped under minPeers, any candidate is
// allowed to evict the victim, even one farther away, because maintaining
// connectivity outranks topology optimality at that point.
func (e *Eviction) MakeRoom(candidate peerid.ID) (peerid.ID, bool) {
	if e.conns.HasCapacity() {
		return peerid.ID{}, false
	}
	// Candidates are every slot, connected or still handshaking (spec §4.4
	// "victim = XOR-farthest current peer (connected or connecting)"), not
	// just Peers()'s live subset — otherwise a full set of in-progress
	// handshakes can never be displaced, even by a strictly closer peer.
	allSlots := e.conns.AllSlotPeers()
	if len(allSlots) == 0 {
		return peerid.ID{}, false
	}
	connected := e.conns.Peers()
	// Isolation-escape (spec §4.4 "if this peer has zero live connections,
	// any slot may be evicted to escape isolation") is checked independently
	// of minPeers, since minPeers could be configured to 0.
	isolated := len(connected) == 0
	belowMinPeers := len(connected) < e.cfg.MinPeers

	var victim peerid.ID
	if e.cfg.IsXORRoutingEnabled() {
		farthest, ok := peerid.Farthest(e.self, allSlots)
		if !ok {
			return peerid.ID{}, false
		}
		if !isolated && !belowMinPeers && !peerid.CloserTo(e.self, candidate, farthest) {
			// Candidate is not an improvement over the current farthest peer,
			// and connectivity is not at risk, so keep the existing peer.
			return peerid.ID{}, false
		}
		victim = farthest
	} else {
		oldest, ok := e.conns.OldestPeer()
		if !ok {
			oldest, ok = e.conns.OldestAnySlot()
		}
		if !ok {
			return peerid.ID{}, false
		}
		victim = oldest
	}

	e.evict(victim, EvictionReasonCapacity)
	return victim, true
}

func (e *Eviction) evict(peer peerid.ID, reason EvictionReason) {
	data, _ := json.Marshal(wire.EvictionData{Reason: string(reason)})
	_ = e.conns.SendFrame(peer, wire.MeshFrame{Type: wire.MeshEviction, Data: data})
	e.conns.Drop(peer)
	if e.metrics != nil {
		e.metrics.Evictions.WithLabelValues(string(reason)).Inc()
	}
	e.log.Info("evicted peer", "peer", peer.Short(), "reason", reason)
}
