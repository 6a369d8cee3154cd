package mesh

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// peerTransport is the subset of ConnectionManager the Gossip Manager and
// WebDHT depend on: who is connected, and how to reach them.
type peerTransport interface {
	Peers() []peerid.ID
	SendFrame(peer peerid.ID, frame wire.MeshFrame) error
}

// Gossip implements the flood/directed gossip protocol of spec §4.5:
// seen-message dedup, TTL-bounded propagation, and path-based loop
// suppression.
type Gossip struct {
	self      peerid.ID
	transport peerTransport
	seen      *lru.Cache
	metrics   *metrics.Metrics
	log       *slog.Logger
	onMessage func(Event)
}

// NewGossip constructs a Gossip manager. onMessage is called once per
// locally-delivered message (self is the target, or the message is a
// broadcast); nil-safe.
func NewGossip(self peerid.ID, transport peerTransport, m *metrics.Metrics, log *slog.Logger, onMessage func(Event)) (*Gossip, error) {
	seen, err := lru.New(config.SeenCacheMaxEntries)
	if err != nil {
		return nil, err
	}
	return &Gossip{self: self, transport: transport, seen: seen, metrics: m, log: log.With("component", "gossip"), onMessage: onMessage}, nil
}

// Broadcast floods content to every reachable peer (spec §4.5 "Broadcast").
func (g *Gossip) Broadcast(subtype string, content []byte) error {
	env := wire.GossipEnvelope{
		ID:        uuid.NewString(),
		From:      g.self.String(),
		Subtype:   subtype,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		TTL:       config.GossipBroadcastTTL,
		Path:      []string{g.self.String()},
	}
	g.markSeen(env.ID)
	return g.flood(env)
}

// SendDirected routes content to a specific peer, forwarding through
// intermediate hops when not directly connected (spec §4.5 "Directed
// gossip").
func (g *Gossip) SendDirected(to peerid.ID, subtype string, content []byte) error {
	env := wire.GossipEnvelope{
		ID:        uuid.NewString(),
		From:      g.self.String(),
		To:        to.String(),
		Subtype:   subtype,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
		TTL:       config.GossipDirectedTTL,
		Path:      []string{g.self.String()},
	}
	g.markSeen(env.ID)
	return g.flood(env)
}

// HandleInbound implements FrameRouter for gossip frames.
func (g *Gossip) HandleInbound(from peerid.ID, frame wire.MeshFrame) {
	if frame.Type != wire.MeshGossip && frame.Type != wire.MeshGossipRouting {
		return
	}
	var env wire.GossipEnvelope
	if err := json.Unmarshal(frame.Data, &env); err != nil {
		g.drop("malformed")
		return
	}

	if g.isSeen(env.ID) {
		g.drop("duplicate")
		return
	}
	if onPath(env.Path, g.self.String()) {
		// Defense in depth: this peer is already in the path, so this frame
		// looped back to us even though the seen cache didn't catch it
		// (e.g. LRU eviction or horizon expiry). Never re-deliver or forward.
		g.drop("self-in-path")
		return
	}
	g.markSeen(env.ID)

	local := env.To == "" || env.To == g.self.String()
	if local && g.onMessage != nil {
		g.onMessage(Event{Kind: EventMessage, Peer: from, Message: env.Content, Subtype: env.Subtype})
		if g.metrics != nil {
			g.metrics.GossipDelivered.Inc()
		}
	}

	if env.To != "" && env.To == g.self.String() {
		return // directed message delivered to its target, stop here
	}

	env.TTL--
	if env.TTL <= 0 {
		g.drop("ttl-expired")
		return
	}
	env.Path = append(append([]string{}, env.Path...), g.self.String())

	g.forward(env)
}

func (g *Gossip) forward(env wire.GossipEnvelope) {
	if env.To == "" {
		_ = g.flood(env)
		return
	}

	target, err := peerid.Parse(env.To)
	if err != nil {
		g.drop("bad-target")
		return
	}
	peers := g.transport.Peers()
	var candidates []peerid.ID
	for _, p := range peers {
		if !onPath(env.Path, p.String()) {
			candidates = append(candidates, p)
		}
	}
	nextHop := peerid.Closest(target, candidates, 1)
	if len(nextHop) == 0 {
		g.drop("no-route")
		return
	}
	if err := g.sendFrame(nextHop[0], env); err != nil {
		g.drop("send-failed")
	} else if g.metrics != nil {
		g.metrics.GossipForwarded.WithLabelValues("directed").Inc()
	}
}

func (g *Gossip) flood(env wire.GossipEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	frame := wire.MeshFrame{Type: wire.MeshGossip, Data: data}
	var firstErr error
	for _, p := range g.transport.Peers() {
		if onPath(env.Path, p.String()) {
			continue
		}
		if err := g.transport.SendFrame(p, frame); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if g.metrics != nil {
				g.metrics.GossipDropped.WithLabelValues("send-failed").Inc()
			}
			continue
		}
		if g.metrics != nil {
			g.metrics.GossipForwarded.WithLabelValues("broadcast").Inc()
		}
	}
	return firstErr
}

func (g *Gossip) sendFrame(peer peerid.ID, env wire.GossipEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return g.transport.SendFrame(peer, wire.MeshFrame{Type: wire.MeshGossip, Data: data})
}

func (g *Gossip) drop(reason string) {
	if g.metrics != nil {
		g.metrics.GossipDropped.WithLabelValues(reason).Inc()
	}
}

// isSeen checks membership without refreshing recency, so a duplicate
// delivery doesn't keep an expired entry alive past SeenCacheHorizon.
func (g *Gossip) isSeen(id string) bool {
	v, ok := g.seen.Peek(id)
	if !ok {
		return false
	}
	seenAt := v.(time.Time)
	return time.Since(seenAt) < config.SeenCacheHorizon
}

func (g *Gossip) markSeen(id string) {
	g.seen.Add(id, time.Now())
}

func onPath(path []string, id string) bool {
	for _, p := range path {
		if p == id {
			return true
		}
	}
	return false
}
