// Package mesh assembles the Signaling Client, Connection Manager, Peer
// Discovery, Eviction Manager, Optimizer, Gossip Manager, and WebDHT into a
// single peer-to-peer mesh node (spec §4). Mesh owns every manager; the
// managers hold only non-owning back-references to data they need from
// each other, so there is exactly one place responsible for teardown
// order (spec §9 "Cyclic ownership").
package mesh

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/peerpigeon/peerpigeon/internal/config"
	"github.com/peerpigeon/peerpigeon/internal/metrics"
	"github.com/peerpigeon/peerpigeon/pkg/peerconn"
	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/signaling"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// Config configures a Mesh instance. Self is generated by the caller
// (peerid.Generate) unless MeshConfig.Identity.PeerID pins it (spec §6).
type Config struct {
	Self     peerid.ID
	Mesh     *config.MeshConfig
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Dialer   signaling.Dialer // nil uses signaling.WebsocketDialer
	NewConn  func(peerconn.Config) (peerconn.Capabilities, error)
}

// Mesh is a single peer-to-peer mesh node.
type Mesh struct {
	self peerid.ID
	cfg  *config.MeshConfig
	log  *slog.Logger

	signaling *signaling.Client
	conns     *ConnectionManager
	discovery *Discovery
	eviction  *Eviction
	optimizer *Optimizer
	gossip    *Gossip
	dht       *WebDHT

	events chan Event

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New assembles a Mesh but does not connect anything yet; call Start.
func New(cfg Config) (*Mesh, error) {
	if cfg.Mesh == nil {
		return nil, fmt.Errorf("mesh: Config.Mesh is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New("dev", "unknown")
	}

	newConn := cfg.NewConn
	if newConn == nil {
		newConn = func(pc peerconn.Config) (peerconn.Capabilities, error) {
			pc.ICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
			return peerconn.New(pc)
		}
	}

	mesh := &Mesh{
		self:   cfg.Self,
		cfg:    cfg.Mesh,
		log:    log.With("component", "mesh", "peer", cfg.Self.Short()),
		events: make(chan Event, 256),
	}

	mesh.conns = NewConnectionManager(cfg.Self, cfg.Mesh.Topology, m, log, newConn)
	mesh.discovery = NewDiscovery(cfg.Self, m, log, mesh.onPeerDiscovered)
	mesh.eviction = NewEviction(cfg.Self, cfg.Mesh.Topology, mesh.conns, m, log)
	mesh.optimizer = NewOptimizer(cfg.Self, cfg.Mesh.Topology, mesh.conns, mesh.discovery, log, mesh.dialPeer)
	if cfg.Mesh.Topology.IsEvictionStrategyEnabled() {
		mesh.conns.SetEvictionHook(func(candidate peerid.ID) bool {
			_, evicted := mesh.eviction.MakeRoom(candidate)
			return evicted
		})
	}

	gossip, err := NewGossip(cfg.Self, mesh.conns, m, log, mesh.onGossipDeliver)
	if err != nil {
		return nil, fmt.Errorf("mesh: init gossip: %w", err)
	}
	mesh.gossip = gossip
	mesh.dht = NewWebDHT(cfg.Self, cfg.Mesh.DHT, mesh.conns, gossip, m, log, mesh.discovery.Known)

	mesh.conns.AddRouter(mesh.gossip)
	mesh.conns.AddRouter(mesh.dht)
	mesh.conns.AddRouter(evictionRouter{mesh})
	mesh.conns.OnStateChange(mesh.onConnectionStateChange)
	mesh.conns.OnOpaqueMessage(mesh.onOpaqueMessage)
	mesh.conns.OnICECandidate(mesh.onLocalICECandidate)
	mesh.conns.OnAttemptsExhausted(mesh.discovery.Forget)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = signaling.WebsocketDialer{}
	}
	mesh.signaling = signaling.New(signaling.Config{
		URL:            cfg.Mesh.Signaling.URL,
		Self:           cfg.Self,
		Dialer:         dialer,
		ConnectedPeers: mesh.conns.Peers,
		Logger:         log,
		Metrics:        m,
		OnFrame:        mesh.onSignalingFrame,
	})

	return mesh, nil
}

// Start brings every manager online. Safe to call once.
func (m *Mesh) Start(ctx context.Context) {
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.conns.Start(m.ctx)
	m.discovery.Start(m.ctx)
	m.optimizer.Start(m.ctx)
	m.dht.Start(m.ctx)
	m.signaling.Start(m.ctx)
}

// Close tears every manager down in reverse dependency order and closes
// the event channel.
func (m *Mesh) Close() error {
	if m.cancel != nil {
		m.cancel()
	}
	_ = m.signaling.Close()
	m.dht.Close()
	m.optimizer.Close()
	m.discovery.Close()
	m.conns.Close()
	close(m.events)
	return nil
}

// Self returns this node's peer ID.
func (m *Mesh) Self() peerid.ID { return m.self }

// Peers returns currently connected peer IDs.
func (m *Mesh) Peers() []peerid.ID { return m.conns.Peers() }

// Broadcast floods a message to the whole mesh (spec §4.5).
func (m *Mesh) Broadcast(subtype string, content []byte) error {
	return m.gossip.Broadcast(subtype, content)
}

// SendTo delivers a message to a specific peer, routing through
// intermediate hops if necessary (spec §4.5).
func (m *Mesh) SendTo(target peerid.ID, subtype string, content []byte) error {
	return m.gossip.SendDirected(target, subtype, content)
}

// Put stores a value in the WebDHT (spec §4.6).
func (m *Mesh) Put(key string, value json.RawMessage, space string) error {
	return m.dht.Put(key, value, space)
}

// Get resolves a value from the WebDHT (spec §4.6).
func (m *Mesh) Get(ctx context.Context, key string, space string) (json.RawMessage, bool, error) {
	return m.dht.Get(ctx, key, space)
}

func (m *Mesh) dialPeer(ctx context.Context, target peerid.ID) {
	offer, err := m.conns.InitiateConnection(ctx, target)
	if err != nil {
		m.log.Debug("dial skipped", "target", target.Short(), "error", err)
		return
	}
	data, err := json.Marshal(wire.SDPData{Type: offer.Type, SDP: offer.SDP})
	if err != nil {
		return
	}
	_ = m.signaling.Send(wire.SignalingFrame{
		Type:         wire.TypeOffer,
		Data:         data,
		FromPeerID:   m.self.String(),
		TargetPeerID: target.String(),
	})
}

// onGossipDeliver is the Gossip Manager's local-delivery callback. A
// dht-routing subtype means the envelope's content is an opaque MeshDHT
// frame forwarded because its responsible peer isn't a direct neighbor
// (spec §4.6 "Message forwarding"); unwrap it into the DHT instead of
// surfacing it to the host application.
func (m *Mesh) onGossipDeliver(e Event) {
	if e.Kind == EventMessage && e.Subtype == wire.DHTRoutingSubtype {
		m.dht.HandleRouted(wire.MeshFrame{Type: wire.MeshDHT, Data: e.Message})
		return
	}
	m.emit(e)
}

func (m *Mesh) onPeerDiscovered(peer peerid.ID) {
	m.emit(Event{Kind: EventPeerDiscovered, Peer: peer})
	m.optimizer.OnPeerDiscovered(peer)
}

func (m *Mesh) onConnectionStateChange(peer peerid.ID, connected bool) {
	if connected {
		m.emit(Event{Kind: EventPeerConnected, Peer: peer})
	} else {
		m.emit(Event{Kind: EventPeerDisconnect, Peer: peer})
	}
}

func (m *Mesh) onOpaqueMessage(peer peerid.ID, data []byte) {
	m.emit(Event{Kind: EventMessage, Peer: peer, Message: data})
}

// onLocalICECandidate relays a locally-gathered trickle candidate to the
// remote peer over the signaling relay (spec §4.2 "ICE candidate
// ordering", §6 "ice-candidate"). Both sides trickle independently of
// handshake role.
func (m *Mesh) onLocalICECandidate(peer peerid.ID, candidate peerconn.Candidate) {
	var mline *int
	if candidate.SDPMLineIndex != nil {
		v := int(*candidate.SDPMLineIndex)
		mline = &v
	}
	data, err := json.Marshal(wire.ICECandidateData{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: mline,
	})
	if err != nil {
		return
	}
	_ = m.signaling.Send(wire.SignalingFrame{
		Type:         wire.TypeICECandiate,
		Data:         data,
		FromPeerID:   m.self.String(),
		TargetPeerID: peer.String(),
	})
}

func (m *Mesh) onSignalingFrame(frame wire.SignalingFrame) {
	from, err := peerid.Parse(frame.FromPeerID)
	if err != nil {
		return
	}
	if from != m.self {
		m.discovery.Observe(from)
	}

	switch frame.Type {
	case wire.TypeAnnounce:
		// Observe above already recorded it; nothing further to do.
	case wire.TypeOffer:
		m.handleOffer(from, frame)
	case wire.TypeAnswer:
		m.handleAnswer(from, frame)
	case wire.TypeICECandiate:
		m.handleICECandidate(from, frame)
	case wire.TypeGoodbye, wire.TypeCleanup:
		m.conns.Drop(from)
	}
}

func (m *Mesh) handleOffer(from peerid.ID, frame wire.SignalingFrame) {
	var sdp wire.SDPData
	if err := json.Unmarshal(frame.Data, &sdp); err != nil {
		return
	}
	answer, err := m.conns.AcceptOffer(m.ctx, from, peerconn.SessionDescription{Type: sdp.Type, SDP: sdp.SDP})
	if err != nil {
		m.log.Warn("reject offer", "from", from.Short(), "error", err)
		return
	}
	data, err := json.Marshal(wire.SDPData{Type: answer.Type, SDP: answer.SDP})
	if err != nil {
		return
	}
	_ = m.signaling.Send(wire.SignalingFrame{
		Type:         wire.TypeAnswer,
		Data:         data,
		FromPeerID:   m.self.String(),
		TargetPeerID: from.String(),
	})
}

func (m *Mesh) handleAnswer(from peerid.ID, frame wire.SignalingFrame) {
	var sdp wire.SDPData
	if err := json.Unmarshal(frame.Data, &sdp); err != nil {
		return
	}
	if err := m.conns.AcceptAnswer(m.ctx, from, peerconn.SessionDescription{Type: sdp.Type, SDP: sdp.SDP}); err != nil {
		m.log.Warn("accept answer failed", "from", from.Short(), "error", err)
	}
}

func (m *Mesh) handleICECandidate(from peerid.ID, frame wire.SignalingFrame) {
	var cd wire.ICECandidateData
	if err := json.Unmarshal(frame.Data, &cd); err != nil {
		return
	}
	var mline *uint16
	if cd.SDPMLineIndex != nil {
		v := uint16(*cd.SDPMLineIndex)
		mline = &v
	}
	_ = m.conns.AddICECandidate(from, peerconn.Candidate{Candidate: cd.Candidate, SDPMid: cd.SDPMid, SDPMLineIndex: mline})
}

// evictionRouter surfaces inbound eviction frames addressed to this peer (a
// remote peer telling us why it dropped us) as EventPeerEvicted events. It
// does not involve the Eviction Manager or close the local side.
type evictionRouter struct{ m *Mesh }

func (r evictionRouter) HandleInbound(from peerid.ID, frame wire.MeshFrame) {
	if frame.Type != wire.MeshEviction {
		return
	}
	var ed wire.EvictionData
	if err := json.Unmarshal(frame.Data, &ed); err != nil {
		return
	}
	r.m.emit(Event{Kind: EventPeerEvicted, Peer: from, Reason: ed.Reason})
}
