// Package peerconn implements one WebRTC-style session with one remote
// peer (spec §4.2): lifecycle, data channel, optional media tracks,
// local/remote description exchange, and ICE candidate trickling.
package peerconn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

// Config configures a new Connection.
type Config struct {
	PeerID    peerid.ID
	Role      Role
	HasMedia  bool // governs the 45s vs 30s handshake timeout (spec §4.2)
	ICEServers []webrtc.ICEServer
}

// Timeout returns the handshake timeout for this connection's configuration.
func (c Config) Timeout() time.Duration {
	if c.HasMedia {
		return 45 * time.Second
	}
	return 30 * time.Second
}

// Connection is one WebRTC session with one remote peer, implementing
// Capabilities over github.com/pion/webrtc/v4.
type Connection struct {
	cfg Config

	mu                   sync.Mutex
	state                State
	pc                   *webrtc.PeerConnection
	dc                   *webrtc.DataChannel
	pendingICECandidates []Candidate // drained after remote description is set
	remoteDescriptionSet bool
	createdAt            time.Time

	events chan Event
}

// New creates a Connection in state "new". The data channel is created
// immediately for the initiator (spec §4.2 "Initiator side creates the
// data channel before the offer"); the responder waits for OnDataChannel.
func New(cfg Config) (*Connection, error) {
	iceServers := cfg.ICEServers
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peerconn: create peer connection: %w", err)
	}

	c := &Connection{
		cfg:       cfg,
		state:     StateNew,
		pc:        pc,
		createdAt: time.Now(),
		events:    make(chan Event, 32),
	}

	pc.OnICECandidate(func(ice *webrtc.ICECandidate) {
		if ice == nil {
			return
		}
		init := ice.ToJSON()
		var idx *uint16
		if init.SDPMLineIndex != nil {
			v := *init.SDPMLineIndex
			idx = &v
		}
		c.emit(Event{Kind: EventICECandidate, Candidate: Candidate{
			Candidate:     init.Candidate,
			SDPMid:        derefStr(init.SDPMid),
			SDPMLineIndex: idx,
		}})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		switch s {
		case webrtc.PeerConnectionStateConnected:
			c.transition(StateConnected)
			c.emit(Event{Kind: EventConnected})
		case webrtc.PeerConnectionStateDisconnected:
			c.transition(StateDisconnected)
			c.emit(Event{Kind: EventDisconnected, Reason: "transport loss"})
		case webrtc.PeerConnectionStateFailed:
			c.transition(StateFailed)
			c.emit(Event{Kind: EventDisconnected, Reason: "ice failed"})
		case webrtc.PeerConnectionStateClosed:
			c.transition(StateClosed)
		}
	})

	if cfg.Role == RoleInitiator {
		ordered := true
		dc, err := pc.CreateDataChannel("peerpigeon", &webrtc.DataChannelInit{Ordered: &ordered})
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("peerconn: create data channel: %w", err)
		}
		c.wireDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			c.wireDataChannel(dc)
		})
	}

	return c, nil
}

func (c *Connection) wireDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.emit(Event{Kind: EventDataChannelOpen})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.emit(Event{Kind: EventMessage, Message: msg.Data})
	})
}

// Events returns the channel of emitted events (spec §4.2 "Outputs").
func (c *Connection) Events() <-chan Event {
	return c.events
}

func (c *Connection) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		slog.Warn("peerconn: event channel full, dropping event", "peer", c.cfg.PeerID.Short(), "kind", ev.Kind)
	}
}

// State returns the current connection state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) transition(to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !validTransition(c.state, to) {
		return false
	}
	slog.Debug("peerconn: state transition", "peer", c.cfg.PeerID.Short(), "from", c.state, "to", to)
	c.state = to
	return true
}

// CreateOffer creates and sets the local description as an offer, and
// transitions to offer-sent (spec §4.2). The initiator calls this for the
// initial handshake; Renegotiate creates its offer separately and does not
// go through this method.
func (c *Connection) CreateOffer(ctx context.Context) (SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: set local description: %w", err)
	}
	c.transition(StateOfferSent)
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// AcceptOffer sets the remote offer, creates and sets a local answer, and
// transitions to answer-sent (responder path, spec §4.2).
func (c *Connection) AcceptOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	if err := c.setRemoteDescription(webrtc.SDPTypeOffer, offer.SDP); err != nil {
		return SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: set local description: %w", err)
	}
	c.transition(StateAnswerSent)
	c.transition(StateICEGathering)
	return SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

// AcceptAnswer sets the remote answer and transitions to ice-gathering
// (initiator path, spec §4.2).
func (c *Connection) AcceptAnswer(ctx context.Context, answer SessionDescription) error {
	if err := c.setRemoteDescription(webrtc.SDPTypeAnswer, answer.SDP); err != nil {
		return err
	}
	c.transition(StateICEGathering)
	return nil
}

func (c *Connection) setRemoteDescription(typ webrtc.SDPType, sdp string) error {
	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: typ, SDP: sdp}); err != nil {
		return fmt.Errorf("peerconn: set remote description: %w", err)
	}
	return c.drainPendingICECandidates()
}

// AddICECandidate buffers the candidate if the remote description is not
// yet set, or applies it immediately otherwise (spec §4.2 "ICE candidate
// ordering").
func (c *Connection) AddICECandidate(candidate Candidate) error {
	c.mu.Lock()
	if !c.remoteDescriptionSet {
		c.pendingICECandidates = append(c.pendingICECandidates, candidate)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.applyICECandidate(candidate)
}

func (c *Connection) applyICECandidate(candidate Candidate) error {
	init := webrtc.ICECandidateInit{Candidate: candidate.Candidate}
	if candidate.SDPMid != "" {
		init.SDPMid = &candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		init.SDPMLineIndex = candidate.SDPMLineIndex
	}
	if err := c.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peerconn: add ice candidate: %w", err)
	}
	return nil
}

// drainPendingICECandidates atomically applies every buffered candidate
// after the remote description has been applied (spec §4.2).
func (c *Connection) drainPendingICECandidates() error {
	c.mu.Lock()
	c.remoteDescriptionSet = true
	pending := c.pendingICECandidates
	c.pendingICECandidates = nil
	c.mu.Unlock()

	for _, cand := range pending {
		if err := c.applyICECandidate(cand); err != nil {
			slog.Warn("peerconn: dropping stale ice candidate", "peer", c.cfg.PeerID.Short(), "error", err)
		}
	}
	return nil
}

// SendMessage sends a message over the data channel.
func (c *Connection) SendMessage(data []byte) error {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("peerconn: data channel not open")
	}
	if err := dc.Send(data); err != nil {
		return fmt.Errorf("peerconn: send: %w", err)
	}
	return nil
}

// SetLocalStream is a no-op placeholder: selective media streaming is out
// of scope (spec §1), but renegotiation (spec §4.2) still needs a stable
// Capabilities signature for "local media tracks are added/removed".
func (c *Connection) SetLocalStream(stream Stream) error {
	return fmt.Errorf("peerconn: media streaming not supported (out of scope)")
}

// Close closes the underlying peer connection and transitions to closed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateClosed
	}
	c.mu.Unlock()
	if err := c.pc.Close(); err != nil {
		return fmt.Errorf("peerconn: close: %w", err)
	}
	return nil
}

// CreatedAt returns when the connection object was created.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// Role returns which side this connection is on.
func (c *Connection) Role() Role { return c.cfg.Role }

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ Capabilities = (*Connection)(nil)
