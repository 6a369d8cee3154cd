package peerconn

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Renegotiate creates a fresh offer without an ICE restart for an
// already-connected session (spec §4.2 "Renegotiation"). It only creates
// and sets the offer; delivering it to the remote peer is left to the
// caller. No code in this module calls Renegotiate.
func (c *Connection) Renegotiate(ctx context.Context) (SessionDescription, error) {
	c.mu.Lock()
	state := c.state
	signalingStable := c.pc.SignalingState() == webrtc.SignalingStateStable
	c.mu.Unlock()

	if state != StateConnected {
		return SessionDescription{}, fmt.Errorf("peerconn: renegotiation requires connected state, got %s", state)
	}
	if !signalingStable {
		return SessionDescription{}, fmt.Errorf("peerconn: renegotiation requires stable signaling state")
	}

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: renegotiate create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return SessionDescription{}, fmt.Errorf("peerconn: renegotiate set local description: %w", err)
	}
	return SessionDescription{Type: offer.Type.String(), SDP: offer.SDP}, nil
}

// AcceptRenegotiationAnswer applies the remote answer for an in-session
// renegotiation without touching the top-level state machine (the
// connection stays "connected" throughout).
func (c *Connection) AcceptRenegotiationAnswer(ctx context.Context, answer SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP})
}

// IsDataChannelWritable reports whether renegotiation offers can be sent
// mesh-internally rather than falling back to the relay (spec §4.2).
func (c *Connection) IsDataChannelWritable() bool {
	c.mu.Lock()
	dc := c.dc
	c.mu.Unlock()
	return dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen
}
