// Package wire defines the on-the-wire record shapes for the signaling
// relay protocol and the mesh-internal data-channel protocol (spec §6).
package wire

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// SignalingType enumerates the signaling relay frame types (spec §6 table).
type SignalingType string

const (
	TypeAnnounce    SignalingType = "announce"
	TypeOffer       SignalingType = "offer"
	TypeAnswer      SignalingType = "answer"
	TypeICECandiate SignalingType = "ice-candidate"
	TypeGoodbye     SignalingType = "goodbye"
	TypeCleanup     SignalingType = "cleanup"
	TypeCleanupAll  SignalingType = "cleanup-all"
	TypePing        SignalingType = "ping"
	TypePong        SignalingType = "pong"
	TypeConnected   SignalingType = "connected"
)

// SignalingFrame is the envelope every signaling relay message shares
// (spec §6): "{type, data, fromPeerId, targetPeerId?, timestamp,
// messageId?}".
type SignalingFrame struct {
	Type         SignalingType   `json:"type"`
	Data         json.RawMessage `json:"data,omitempty"`
	FromPeerID   string          `json:"fromPeerId"`
	TargetPeerID string          `json:"targetPeerId,omitempty"`
	Timestamp    int64           `json:"timestamp"`
	MessageID    string          `json:"messageId,omitempty"`
}

var peerIDPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Validate checks that a frame is well-formed enough to route. Unknown
// types are not rejected here (spec §6 "Unknown types are ignored") —
// that's a routing decision, not a validation failure.
func (f *SignalingFrame) Validate() error {
	if f.Type == "" {
		return fmt.Errorf("wire: signaling frame missing type")
	}
	if f.FromPeerID == "" || !peerIDPattern.MatchString(f.FromPeerID) {
		return fmt.Errorf("wire: signaling frame has invalid fromPeerId %q", f.FromPeerID)
	}
	if f.TargetPeerID != "" && !peerIDPattern.MatchString(f.TargetPeerID) {
		return fmt.Errorf("wire: signaling frame has invalid targetPeerId %q", f.TargetPeerID)
	}
	return nil
}

// AnnounceData is the payload of a "announce" frame.
type AnnounceData struct {
	PeerID string `json:"peerId"`
}

// SDPData is the payload of "offer"/"answer" frames.
type SDPData struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidateData is the payload of an "ice-candidate" frame.
type ICECandidateData struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex *int   `json:"sdpMLineIndex,omitempty"`
}

// CleanupData is the payload of a "cleanup" frame.
type CleanupData struct {
	PeerID       string `json:"peerId"`
	TargetPeerID string `json:"targetPeerId"`
}

// PingData is the payload of a "ping" frame.
type PingData struct {
	PeerID string `json:"peerId"`
}
