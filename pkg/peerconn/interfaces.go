package peerconn

import "context"

// Capabilities is the capability set spec §9 asks for ("Polymorphism over
// capability sets"): one trait implemented by the real WebRTC-backed
// connection and by an in-memory test double, so pkg/mesh can be tested
// without a real ICE handshake.
type Capabilities interface {
	SendMessage(data []byte) error
	SetLocalStream(stream Stream) error
	CreateOffer(ctx context.Context) (SessionDescription, error)
	Close() error
	AddICECandidate(candidate Candidate) error
}

// SessionDescription mirrors the WebRTC SDP envelope of spec §6 ("offer"/
// "answer" payload {type, sdp}) without binding callers to pion's type.
type SessionDescription struct {
	Type string
	SDP  string
}

// Candidate mirrors a trickled ICE candidate (spec §6 "ice-candidate").
type Candidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex *uint16
}

// Stream is a placeholder for an optional local media stream (spec §4.2
// "optional media tracks"). Selective media streaming itself is out of
// scope (spec §1); this exists only so Capabilities.SetLocalStream has a
// concrete, non-`any` signature for the one remaining in-scope use,
// renegotiation (spec §4.2).
type Stream interface {
	ID() string
}

// EventKind tags the events a Connection emits (spec §4.2 "Outputs").
type EventKind int

const (
	EventICECandidate EventKind = iota
	EventConnected
	EventDataChannelOpen
	EventMessage
	EventRemoteStream
	EventRenegotiationNeeded
	EventDisconnected
)

// Event is a single emitted Connection event.
type Event struct {
	Kind      EventKind
	Candidate Candidate
	Message   []byte
	Stream    Stream
	Reason    string
}
