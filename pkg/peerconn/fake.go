package peerconn

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Capabilities implementation used by pkg/mesh tests
// so routing/eviction/gossip/DHT logic can be exercised without a real ICE
// handshake (spec §9 "Polymorphism over capability sets" — "leaving room
// for an in-process test double").
type Fake struct {
	mu       sync.Mutex
	sent     [][]byte
	closed   bool
	peer     *Fake // linked peer, for SendMessage delivery in tests
	inbox    chan []byte
	offerErr error
}

// NewFake creates a standalone Fake with a buffered inbox.
func NewFake() *Fake {
	return &Fake{inbox: make(chan []byte, 256)}
}

// Link connects two fakes so SendMessage on one delivers to the other's inbox.
func Link(a, b *Fake) {
	a.mu.Lock()
	a.peer = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peer = a
	b.mu.Unlock()
}

func (f *Fake) SendMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("peerconn: fake connection closed")
	}
	f.sent = append(f.sent, data)
	if f.peer != nil {
		select {
		case f.peer.inbox <- data:
		default:
		}
	}
	return nil
}

func (f *Fake) SetLocalStream(stream Stream) error {
	return fmt.Errorf("peerconn: fake does not support media")
}

func (f *Fake) CreateOffer(ctx context.Context) (SessionDescription, error) {
	if f.offerErr != nil {
		return SessionDescription{}, f.offerErr
	}
	return SessionDescription{Type: "offer", SDP: "fake-sdp"}, nil
}

// AcceptOffer and AcceptAnswer satisfy the same optional handshake-completion
// shape as Connection, so callers that type-assert for it (the Connection
// Manager) work identically against a Fake in tests.
func (f *Fake) AcceptOffer(ctx context.Context, offer SessionDescription) (SessionDescription, error) {
	return SessionDescription{Type: "answer", SDP: "fake-sdp-answer"}, nil
}

func (f *Fake) AcceptAnswer(ctx context.Context, answer SessionDescription) error {
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *Fake) AddICECandidate(candidate Candidate) error {
	return nil
}

// Sent returns every message sent through this fake, in order.
func (f *Fake) Sent() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

// Inbox returns the channel of messages delivered from a linked peer.
func (f *Fake) Inbox() <-chan []byte { return f.inbox }

var _ Capabilities = (*Fake)(nil)
