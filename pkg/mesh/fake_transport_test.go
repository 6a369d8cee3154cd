package mesh

import (
	"sync"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
	"github.com/peerpigeon/peerpigeon/pkg/wire"
)

// fakeTransport is an in-memory peerTransport for gossip/dht unit tests.
type fakeTransport struct {
	mu    sync.Mutex
	peers []peerid.ID
	sent  map[peerid.ID][]wire.MeshFrame
	fail  map[peerid.ID]bool
}

func newFakeTransport(peers ...peerid.ID) *fakeTransport {
	return &fakeTransport{peers: peers, sent: make(map[peerid.ID][]wire.MeshFrame), fail: make(map[peerid.ID]bool)}
}

func (t *fakeTransport) Peers() []peerid.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]peerid.ID, len(t.peers))
	copy(out, t.peers)
	return out
}

func (t *fakeTransport) SendFrame(peer peerid.ID, frame wire.MeshFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail[peer] {
		return errSendFailed
	}
	t.sent[peer] = append(t.sent[peer], frame)
	return nil
}

func (t *fakeTransport) sentTo(peer peerid.ID) []wire.MeshFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.MeshFrame, len(t.sent[peer]))
	copy(out, t.sent[peer])
	return out
}

var errSendFailed = sendFailedError{}

type sendFailedError struct{}

func (sendFailedError) Error() string { return "fakeTransport: send failed" }

var _ peerTransport = (*fakeTransport)(nil)
