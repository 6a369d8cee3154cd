package signaling

import "github.com/peerpigeon/peerpigeon/pkg/peerid"

// isPingElected reports whether self is the elected pinger among self and
// the currently connected peers (spec §4.1 "Keepalive election": the peer
// with the lowest ID in {self} ∪ connected sends the relay ping, so the
// relay sees exactly one keepalive per mesh component rather than one per
// peer).
func isPingElected(self peerid.ID, connected []peerid.ID) bool {
	for _, p := range connected {
		if peerid.Less(p, self) {
			return false
		}
	}
	return true
}
