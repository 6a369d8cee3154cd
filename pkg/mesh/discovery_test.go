package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

func TestDiscoveryObserveFiresOnlyOnce(t *testing.T) {
	self := genID(t)
	peer := genID(t)

	var discovered []string
	d := NewDiscovery(self, nil, newTestLogger(), func(p peerid.ID) { discovered = append(discovered, p.String()) })

	assert.True(t, d.Observe(peer), "first sighting should report new")
	assert.False(t, d.Observe(peer), "second sighting of the same peer should not")
	assert.Len(t, discovered, 1)
}

func TestDiscoveryForgetRemovesPeerUntilFreshObserve(t *testing.T) {
	self := genID(t)
	peer := genID(t)
	d := NewDiscovery(self, nil, newTestLogger(), nil)

	d.Observe(peer)
	assert.Contains(t, d.Known(), peer)

	d.Forget(peer)
	assert.NotContains(t, d.Known(), peer, "an exhausted peer must be excluded from the candidate pool")

	// A fresh announce should re-admit it, per spec: "further attempts are
	// refused until a fresh announce arrives".
	assert.True(t, d.Observe(peer), "re-observing a forgotten peer must look like a fresh discovery")
	assert.Contains(t, d.Known(), peer)
}
