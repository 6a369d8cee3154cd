package mesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

func TestRingDistanceSymmetric(t *testing.T) {
	a, err := peerid.Generate()
	require.NoError(t, err)
	b, err := peerid.Generate()
	require.NoError(t, err)
	assert.Equal(t, ringDistance(ringPosition(a), ringPosition(b)), ringDistance(ringPosition(b), ringPosition(a)))
}

func TestRingDistanceSelfIsZero(t *testing.T) {
	a, err := peerid.Generate()
	require.NoError(t, err)
	assert.Equal(t, 0, ringDistance(ringPosition(a), ringPosition(a)).Sign())
}

func TestClosestOnRingOrdering(t *testing.T) {
	target, err := peerid.Generate()
	require.NoError(t, err)
	var candidates []peerid.ID
	for i := 0; i < 8; i++ {
		id, err := peerid.Generate()
		require.NoError(t, err)
		candidates = append(candidates, id)
	}

	closest := closestOnRing(target, candidates, 3)
	require.Len(t, closest, 3)

	targetPos := ringPosition(target)
	for i := 1; i < len(closest); i++ {
		d0 := ringDistance(targetPos, ringPosition(closest[i-1]))
		d1 := ringDistance(targetPos, ringPosition(closest[i]))
		assert.True(t, d0.Cmp(d1) <= 0)
	}
}

func TestClosestToKeyDeterministic(t *testing.T) {
	var candidates []peerid.ID
	for i := 0; i < 5; i++ {
		id, err := peerid.Generate()
		require.NoError(t, err)
		candidates = append(candidates, id)
	}
	a := closestToKey("some/namespaced/key", candidates, 2)
	b := closestToKey("some/namespaced/key", candidates, 2)
	assert.Equal(t, a, b)
}
