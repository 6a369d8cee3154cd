package mesh

import (
	"hash/fnv"
	"math/big"

	"github.com/minio/sha256-simd"

	"github.com/peerpigeon/peerpigeon/pkg/peerid"
)

// ringSize is 2^32, the modulus of the hash ring (spec §4.6 "Hash Ring
// Position": "32-bit unsigned integer derived by SHA-256 over nsKey").
var ringSize = new(big.Int).Lsh(big.NewInt(1), 32)

// ringPosition maps a peer ID onto the hash ring using a deterministic
// non-cryptographic hash (spec §4.6: "Peer positions = a deterministic
// non-cryptographic hash of the hex peer ID into u32"), distinguishing it
// from keyRingPosition's cryptographic hash of DHT keys.
func ringPosition(id peerid.ID) *big.Int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id.String()))
	return new(big.Int).SetUint64(uint64(h.Sum32()))
}

// keyRingPosition maps an arbitrary nsKey onto the ring via the first four
// bytes of SHA-256 interpreted as a u32 (spec §4.6 "Hashing"), using the
// teacher's preference for the accelerated minio/sha256-simd drop-in over
// crypto/sha256.
func keyRingPosition(key string) *big.Int {
	sum := sha256.Sum256([]byte(key))
	v := uint32(sum[0])<<24 | uint32(sum[1])<<16 | uint32(sum[2])<<8 | uint32(sum[3])
	return new(big.Int).SetUint64(uint64(v))
}

// ringDistance returns the shorter of the clockwise and counter-clockwise
// arc lengths between two ring positions (spec §4.6 "Ring Distance").
func ringDistance(a, b *big.Int) *big.Int {
	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)
	complement := new(big.Int).Sub(ringSize, diff)
	if complement.Cmp(diff) < 0 {
		return complement
	}
	return diff
}

// closestOnRing returns the n candidates whose ring position is nearest
// to target's, ascending by ring distance.
func closestOnRing(target peerid.ID, candidates []peerid.ID, n int) []peerid.ID {
	return closestToPosition(ringPosition(target), candidates, n)
}

// closestToKey returns the n candidates nearest a DHT key's ring
// position, used to pick replica targets (spec §4.6 combined with §4.4).
func closestToKey(key string, candidates []peerid.ID, n int) []peerid.ID {
	return closestToPosition(keyRingPosition(key), candidates, n)
}

func closestToPosition(targetPos *big.Int, candidates []peerid.ID, n int) []peerid.ID {
	if n <= 0 || len(candidates) == 0 {
		return nil
	}
	type scored struct {
		id   peerid.ID
		dist *big.Int
	}
	scoredList := make([]scored, len(candidates))
	for i, c := range candidates {
		scoredList[i] = scored{id: c, dist: ringDistance(targetPos, ringPosition(c))}
	}
	for i := 1; i < len(scoredList); i++ {
		for j := i; j > 0 && scoredList[j].dist.Cmp(scoredList[j-1].dist) < 0; j-- {
			scoredList[j], scoredList[j-1] = scoredList[j-1], scoredList[j]
		}
	}
	if n > len(scoredList) {
		n = len(scoredList)
	}
	out := make([]peerid.ID, n)
	for i := 0; i < n; i++ {
		out[i] = scoredList[i].id
	}
	return out
}
