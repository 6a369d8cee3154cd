// Package peerid implements the 160-bit peer identifier used throughout
// the mesh: generation, hex encoding/parsing, and XOR-distance ordering.
package peerid

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
)

// Size is the length of a peer identifier in bytes (160 bits).
const Size = 20

// ID is a 160-bit peer identifier, canonically rendered as 40 lowercase
// hex characters. The zero value is not a valid ID.
type ID [Size]byte

var hexPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// Generate creates a new random peer identifier using a CSPRNG. Peer
// identifiers are never persisted across runs (spec §3).
func Generate() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, fmt.Errorf("peerid: generate: %w", err)
	}
	return id, nil
}

// Parse validates and decodes a 40-character lowercase hex string into an ID.
func Parse(s string) (ID, error) {
	if !hexPattern.MatchString(s) {
		return ID{}, fmt.Errorf("peerid: invalid peer id %q: must be 40 lowercase hex characters", s)
	}
	var id ID
	for i := 0; i < Size; i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return ID{}, fmt.Errorf("peerid: invalid peer id %q: %w", s, err)
		}
		id[i] = b
	}
	return id, nil
}

// String renders the ID as 40 lowercase hex characters.
func (id ID) String() string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, Size*2)
	for i, b := range id {
		out[i*2] = hexDigits[b>>4]
		out[i*2+1] = hexDigits[b&0x0f]
	}
	return string(out)
}

// Short renders a truncated form suitable for log lines, e.g. "a1b2c3d4e5f6a7b8...".
func (id ID) Short() string {
	s := id.String()
	return s[:16] + "..."
}

// IsZero reports whether id is the zero value (never a valid generated ID,
// used as a sentinel for "no ID").
func (id ID) IsZero() bool {
	return id == ID{}
}

// Distance returns the XOR distance d(a, b): the big-endian interpretation
// of a XOR b as a 160-bit unsigned integer (spec §3 "XOR Distance", taken
// literally — no hashing of either operand).
func Distance(a, b ID) *big.Int {
	ai := new(big.Int).SetBytes(a[:])
	bi := new(big.Int).SetBytes(b[:])
	return ai.Xor(ai, bi)
}

// Less breaks XOR-distance ties by lexicographic order of the hex form,
// as spec §3 specifies ("ties are broken by lexicographic order").
func Less(a, b ID) bool {
	for i := 0; i < Size; i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// CloserTo reports whether candidate is strictly closer to target than
// other is, breaking exact-distance ties lexicographically.
func CloserTo(target, candidate, other ID) bool {
	dc := Distance(target, candidate)
	do := Distance(target, other)
	cmp := dc.Cmp(do)
	if cmp != 0 {
		return cmp < 0
	}
	return Less(candidate, other)
}

// SortByDistance sorts ids ascending by XOR distance to target (closest first).
func SortByDistance(target ID, ids []ID) {
	sortIDs(target, ids)
}
