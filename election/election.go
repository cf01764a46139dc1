// Package election implements the common coin used to elect wave leaders.
// Every scribe evaluating the coin over the same candidates and seed gets the
// same answer without exchanging any message.
package election

import (
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

// PickOne deterministically selects one candidate for the seed. Candidates
// are sorted before selection, so the order they are passed in is irrelevant.
// It returns "" when there is no candidate.
func PickOne(candidates []string, seed []byte) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidates...)
	sort.Strings(sorted)
	sum := sha256.Sum256(seed)
	coin := binary.BigEndian.Uint64(sum[:8])
	return sorted[coin%uint64(len(sorted))]
}

// WaveSeed derives the coin seed of a wave from the wave number and the
// shared randomness agreed at genesis.
func WaveSeed(wave int64, shared []byte) []byte {
	seed := make([]byte, 8, 8+len(shared))
	binary.BigEndian.PutUint64(seed, uint64(wave))
	return append(seed, shared...)
}
