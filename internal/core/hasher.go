package core

import (
	"crypto/sha256"
	"encoding/binary"
)

const genesisSeed = "GridClear:genesis:v1"

// StateHasher maintains the envelope hash chain:
// hash[N] = SHA-256(hash[N-1] || sequence_le64 || state_digest).
type StateHasher struct {
	tip [32]byte
}

func NewStateHasher() *StateHasher {
	return &StateHasher{tip: sha256.Sum256([]byte(genesisSeed))}
}

// Extend links a new envelope onto the chain and advances the tip.
func (h *StateHasher) Extend(sequence int64, stateDigest []byte) [32]byte {
	var seq [8]byte
	binary.LittleEndian.PutUint64(seq[:], uint64(sequence))

	d := sha256.New()
	d.Write(h.tip[:])
	d.Write(seq[:])
	d.Write(stateDigest)
	copy(h.tip[:], d.Sum(nil))
	return h.tip
}

// Tip returns the current chain head.
func (h *StateHasher) Tip() [32]byte {
	return h.tip
}

// Reset reinstalls a chain head during snapshot restore.
func (h *StateHasher) Reset(tip [32]byte) {
	h.tip = tip
}
