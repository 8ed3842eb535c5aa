package cryptoseal

import (
	"encoding/hex"

	"lukechampine.com/blake3"
)

// HashHex returns the lowercase hex BLAKE3-256 digest of data.
func HashHex(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StreamHasher computes an incremental BLAKE3 digest over a byte stream.
// Used for whole-file verification where chunks arrive in index order.
type StreamHasher struct {
	h *blake3.Hasher
}

func NewStreamHasher() *StreamHasher {
	return &StreamHasher{h: blake3.New(32, nil)}
}

func (s *StreamHasher) Update(data []byte) {
	_, _ = s.h.Write(data)
}

// SumHex finalizes and returns the lowercase hex digest. The hasher remains
// usable; blake3 sums do not consume state.
func (s *StreamHasher) SumHex() string {
	return hex.EncodeToString(s.h.Sum(nil))
}

func (s *StreamHasher) Reset() {
	s.h.Reset()
}
