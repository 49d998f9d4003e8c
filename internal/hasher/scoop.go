package hasher

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

const (
	// ScoopCount is the number of scoops in one nonce.
	ScoopCount = 4096
	// ScoopSize is the size of one scoop record in bytes.
	ScoopSize = 64
	// NonceSize is the on-disk size of one nonce.
	NonceSize = ScoopCount * ScoopSize
)

// ErrInvalidFormat is returned when a generation signature is not 64 hex characters.
var ErrInvalidFormat = errors.New("invalid generation signature format")

// DecodeGensig decodes a hex encoded 32 byte generation signature.
func DecodeGensig(s string) ([32]byte, error) {
	var gensig [32]byte
	if len(s) != 2*len(gensig) {
		return gensig, fmt.Errorf("%w: want 64 hex characters, got %d", ErrInvalidFormat, len(s))
	}
	if _, err := hex.Decode(gensig[:], []byte(s)); err != nil {
		return gensig, fmt.Errorf("%w: %v", ErrInvalidFormat, err)
	}
	return gensig, nil
}

// CalculateScoop derives the scoop index for a block from its height and
// generation signature. The result is always in [0, ScoopCount).
func CalculateScoop(height uint64, gensig *[32]byte) uint32 {
	var data [40]byte
	copy(data[:32], gensig[:])
	binary.BigEndian.PutUint64(data[32:], height)

	digest := Sum256(data[:])
	return uint32(digest[30]&0x0F)<<8 | uint32(digest[31])
}
