// Package block defines the block header, the only block data an SPV client keeps.
package block

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-spv/pkg/crypto"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// HeaderSize is the length of the canonical header encoding.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | height(8) | difficulty(8) | nonce(8)
const HeaderSize = 4 + types.HashSize + types.HashSize + 8 + 8 + 8 + 8

// Header versions.
const (
	CurrentVersion = 1
	MaxVersion     = 1
)

// Header validation errors.
var (
	ErrBadVersion    = errors.New("unsupported header version")
	ErrZeroTimestamp = errors.New("header timestamp is zero")
	ErrShortHeader   = errors.New("header encoding too short")
)

// Header contains block metadata.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Height     uint64     `json:"height"`
	Difficulty uint64     `json:"difficulty,omitempty"`
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// Time returns the header timestamp.
func (h *Header) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0)
}

// SigningBytes returns the canonical bytes for hashing.
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint64(buf, h.Height)
	buf = binary.LittleEndian.AppendUint64(buf, h.Difficulty)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// MarshalBinary returns the canonical encoding.
func (h *Header) MarshalBinary() ([]byte, error) {
	return h.SigningBytes(), nil
}

// UnmarshalBinary decodes the canonical encoding.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes, want %d", ErrShortHeader, len(data), HeaderSize)
	}
	h.Version = binary.LittleEndian.Uint32(data[0:4])
	copy(h.PrevHash[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(data[68:76])
	h.Height = binary.LittleEndian.Uint64(data[76:84])
	h.Difficulty = binary.LittleEndian.Uint64(data[84:92])
	h.Nonce = binary.LittleEndian.Uint64(data[92:100])
	return nil
}

// Validate checks header fields that do not depend on chain context.
func (h *Header) Validate() error {
	if h.Version < 1 || h.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, h.Version, MaxVersion)
	}
	if h.Timestamp == 0 && h.Height != 0 {
		return ErrZeroTimestamp
	}
	return nil
}
