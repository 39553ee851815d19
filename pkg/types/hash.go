// Package types defines core primitive types shared by the SPV client.
package types

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// HashSize is the length of a hash in bytes.
const HashSize = 32

// Hash represents a 256-bit hash value.
type Hash [HashSize]byte

// IsZero returns true if the hash is all zeros.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// String returns the hex-encoded hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 16 hex characters, for log lines.
func (h Hash) Short() string {
	return h.String()[:16]
}

// Bytes returns a copy of the hash as a byte slice.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, h[:])
	return b
}

// MarshalJSON encodes the hash as a hex string.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON decodes a hex string into a hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = Hash{}
		return nil
	}
	decoded, err := HexToHash(s)
	if err != nil {
		return err
	}
	*h = decoded
	return nil
}

// HexToHash converts a hex string to a Hash.
// Returns an error if the string is not exactly 64 hex characters.
func HexToHash(s string) (Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("invalid hex: %w", err)
	}
	return BytesToHash(b)
}

// BytesToHash copies b into a Hash. b must be exactly HashSize bytes.
func BytesToHash(b []byte) (Hash, error) {
	if len(b) != HashSize {
		return Hash{}, fmt.Errorf("hash must be %d bytes, got %d", HashSize, len(b))
	}
	var h Hash
	copy(h[:], b)
	return h, nil
}
