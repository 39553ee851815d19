// Package crypto provides the hashing primitives used for headers and transactions.
package crypto

import (
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// DoubleHash computes Hash(Hash(data)).
func DoubleHash(data []byte) types.Hash {
	first := Hash(data)
	return Hash(first[:])
}
