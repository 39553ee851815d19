// Package tx defines the signed transaction as seen by the sync engine.
// Construction and signing happen in the wallet; here a transaction is an
// opaque, already-signed payload identified by its hash.
package tx

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-spv/pkg/crypto"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// MaxSize bounds the encoded transaction accepted for relay.
const MaxSize = 100 * 1024

// ErrEmpty is returned for a transaction without payload.
var ErrEmpty = errors.New("transaction payload is empty")

// Transaction is a signed, serialized transaction.
type Transaction struct {
	Raw []byte
}

// New wraps a signed payload.
func New(raw []byte) *Transaction {
	b := make([]byte, len(raw))
	copy(b, raw)
	return &Transaction{Raw: b}
}

// Hash returns the transaction identifier.
func (t *Transaction) Hash() types.Hash {
	return crypto.DoubleHash(t.Raw)
}

// Validate performs size checks only; script and signature checks are the
// full node's job.
func (t *Transaction) Validate() error {
	if len(t.Raw) == 0 {
		return ErrEmpty
	}
	if len(t.Raw) > MaxSize {
		return fmt.Errorf("transaction too large: %d bytes, max %d", len(t.Raw), MaxSize)
	}
	return nil
}

type txJSON struct {
	Hash types.Hash `json:"hash"`
	Raw  string     `json:"raw"`
}

// MarshalJSON encodes the payload as hex alongside its hash.
func (t *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{Hash: t.Hash(), Raw: hex.EncodeToString(t.Raw)})
}

// UnmarshalJSON decodes a hex payload and checks the advertised hash.
func (t *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	raw, err := hex.DecodeString(j.Raw)
	if err != nil {
		return fmt.Errorf("decode raw tx: %w", err)
	}
	t.Raw = raw
	if !j.Hash.IsZero() && j.Hash != t.Hash() {
		return fmt.Errorf("tx hash mismatch: got %s, want %s", t.Hash(), j.Hash)
	}
	return nil
}
