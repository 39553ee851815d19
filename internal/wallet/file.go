package wallet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/creachadair/atomicfile"

	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

const fileVersion = 1

// stateFile is the on-disk JSON format of the wallet sync bookkeeping.
type stateFile struct {
	Version        int        `json:"version"`
	CreatedAt      time.Time  `json:"created_at"`
	Birthday       int64      `json:"birthday"`         // earliest key creation, unix seconds
	LastSeenHeight int64      `json:"last_seen_height"` // -1 = unknown
	LastSeenHash   types.Hash `json:"last_seen_hash"`
	Transactions   []txRecord `json:"transactions"`
}

// txRecord is a transaction the wallet knows about.
type txRecord struct {
	Tx        *tx.Transaction `json:"tx"`
	FirstSeen time.Time       `json:"first_seen"`
	SeenBy    int             `json:"seen_by"` // peers that relayed it
}

func writeFile(path string, sf *stateFile) error {
	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	if _, err := atomicfile.WriteAll(path, bytes.NewReader(data), 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}

// readFile returns nil, nil when the file does not exist.
func readFile(path string) (*stateFile, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var sf stateFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if sf.Version != fileVersion {
		return nil, fmt.Errorf("unsupported wallet version: %d", sf.Version)
	}
	return &sf, nil
}
