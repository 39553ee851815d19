// Package checkpoint reads checkpoint bundles and fast-forwards a fresh
// header store to the newest checkpoint before a cutoff time.
//
// Bundle format (text, one item per line):
//
//	KLINGNET-SPV CHECKPOINTS 1
//	<network id>
//	<count>
//	<hex encoded header>   (count lines, ascending height)
package checkpoint

import (
	"bufio"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-spv/config"
	"github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

const magic = "KLINGNET-SPV CHECKPOINTS 1"

// MaxCheckpoints bounds the count line of a bundle.
const MaxCheckpoints = 1 << 20

// Safety is subtracted from the cutoff so blocks mined around key
// creation are still downloaded.
const Safety = 7 * 24 * time.Hour

// ErrMalformed is returned for bundles that do not parse.
var ErrMalformed = errors.New("malformed checkpoint bundle")

// Store is the part of the header store a checkpoint is written into.
type Store interface {
	Put(h *block.Header) error
	SetHead(hash types.Hash) error
}

// Bundle is a parsed checkpoint bundle.
type Bundle struct {
	NetworkID string
	Headers   []*block.Header
}

// Parse reads a bundle from r.
func Parse(r io.Reader) (*Bundle, error) {
	sc := bufio.NewScanner(r)
	line := 0
	nextLine := func() (string, error) {
		for sc.Scan() {
			line++
			s := strings.TrimSpace(sc.Text())
			if s == "" || strings.HasPrefix(s, "#") {
				continue
			}
			return s, nil
		}
		if err := sc.Err(); err != nil {
			return "", fmt.Errorf("%w: line %d: %w", ErrMalformed, line+1, err)
		}
		return "", io.ErrUnexpectedEOF
	}

	s, err := nextLine()
	if err != nil {
		return nil, err
	}
	if s != magic {
		return nil, fmt.Errorf("%w: line %d: bad magic %q", ErrMalformed, line, s)
	}
	network, err := nextLine()
	if err != nil {
		return nil, err
	}
	s, err = nextLine()
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(s)
	if err != nil || count < 0 || count > MaxCheckpoints {
		return nil, fmt.Errorf("%w: line %d: bad count %q", ErrMalformed, line, s)
	}

	b := &Bundle{NetworkID: network, Headers: make([]*block.Header, 0, count)}
	for i := 0; i < count; i++ {
		s, err := nextLine()
		if err != nil {
			return nil, err
		}
		raw, err := hex.DecodeString(s)
		if err != nil || len(raw) != block.HeaderSize {
			return nil, fmt.Errorf("%w: line %d: bad header encoding", ErrMalformed, line)
		}
		var h block.Header
		if err := h.UnmarshalBinary(raw); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformed, line, err)
		}
		if n := len(b.Headers); n > 0 {
			prev := b.Headers[n-1]
			if h.Height <= prev.Height || h.Timestamp < prev.Timestamp {
				return nil, fmt.Errorf("%w: line %d: checkpoints out of order", ErrMalformed, line)
			}
		}
		b.Headers = append(b.Headers, &h)
	}
	return b, nil
}

// Write encodes a bundle for networkID to w.
func Write(w io.Writer, networkID string, headers []*block.Header) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, magic)
	fmt.Fprintln(bw, networkID)
	fmt.Fprintln(bw, len(headers))
	for _, h := range headers {
		data, _ := h.MarshalBinary()
		fmt.Fprintln(bw, hex.EncodeToString(data))
	}
	return bw.Flush()
}

// Select returns the newest checkpoint at or before cutoff minus Safety,
// or nil when none qualifies.
func (b *Bundle) Select(cutoff time.Time) *block.Header {
	limit := cutoff.Add(-Safety).Unix()
	var best *block.Header
	for _, h := range b.Headers {
		if int64(h.Timestamp) > limit {
			break
		}
		best = h
	}
	return best
}

// Load parses the bundle in r and fast-forwards store to the checkpoint
// selected for cutoff. It returns the checkpoint written, or nil when the
// bundle has none early enough.
func Load(params *config.Params, r io.Reader, store Store, cutoff time.Time) (*block.Header, error) {
	b, err := Parse(r)
	if err != nil {
		return nil, err
	}
	if b.NetworkID != params.NetworkID {
		return nil, fmt.Errorf("%w: bundle is for %q, want %q", ErrMalformed, b.NetworkID, params.NetworkID)
	}
	cp := b.Select(cutoff)
	if cp == nil {
		log.Checkpoint.Info().Time("cutoff", cutoff).Msg("No checkpoint before cutoff")
		return nil, nil
	}
	if err := store.Put(cp); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	if err := store.SetHead(cp.Hash()); err != nil {
		return nil, fmt.Errorf("write checkpoint: %w", err)
	}
	log.Checkpoint.Info().
		Uint64("height", cp.Height).
		Str("hash", cp.Hash().Short()).
		Time("checkpoint_time", cp.Time()).
		Msg("Header store fast-forwarded to checkpoint")
	return cp, nil
}

// LoadFile is Load over the bundle file at path.
func LoadFile(params *config.Params, path string, store Store, cutoff time.Time) (*block.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Load(params, f, store, cutoff)
}
