package spv

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/Klingon-tech/klingnet-spv/internal/checkpoint"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// minTrustedHeight is the head height below which an existing store is
// discarded and the wallet replays from scratch.
const minTrustedHeight = 2

// Init opens the header store and builds the chain over it.
//
// existing, when non-nil, is used instead of opening location. A store
// whose head is below height 2, or a location that does not exist, takes
// the reset path: the wallet forgets its sync state and walletReset is
// true. A store whose head cannot be read is deleted and ErrStoreCorrupt
// is returned. A new store is fast-forwarded from the checkpoint bundle
// when the wallet knows its key birthday and the network is public.
func (m *Manager) Init(existing Store, location string) (walletReset bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	logger := klog.Store.With().Str("location", location).Logger()
	if m.store != nil && m.store != existing {
		logger.Warn().Msg("Closing header store of previous Init")
		if err := m.store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Previous header store close failed")
		}
		m.store = nil
	}
	exists := m.cfg.Opener.Exists(location)

	if existing != nil {
		head, err := existing.Head()
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Supplied store has no readable head")
			exists = false
		case head.Height < minTrustedHeight:
			logger.Info().Uint64("height", head.Height).Msg("Resetting header store below trusted height")
			exists = false
		}
	}

	if !exists {
		logger.Info().Msg("Header store does not exist, resetting wallet")
		m.wallet.Reset()
	}

	store := existing
	if store == nil {
		store, err = m.cfg.Opener.Open(location, m.cfg.Params.Genesis())
		if err != nil {
			m.discardStore(location, nil, "corrupt")
			return false, fmt.Errorf("%w: open %s: %v", ErrStoreCorrupt, location, err)
		}
	}
	// Surface corruption as early as possible.
	if _, err := store.Head(); err != nil {
		m.discardStore(location, store, "corrupt")
		return false, fmt.Errorf("%w: read head: %v", ErrStoreCorrupt, err)
	}

	birthday := m.wallet.EarliestKeyCreationTime()
	if !exists && birthday > 0 && !m.cfg.Params.Private {
		if err := m.loadCheckpoint(store, time.Unix(birthday, 0)); err != nil {
			if existing == nil {
				m.discardStore(location, store, "checkpoint load failed")
			} else {
				store.Close()
			}
			return false, err
		}
	}

	hc, err := m.cfg.Chains(m.ctx, store)
	if err != nil {
		store.Close()
		return false, fmt.Errorf("build header chain: %w", err)
	}
	m.wallet.Follow(hc)
	m.store = store
	m.location = location
	m.metrics.ChainHeight.Set(float64(hc.BestHeight()))
	hc.OnGrowth(m.observeGrowth)

	logger.Info().Uint64("height", hc.BestHeight()).Bool("wallet_reset", !exists).Msg("Header chain ready")
	return !exists, nil
}

// loadCheckpoint tolerates bundle I/O and parse failures. Anything else
// is returned.
func (m *Manager) loadCheckpoint(store Store, cutoff time.Time) error {
	start := time.Now()
	path := m.cfg.CheckpointPath
	cp, err := m.cfg.Checkpoints(m.cfg.Params, path, store, cutoff)
	if err != nil {
		if recoverableCheckpointErr(err) {
			klog.Checkpoint.Error().Err(err).Str("path", path).Msg("Problem reading checkpoints, continuing without")
			return nil
		}
		return fmt.Errorf("load checkpoints: %w", err)
	}
	if cp != nil {
		klog.Checkpoint.Info().
			Str("path", path).
			Uint64("height", cp.Height).
			Dur("took", time.Since(start)).
			Msg("Checkpoints loaded")
	}
	return nil
}

func recoverableCheckpointErr(err error) bool {
	var pathErr *fs.PathError
	return errors.Is(err, checkpoint.ErrMalformed) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, &pathErr)
}

// discardStore closes store and deletes location, so the next Init
// starts over with a new store.
func (m *Manager) discardStore(location string, store Store, reason string) {
	if store != nil {
		store.Close()
	}
	if location == "" {
		return
	}
	logger := klog.Store.With().Str("location", location).Str("reason", reason).Logger()
	if err := os.RemoveAll(location); err != nil {
		logger.Error().Err(err).Msg("Failed to delete header store")
		return
	}
	logger.Error().Msg("Header store deleted")
}
