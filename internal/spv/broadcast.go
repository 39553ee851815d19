package spv

import (
	"github.com/Klingon-tech/klingnet-spv/config"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/internal/p2p"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
	"github.com/Klingon-tech/klingnet-spv/pkg/types"
)

// MinBroadcastAcks returns how many peers must accept a transaction. Test
// and private networks, and nodes pinned to a trusted host, need one; a
// public network needs two.
func MinBroadcastAcks(params *config.Params, trustedHost string) int {
	if params.Network == config.Testnet || params.Network == config.Regtest || params.Private || trustedHost != "" {
		return 1
	}
	return 2
}

// Broadcast relays t through the running peer manager. It returns nil
// when the peer network is stopped or t is nil; retry once sync resumes.
func (m *Manager) Broadcast(t *tx.Transaction) *p2p.Broadcast {
	pm := m.PeerManager()
	if pm == nil || t == nil {
		var hash string
		if t != nil {
			hash = t.Hash().Short()
		}
		klog.Sync.Info().Str("tx", hash).Msg("Peer network or transaction not available, not broadcasting")
		m.metrics.Broadcasts.With("result", "unavailable").Add(1)
		return nil
	}
	minAcks := MinBroadcastAcks(m.cfg.Params, m.cfg.TrustedHost)
	klog.Sync.Info().Str("tx", t.Hash().Short()).Int("min_acks", minAcks).Msg("Broadcasting transaction")
	m.metrics.Broadcasts.With("result", "started").Add(1)
	return pm.Broadcast(t, minAcks)
}

// BroadcastHash broadcasts a transaction the wallet knows by hash.
func (m *Manager) BroadcastHash(hash types.Hash) *p2p.Broadcast {
	t, ok := m.wallet.Lookup(hash)
	if !ok {
		klog.Sync.Warn().Str("tx", hash.Short()).Msg("Transaction not in wallet")
		t = nil
	}
	return m.Broadcast(t)
}
