package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          peer.ID
	Addr        discovery.Candidate // remote endpoint
	Height      uint64              // best height last reported, 0 if unknown
	UserAgent   string
	ConnectedAt time.Time
}

// ConnectedListener is told about new connections. count is the number
// of connected peers including p.
type ConnectedListener interface {
	OnPeerConnected(p PeerInfo, count int)
}

// DisconnectedListener is told about closed connections. count is the
// number of peers still connected.
type DisconnectedListener interface {
	OnPeerDisconnected(p PeerInfo, count int)
}

// ProgressListener follows header download.
type ProgressListener interface {
	OnProgress(height, target uint64)
	OnDone(height uint64)
}

// Wallet is attached to a group to see relayed transactions.
type Wallet interface {
	ReceiveRelayed(t *tx.Transaction, from peer.ID)
}
