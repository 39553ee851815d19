package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// BanDuration is how long a misbehaving peer stays banned.
const BanDuration = time.Hour

// BanList holds temporary bans. Share one across groups so that a
// restarted peer network does not redial a peer that served bad headers.
type BanList struct {
	mu   sync.Mutex
	bans map[peer.ID]time.Time // expiry
	now  func() time.Time
}

// NewBanList returns an empty ban list.
func NewBanList() *BanList {
	return &BanList{bans: make(map[peer.ID]time.Time), now: time.Now}
}

// Ban bans id for d.
func (b *BanList) Ban(id peer.ID, d time.Duration) {
	b.mu.Lock()
	b.bans[id] = b.now().Add(d)
	b.mu.Unlock()
}

// Banned reports whether id is currently banned.
func (b *BanList) Banned(id peer.ID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	exp, ok := b.bans[id]
	if !ok {
		return false
	}
	if b.now().After(exp) {
		delete(b.bans, id)
		return false
	}
	return true
}

// banGater rejects connections to banned peers at the transport level.
type banGater struct {
	bans *BanList
}

// InterceptPeerDial rejects outbound dials to banned peers.
func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.bans.Banned(p)
}

// InterceptAddrDial allows all address dials (filtering is done per-peer).
func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows all inbound connections at the transport layer.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

// InterceptSecured rejects banned peers once their identity is known.
func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.bans.Banned(p)
}

// InterceptUpgraded allows all fully upgraded connections.
func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
