package p2p

import (
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-spv/internal/discovery"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
)

// connNotifier tracks connection lifecycle events via the network.Notifiee
// interface and fans them out to the group's listeners.
type connNotifier struct {
	group *Group
}

// Connected is called when a new connection is opened.
func (cn *connNotifier) Connected(_ network.Network, conn network.Conn) {
	g := cn.group
	remote := conn.RemotePeer()
	if remote == g.host.ID() {
		return
	}
	if g.bans.Banned(remote) {
		_ = conn.Close()
		return
	}

	addr, err := discovery.FromMultiaddr(conn.RemoteMultiaddr(), remote)
	if err != nil {
		addr = discovery.Candidate{ID: remote}
	}

	g.peersMu.Lock()
	if _, exists := g.peers[remote]; exists {
		g.peersMu.Unlock()
		return
	}
	info := &PeerInfo{ID: remote, Addr: addr, ConnectedAt: time.Now()}
	g.peers[remote] = info
	count := len(g.peers)
	snapshot := *info
	g.peersMu.Unlock()

	g.metrics.Peers.Set(float64(count))
	klog.P2P.Info().Str("peer", remote.String()).Str("addr", addr.String()).Int("peers", count).Msg("Peer connected")

	g.mu.RLock()
	listeners := append([]ConnectedListener(nil), g.connListeners...)
	g.mu.RUnlock()
	go func() {
		for _, l := range listeners {
			l.OnPeerConnected(snapshot, count)
		}
	}()
	go g.refreshHeight(remote)
}

// Disconnected is called when a connection is closed. Only removes the peer
// if there are no remaining connections to it.
func (cn *connNotifier) Disconnected(net network.Network, conn network.Conn) {
	g := cn.group
	remote := conn.RemotePeer()
	if len(net.ConnsToPeer(remote)) > 0 {
		return
	}

	g.peersMu.Lock()
	info, ok := g.peers[remote]
	if !ok {
		g.peersMu.Unlock()
		return
	}
	delete(g.peers, remote)
	count := len(g.peers)
	snapshot := *info
	g.peersMu.Unlock()

	g.metrics.Peers.Set(float64(count))
	klog.P2P.Info().Str("peer", remote.String()).Int("peers", count).Msg("Peer disconnected")

	g.mu.RLock()
	listeners := append([]DisconnectedListener(nil), g.discListeners...)
	g.mu.RUnlock()
	go func() {
		for _, l := range listeners {
			l.OnPeerDisconnected(snapshot, count)
		}
	}()
	g.kick(g.kickConnect)
}

// Listen is called when the node starts listening on a new address.
func (cn *connNotifier) Listen(network.Network, multiaddr.Multiaddr) {}

// ListenClose is called when the node stops listening on an address.
func (cn *connNotifier) ListenClose(network.Network, multiaddr.Multiaddr) {}
