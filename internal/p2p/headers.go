package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/Klingon-tech/klingnet-spv/internal/chain"
	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
)

const (
	// headersReadTimeout is the max time to read a headers response.
	headersReadTimeout = 30 * time.Second

	// heightReadTimeout is the max time to read a height response.
	heightReadTimeout = 5 * time.Second
)

func (g *Group) syncLoop() {
	defer g.wg.Done()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			g.refreshHeights()
		case <-g.kickSync:
		}
		g.syncOnce()
	}
}

// syncOnce downloads headers from the best peer until the chain reaches
// that peer's height.
func (g *Group) syncOnce() {
	g.mu.RLock()
	progress := g.progress
	g.mu.RUnlock()
	if progress == nil {
		return
	}

	hc := g.cfg.Chain
	for g.ctx.Err() == nil {
		best, ok := g.bestPeer()
		local := hc.BestHeight()
		if !ok || best.Height <= local {
			if ok {
				g.reportDone(progress, local)
			}
			return
		}

		ctx, cancel := context.WithTimeout(g.ctx, headersReadTimeout)
		headers, err := g.requestHeaders(ctx, best.ID, local+1, MaxHeadersPerRequest)
		cancel()
		if err != nil {
			klog.Sync.Debug().Err(err).Str("peer", best.ID.String()).Msg("Header request failed")
			return
		}
		if len(headers) == 0 {
			// The peer overstated its height.
			g.peersMu.Lock()
			if p, ok := g.peers[best.ID]; ok {
				p.Height = local
			}
			g.peersMu.Unlock()
			continue
		}

		for _, h := range headers {
			if err := hc.Add(h); err != nil {
				g.handleBadHeader(best.ID, err)
				return
			}
			g.metrics.HeadersDownloaded.Add(1)
		}
		height := hc.BestHeight()
		g.setPeerHeight(best.ID, height, "")
		progress.OnProgress(height, max(best.Height, height))
	}
}

func (g *Group) reportDone(progress ProgressListener, height uint64) {
	g.peersMu.Lock()
	report := !g.doneOnce || g.doneAt != height
	g.doneOnce, g.doneAt = true, height
	g.peersMu.Unlock()
	if report {
		klog.Sync.Info().Uint64("height", height).Msg("Header chain caught up")
		progress.OnDone(height)
	}
}

// handleBadHeader bans peers that send invalid headers. Headers that do
// not connect are left to the validation engine and only end the round.
func (g *Group) handleBadHeader(id peer.ID, err error) {
	if errors.Is(err, chain.ErrOrphan) {
		klog.Sync.Debug().Err(err).Str("peer", id.String()).Msg("Peer headers do not connect")
		return
	}
	g.disconnect(id, err.Error())
}

// requestHeaders asks a peer for headers starting at fromHeight.
func (g *Group) requestHeaders(ctx context.Context, id peer.ID, fromHeight uint64, maxHeaders uint32) ([]*block.Header, error) {
	stream, err := g.host.NewStream(ctx, id, HeadersProtocol)
	if err != nil {
		return nil, fmt.Errorf("open headers stream: %w", err)
	}
	defer stream.Close()

	req := HeadersRequest{FromHeight: fromHeight, Max: maxHeaders}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send headers request: %w", err)
	}

	// Signal we're done writing.
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(headersReadTimeout))

	var resp HeadersResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxHeadersBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read headers response: %w", err)
	}
	if len(resp.Headers) > int(maxHeaders) {
		return nil, fmt.Errorf("peer sent %d headers, asked for %d", len(resp.Headers), maxHeaders)
	}
	return resp.Headers, nil
}

// requestHeight queries a peer for its chain height and tip hash.
func (g *Group) requestHeight(ctx context.Context, id peer.ID) (*HeightResponse, error) {
	stream, err := g.host.NewStream(ctx, id, HeightProtocol)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	// Signal we're done writing (request is empty, just opening the stream).
	stream.CloseWrite()

	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxSmallMessageBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}
	return &resp, nil
}

// refreshHeight records a peer's height and user agent, then kicks sync.
func (g *Group) refreshHeight(id peer.ID) {
	ctx, cancel := context.WithTimeout(g.ctx, heightReadTimeout)
	defer cancel()
	resp, err := g.requestHeight(ctx, id)
	if err != nil {
		klog.P2P.Debug().Err(err).Str("peer", id.String()).Msg("Height query failed")
		return
	}
	var ua string
	if v, err := g.host.Peerstore().Get(id, "AgentVersion"); err == nil {
		ua, _ = v.(string)
	}
	g.setPeerHeight(id, resp.Height, ua)
	g.kick(g.kickSync)
}

func (g *Group) refreshHeights() {
	for _, p := range g.ConnectedPeers() {
		g.refreshHeight(p.ID)
	}
}
