package p2p

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"

	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

const (
	relayTimeout      = 15 * time.Second
	broadcastInterval = 500 * time.Millisecond
)

// Broadcast is a pending transaction relay.
type Broadcast struct {
	tx      *tx.Transaction
	minAcks int
	done    chan struct{}

	mu   sync.Mutex
	acks int
	err  error
}

func newBroadcast(t *tx.Transaction, minAcks int) *Broadcast {
	return &Broadcast{tx: t, minAcks: minAcks, done: make(chan struct{})}
}

// Tx returns the transaction being relayed.
func (b *Broadcast) Tx() *tx.Transaction { return b.tx }

// MinAcks returns the acknowledgment threshold.
func (b *Broadcast) MinAcks() int { return b.minAcks }

// Done is closed when the broadcast succeeded or failed.
func (b *Broadcast) Done() <-chan struct{} { return b.done }

// Acks returns the number of peers that accepted the transaction.
func (b *Broadcast) Acks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acks
}

// Err returns the failure, nil while pending or after success.
func (b *Broadcast) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Wait blocks until the broadcast resolves or ctx is done.
func (b *Broadcast) Wait(ctx context.Context) (*tx.Transaction, error) {
	select {
	case <-b.done:
		if err := b.Err(); err != nil {
			return nil, err
		}
		return b.tx, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *Broadcast) ack() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acks++
	return b.acks
}

func (b *Broadcast) finish(err error) {
	b.mu.Lock()
	b.err = err
	b.mu.Unlock()
	close(b.done)
}

// Broadcast relays t until minAcks peers accepted it. The relay waits
// for MinBroadcastConnections peers, then sends to every connected peer
// it has not tried yet. A rejection fails the broadcast. Stopping the
// group fails it with ErrGroupStopped, or ErrInsufficientAcks when some
// but not enough peers accepted.
func (g *Group) Broadcast(t *tx.Transaction, minAcks int) *Broadcast {
	b := newBroadcast(t, minAcks)
	if err := t.Validate(); err != nil {
		b.finish(err)
		return b
	}
	select {
	case <-g.running:
	default:
		b.finish(ErrNotRunning)
		return b
	}
	if g.ctx.Err() != nil {
		b.finish(ErrGroupStopped)
		return b
	}
	go g.runBroadcast(b)
	return b
}

func (g *Group) runBroadcast(b *Broadcast) {
	hash := b.tx.Hash()
	logger := klog.P2P.With().Str("tx", hash.Short()).Logger()
	tried := make(map[peer.ID]bool)

	ticker := time.NewTicker(broadcastInterval)
	defer ticker.Stop()

	for {
		peers := g.ConnectedPeers()
		if len(peers) >= max(g.MinBroadcastConnections(), 1) {
			var fresh []peer.ID
			for _, p := range peers {
				if !tried[p.ID] {
					tried[p.ID] = true
					fresh = append(fresh, p.ID)
				}
			}
			if rejected := g.relayTo(b, fresh); rejected != "" {
				logger.Warn().Str("reason", rejected).Msg("Transaction rejected")
				b.finish(fmt.Errorf("%w: %s", ErrRejected, rejected))
				return
			}
			if b.Acks() >= b.minAcks {
				g.publishTx(b.tx)
				logger.Info().Int("acks", b.Acks()).Msg("Transaction broadcast")
				b.finish(nil)
				return
			}
		}

		select {
		case <-g.ctx.Done():
			if n := b.Acks(); n > 0 {
				b.finish(fmt.Errorf("%w: %d of %d", ErrInsufficientAcks, n, b.minAcks))
			} else {
				b.finish(ErrGroupStopped)
			}
			return
		case <-ticker.C:
		}
	}
}

// relayTo sends the transaction to peers concurrently. It returns the
// first rejection reason, empty if none.
func (g *Group) relayTo(b *Broadcast, peers []peer.ID) string {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		rejected string
	)
	for _, id := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(g.ctx, relayTimeout)
			defer cancel()
			ack, err := g.relayTx(ctx, id, b.tx)
			switch {
			case err != nil:
				g.metrics.RelayAcks.With("result", "error").Add(1)
				klog.P2P.Debug().Err(err).Str("peer", id.String()).Msg("Relay failed")
			case !ack.Accepted:
				g.metrics.RelayAcks.With("result", "rejected").Add(1)
				mu.Lock()
				if rejected == "" {
					rejected = ack.Reason
					if rejected == "" {
						rejected = "no reason given"
					}
				}
				mu.Unlock()
			default:
				g.metrics.RelayAcks.With("result", "accepted").Add(1)
				b.ack()
			}
		}()
	}
	wg.Wait()
	return rejected
}

// relayTx sends t to a peer and reads its acknowledgment.
func (g *Group) relayTx(ctx context.Context, id peer.ID, t *tx.Transaction) (*RelayAck, error) {
	stream, err := g.host.NewStream(ctx, id, TxRelayProtocol)
	if err != nil {
		return nil, fmt.Errorf("open relay stream: %w", err)
	}
	defer stream.Close()

	if err := json.NewEncoder(stream).Encode(t); err != nil {
		return nil, fmt.Errorf("send tx: %w", err)
	}
	stream.CloseWrite()

	if deadline, ok := ctx.Deadline(); ok {
		_ = stream.SetReadDeadline(deadline)
	}
	var ack RelayAck
	if err := json.NewDecoder(io.LimitReader(stream, maxSmallMessageBytes)).Decode(&ack); err != nil {
		return nil, fmt.Errorf("read relay ack: %w", err)
	}
	return &ack, nil
}
