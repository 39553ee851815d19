package p2p

import (
	"encoding/json"
	"fmt"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	klog "github.com/Klingon-tech/klingnet-spv/internal/log"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

func (g *Group) joinTopics() error {
	var err error
	id := g.cfg.Params.NetworkID
	g.topicTx, err = g.pubsub.Join(TxTopic(id))
	if err != nil {
		return fmt.Errorf("join tx topic: %w", err)
	}
	g.topicAnn, err = g.pubsub.Join(AnnounceTopic(id))
	if err != nil {
		return fmt.Errorf("join announce topic: %w", err)
	}
	g.subTx, err = g.topicTx.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe tx: %w", err)
	}
	g.subAnn, err = g.topicAnn.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	return nil
}

func (g *Group) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	defer g.wg.Done()
	for {
		msg, err := sub.Next(g.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == g.host.ID() {
			continue // Skip own messages.
		}
		handler(msg)
	}
}

// handleAnnouncement records the announced height and triggers catch-up.
func (g *Group) handleAnnouncement(msg *pubsub.Message) {
	var ann Announcement
	if err := json.Unmarshal(msg.Data, &ann); err != nil {
		klog.P2P.Debug().Err(err).Msg("Bad announcement")
		return
	}
	g.setPeerHeight(msg.ReceivedFrom, ann.Height, "")
	if ann.Height > g.cfg.Chain.BestHeight() {
		g.kick(g.kickSync)
	}
}

// handleRelayedTx hands gossiped transactions to attached wallets.
func (g *Group) handleRelayedTx(msg *pubsub.Message) {
	var t tx.Transaction
	if err := json.Unmarshal(msg.Data, &t); err != nil {
		klog.P2P.Debug().Err(err).Msg("Bad relayed tx")
		return
	}
	if err := t.Validate(); err != nil {
		return
	}
	for _, w := range g.Wallets() {
		w.ReceiveRelayed(&t, msg.ReceivedFrom)
	}
}

// publishTx gossips t. Failures are logged; direct relay already succeeded.
func (g *Group) publishTx(t *tx.Transaction) {
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := g.topicTx.Publish(g.ctx, data); err != nil {
		klog.P2P.Debug().Err(err).Msg("Tx gossip publish failed")
	}
}
