package p2p

import (
	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/Klingon-tech/klingnet-spv/pkg/block"
)

// Stream protocols spoken by the peer manager.
const (
	HeadersProtocol = protocol.ID("/klingnet/headers/1.0.0")
	HeightProtocol  = protocol.ID("/klingnet/height/1.0.0")
	TxRelayProtocol = protocol.ID("/klingnet/txrelay/1.0.0")
)

// Protocol limits.
const (
	// MaxHeadersPerRequest caps a headers response.
	MaxHeadersPerRequest = 2000
	maxHeadersBytes      = MaxHeadersPerRequest*(block.HeaderSize*3) + 4096
	maxSmallMessageBytes = 4096
)

// AnnounceTopic is the gossip topic for new tip announcements.
func AnnounceTopic(networkID string) string {
	return "/klingnet/" + networkID + "/headers/announce/1.0.0"
}

// TxTopic is the gossip topic for relayed transactions.
func TxTopic(networkID string) string {
	return "/klingnet/" + networkID + "/tx/1.0.0"
}

// HeadersRequest asks a peer for headers starting at a height.
type HeadersRequest struct {
	FromHeight uint64 `json:"from_height"`
	Max        uint32 `json:"max"`
}

// HeadersResponse carries consecutive headers in ascending height.
type HeadersResponse struct {
	Headers []*block.Header `json:"headers"`
}

// HeightResponse contains a peer's chain height and tip hash.
type HeightResponse struct {
	Height  uint64 `json:"height"`
	TipHash string `json:"tip_hash"`
}

// RelayAck answers a transaction relay.
type RelayAck struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// Announcement is published on the announce topic when a peer's tip moves.
type Announcement struct {
	Height uint64 `json:"height"`
	Hash   string `json:"hash"`
}
