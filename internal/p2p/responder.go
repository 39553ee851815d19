package p2p

import (
	"encoding/json"
	"io"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"

	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/tx"
)

// HeaderSource is what a full node exposes to header requests.
type HeaderSource interface {
	HeadersFrom(fromHeight uint64, max uint32) []*block.Header
	Tip() (height uint64, hash string)
}

// Serve registers the header, height and relay handlers on h. It is the
// serving side of the protocols the group speaks. accept may be nil, in
// which case every valid transaction is accepted.
func Serve(h host.Host, src HeaderSource, accept func(*tx.Transaction) RelayAck) {
	h.SetStreamHandler(HeadersProtocol, func(stream network.Stream) {
		defer stream.Close()

		var req HeadersRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxSmallMessageBytes)).Decode(&req); err != nil {
			return
		}
		if req.Max == 0 || req.Max > MaxHeadersPerRequest {
			req.Max = MaxHeadersPerRequest
		}
		resp := HeadersResponse{Headers: src.HeadersFrom(req.FromHeight, req.Max)}
		json.NewEncoder(stream).Encode(&resp)
	})

	h.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()

		height, tipHash := src.Tip()
		resp := HeightResponse{Height: height, TipHash: tipHash}
		json.NewEncoder(stream).Encode(&resp)
	})

	h.SetStreamHandler(TxRelayProtocol, func(stream network.Stream) {
		defer stream.Close()

		var t tx.Transaction
		if err := json.NewDecoder(io.LimitReader(stream, tx.MaxSize*3)).Decode(&t); err != nil {
			json.NewEncoder(stream).Encode(&RelayAck{Reason: "malformed transaction"})
			return
		}
		ack := RelayAck{Accepted: true}
		if err := t.Validate(); err != nil {
			ack = RelayAck{Reason: err.Error()}
		} else if accept != nil {
			ack = accept(&t)
		}
		json.NewEncoder(stream).Encode(&ack)
	})
}
