package config

import (
	"github.com/Klingon-tech/klingnet-spv/pkg/block"
	"github.com/Klingon-tech/klingnet-spv/pkg/crypto"
)

// Version is the client release.
const Version = "0.1.0"

// ProtocolVersion is the wire protocol version advertised to peers.
const ProtocolVersion uint32 = 1

// DefaultUserAgent is sent in the libp2p identify exchange.
const DefaultUserAgent = "klingnet-spv/" + Version

// Params holds the compiled-in parameters of a network.
type Params struct {
	Network NetworkType
	Name    string
	// NetworkID namespaces protocol IDs, gossip topics and the DHT rendezvous.
	NetworkID   string
	DefaultPort int
	// TrustedHosts is the curated peer list, as multiaddrs with /p2p/ IDs.
	TrustedHosts []string
	// CheckpointBundle is the checkpoint file name inside the chain data dir.
	CheckpointBundle string
	// Private networks have no public seeds and skip checkpoints.
	Private bool

	genesis block.Header
}

// Genesis returns a copy of the network's genesis header.
func (p *Params) Genesis() *block.Header {
	g := p.genesis
	return &g
}

// Rendezvous is the DHT namespace peers of this network advertise under.
func (p *Params) Rendezvous() string {
	return p.NetworkID + "/headers"
}

var (
	mainnetParams = Params{
		Network:     Mainnet,
		Name:        "Klingnet Mainnet",
		NetworkID:   "klingnet-mainnet-1",
		DefaultPort: 30303,
		TrustedHosts: []string{
			"/ip4/144.202.90.204/tcp/30303/p2p/QmYCB6ProwLr5wj5FtNW2bp4Xqohz58x8oNoaXpwAYB3eq",
			"/dns4/seed1.klingnet.io/tcp/30303/p2p/QmU8DQeoYG9pFED7UscsLmCvokFrYMenWbm8yfvECsiaQY",
		},
		CheckpointBundle: "checkpoints-mainnet.txt",
		genesis:          genesisHeader(1770734103, "Klingnet Genesis"),
	}

	testnetParams = Params{
		Network:     Testnet,
		Name:        "Klingnet Testnet",
		NetworkID:   "klingnet-testnet-1",
		DefaultPort: 30304,
		TrustedHosts: []string{
			"/ip4/144.202.90.204/tcp/30304/p2p/QmXxr7GdHugv7kaRqiKmCQDLnEGNQUiegCTEg8B6G86gLt",
		},
		CheckpointBundle: "checkpoints-testnet.txt",
		genesis:          genesisHeader(1770734103, "Klingnet Testnet Genesis"),
	}

	regtestParams = Params{
		Network:          Regtest,
		Name:             "Klingnet Regtest",
		NetworkID:        "klingnet-regtest",
		DefaultPort:      30305,
		CheckpointBundle: "checkpoints-regtest.txt",
		Private:          true,
		genesis:          genesisHeader(0, "Klingnet Regtest Genesis"),
	}
)

func genesisHeader(timestamp uint64, extra string) block.Header {
	return block.Header{
		Version:    block.CurrentVersion,
		MerkleRoot: crypto.Hash([]byte(extra)),
		Timestamp:  timestamp,
		Height:     0,
	}
}

// ParamsFor returns the parameters for the given network.
// Unknown networks get mainnet parameters.
func ParamsFor(network NetworkType) *Params {
	var p Params
	switch network {
	case Testnet:
		p = testnetParams
	case Regtest:
		p = regtestParams
	default:
		p = mainnetParams
	}
	p.TrustedHosts = append([]string(nil), p.TrustedHosts...)
	return &p
}
