package p2p

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "p2p"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	Peers metrics.Gauge
	// Headers received and connected to the chain.
	HeadersDownloaded metrics.Counter
	// Transaction relay answers, labelled by result.
	RelayAcks metrics.Counter
	// Peers banned for misbehaviour.
	Bans metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peers",
			Help:      "Number of connected peers.",
		}, []string{}),
		HeadersDownloaded: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "headers_downloaded",
			Help:      "Headers downloaded and connected.",
		}, []string{}),
		RelayAcks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "relay_acks",
			Help:      "Transaction relay answers by result.",
		}, []string{"result"}),
		Bans: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "bans",
			Help:      "Peers banned for misbehaviour.",
		}, []string{}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:             discard.NewGauge(),
		HeadersDownloaded: discard.NewCounter(),
		RelayAcks:         discard.NewCounter(),
		Bans:              discard.NewCounter(),
	}
}
