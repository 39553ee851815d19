package spv

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

// MetricsSubsystem is a subsystem shared by all metrics exposed by this
// package.
const MetricsSubsystem = "sync"

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// 1 while the peer network runs.
	Running metrics.Gauge
	// Peer managers created.
	PeerManagers metrics.Counter
	// State transitions, labelled by target state.
	Transitions metrics.Counter
	// Best header chain height.
	ChainHeight metrics.Gauge
	// Broadcast requests, labelled by result.
	Broadcasts metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
func PrometheusMetrics(namespace string) *Metrics {
	return &Metrics{
		Running: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "running",
			Help:      "Whether the peer network is running (1) or stopped (0).",
		}, []string{}),
		PeerManagers: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_managers_created",
			Help:      "Number of peer managers created.",
		}, []string{}),
		Transitions: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "transitions",
			Help:      "Peer network state transitions.",
		}, []string{"to"}),
		ChainHeight: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chain_height",
			Help:      "Best header chain height.",
		}, []string{}),
		Broadcasts: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "broadcasts",
			Help:      "Transaction broadcast requests by result.",
		}, []string{"result"}),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Running:      discard.NewGauge(),
		PeerManagers: discard.NewCounter(),
		Transitions:  discard.NewCounter(),
		ChainHeight:  discard.NewGauge(),
		Broadcasts:   discard.NewCounter(),
	}
}
