package blocksync

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "blocksync"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Current SyncState.
	SyncState metrics.Gauge
	// Distance in slots between the local head and the best peer.
	SyncDistance metrics.Gauge
	// Active range sync chains, by type.
	Chains metrics.Gauge
	// Entries in the unknown block table.
	PendingBlocks metrics.Gauge
	// Range sync batches downloaded, by result.
	Batches metrics.Counter
	// Blocks imported, by source.
	ImportedBlocks metrics.Counter
	// Peers penalized, by action.
	PeerPenalties metrics.Counter
	// Reported events dropped because the queue was full.
	DroppedEvents metrics.Counter
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	return &Metrics{
		SyncState: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_state",
			Help:      "Sync state: 0 stalled, 1 syncing finalized, 2 syncing head, 3 synced.",
		}, labels).With(labelsAndValues...),
		SyncDistance: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "sync_distance",
			Help:      "Slots between the local head and the best known peer head.",
		}, labels).With(labelsAndValues...),
		Chains: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "chains",
			Help:      "Number of active range sync chains.",
		}, append(labels, "type")).With(labelsAndValues...),
		PendingBlocks: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "pending_blocks",
			Help:      "Number of entries in the unknown block table.",
		}, labels).With(labelsAndValues...),
		Batches: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "batches_total",
			Help:      "Number of range sync batch downloads.",
		}, append(labels, "result")).With(labelsAndValues...),
		ImportedBlocks: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "imported_blocks_total",
			Help:      "Number of blocks imported.",
		}, append(labels, "source")).With(labelsAndValues...),
		PeerPenalties: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "peer_penalties_total",
			Help:      "Number of peer penalties.",
		}, append(labels, "action")).With(labelsAndValues...),
		DroppedEvents: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "dropped_events_total",
			Help:      "Number of reported events dropped because the queue was full.",
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		SyncState:      discard.NewGauge(),
		SyncDistance:   discard.NewGauge(),
		Chains:         discard.NewGauge(),
		PendingBlocks:  discard.NewGauge(),
		Batches:        discard.NewCounter(),
		ImportedBlocks: discard.NewCounter(),
		PeerPenalties:  discard.NewCounter(),
		DroppedEvents:  discard.NewCounter(),
	}
}
