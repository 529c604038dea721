package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Bus metrics
	BusEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_bus_events_published_total",
			Help: "Total number of events published on the bus by type",
		},
		[]string{"type"},
	)

	BusEventsDeduplicatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_bus_events_deduplicated_total",
			Help: "Total number of duplicate events dropped by the bus",
		},
	)

	BusSubscribersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciphernode_bus_subscribers",
			Help: "Current number of subscribers by event type",
		},
		[]string{"type"},
	)

	// Router metrics
	RouterActiveContexts = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciphernode_router_active_contexts",
			Help: "Number of E3 contexts currently tracked by the router",
		},
	)

	RouterContextsFinalizedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_router_contexts_finalized_total",
			Help: "Total number of E3 contexts checkpointed and dropped on a terminal event",
		},
	)

	RouterBufferedEvents = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciphernode_router_buffered_events",
			Help: "Events currently buffered awaiting a role recipient, by role",
		},
		[]string{"role"},
	)

	RouterChainWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ciphernode_router_chain_write_duration_seconds",
			Help:    "Time taken to publish a committee or plaintext output to chain",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	RouterChainWriteFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_router_chain_write_failures_total",
			Help: "Total number of failed on-chain publish attempts by op",
		},
		[]string{"op"},
	)

	// Sortition metrics
	SortitionRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_sortition_runs_total",
			Help: "Total number of committee-selection runs performed",
		},
	)

	SortitionCommitteeSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_sortition_committee_size",
			Help:    "Distribution of selected committee sizes",
			Buckets: []float64{1, 2, 3, 4, 5, 7, 10, 15, 21},
		},
	)

	// Keyshare metrics
	KeyshareGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_keyshare_generation_duration_seconds",
			Help:    "Time taken to generate a keyshare",
			Buckets: prometheus.DefBuckets,
		},
	)

	DecryptionShareGenerationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_decryption_share_generation_duration_seconds",
			Help:    "Time taken to generate a decryption share",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeyshareGenerationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_keyshare_generation_failures_total",
			Help: "Total number of failed keyshare/decryption-share generation attempts",
		},
	)

	// Aggregator metrics
	PublicKeyAggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_publickey_aggregation_duration_seconds",
			Help:    "Time taken to aggregate a threshold public key once the committee's shares arrive",
			Buckets: prometheus.DefBuckets,
		},
	)

	PlaintextAggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_plaintext_aggregation_duration_seconds",
			Help:    "Time taken to aggregate plaintext once the committee's decryption shares arrive",
			Buckets: prometheus.DefBuckets,
		},
	)

	AggregatorSharesBufferedGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ciphernode_aggregator_shares_buffered",
			Help: "Shares currently buffered awaiting the owning E3's committee, by aggregator kind",
		},
		[]string{"kind"},
	)

	// Chain reader metrics
	ChainBlocksProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_chain_blocks_processed_total",
			Help: "Total number of blocks the chain reader has processed",
		},
	)

	ChainLogsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_chain_logs_processed_total",
			Help: "Total number of contract logs processed by event name",
		},
		[]string{"event"},
	)

	ChainLastSeenBlock = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciphernode_chain_last_seen_block",
			Help: "Last block number the chain reader has durably recorded",
		},
	)

	ChainReadRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_chain_read_retries_total",
			Help: "Total number of retried chain read operations",
		},
	)

	ChainTxSendDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ciphernode_chain_tx_send_duration_seconds",
			Help:    "Time taken to send and confirm an outbound chain transaction",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Network manager metrics
	NetGossipSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_net_gossip_sent_total",
			Help: "Total number of events gossiped to peers by type",
		},
		[]string{"type"},
	)

	NetGossipReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_net_gossip_received_total",
			Help: "Total number of events received from peers by type",
		},
		[]string{"type"},
	)

	NetGossipDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ciphernode_net_gossip_dropped_total",
			Help: "Total number of outbound events dropped due to a full non-critical queue, by type",
		},
		[]string{"type"},
	)

	NetGossipRejectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ciphernode_net_gossip_rejected_total",
			Help: "Total number of inbound gossip messages rejected for a malformed envelope or EventId mismatch",
		},
	)

	NetOutboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ciphernode_net_outbound_queue_depth",
			Help: "Current depth of the outbound gossip queue",
		},
	)
)

func init() {
	prometheus.MustRegister(
		BusEventsPublishedTotal,
		BusEventsDeduplicatedTotal,
		BusSubscribersGauge,

		RouterActiveContexts,
		RouterContextsFinalizedTotal,
		RouterBufferedEvents,
		RouterChainWriteDuration,
		RouterChainWriteFailuresTotal,

		SortitionRunsTotal,
		SortitionCommitteeSize,

		KeyshareGenerationDuration,
		DecryptionShareGenerationDuration,
		KeyshareGenerationFailuresTotal,

		PublicKeyAggregationDuration,
		PlaintextAggregationDuration,
		AggregatorSharesBufferedGauge,

		ChainBlocksProcessedTotal,
		ChainLogsProcessedTotal,
		ChainLastSeenBlock,
		ChainReadRetriesTotal,
		ChainTxSendDuration,

		NetGossipSentTotal,
		NetGossipReceivedTotal,
		NetGossipDroppedTotal,
		NetGossipRejectedTotal,
		NetOutboundQueueDepth,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
