package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for one runtime node.
// Every runtime gets its own instance so several can share a process.
type Metrics struct {
	// Command metrics
	CommandsTotal          *prometheus.CounterVec
	CommandDuration        prometheus.Histogram
	IdempotentReplaysTotal prometheus.Counter
	HandlerPanicsTotal     prometheus.Counter
	BackpressureTotal      prometheus.Counter

	// Journal metrics
	JournalAppendsTotal   prometheus.Counter
	JournalAppendDuration prometheus.Histogram
	JournalSyncsTotal     prometheus.Counter
	JournalSizeBytes      prometheus.Gauge

	// Snapshot metrics
	SnapshotsTotal            prometheus.Counter
	SnapshotDuration          prometheus.Histogram
	ReplicationFailures       prometheus.Counter
	ReplicationShipmentsTotal prometheus.Counter

	// Lifecycle metrics
	HotEntities           prometheus.Gauge
	ColdEntities          prometheus.Gauge
	Tombstones            prometheus.Gauge
	PassivationsTotal     prometheus.Counter
	ResurrectionsTotal    prometheus.Counter
	GCTotal               prometheus.Counter
	TombstonesPrunedTotal prometheus.Counter

	// Outbox metrics
	OutboxPending prometheus.Gauge

	// Cluster metrics
	ForwardsTotal        *prometheus.CounterVec
	ReplicationAcksTotal *prometheus.CounterVec
	QuorumFailuresTotal  prometheus.Counter
	EpochRejectionsTotal prometheus.Counter
	LeaderMovesTotal     prometheus.Counter

	// Gossip metrics
	GossipMembersTotal prometheus.Gauge

	StoreTransactionsTotal  *prometheus.CounterVec
	StoreIntentRetriesTotal *prometheus.CounterVec

	DiskUsageBytes     prometheus.Gauge
	DiskAvailableBytes prometheus.Gauge
	DiskUsagePercent   prometheus.Gauge
	MemoryUsageBytes   prometheus.Gauge
	GoroutinesTotal    prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on reg.
// A nil reg creates a private registry.
func NewMetrics(nodeID string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	labels := prometheus.Labels{"node_id": nodeID}

	counter := func(subsystem, name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	gauge := func(subsystem, name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	histogram := func(subsystem, name, help string) prometheus.Histogram {
		return factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "pairdb",
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		})
	}

	return &Metrics{
		CommandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "runtime",
			Name:        "commands_total",
			Help:        "Total number of command envelopes by outcome",
			ConstLabels: labels,
		}, []string{"entity_type", "outcome"}),
		CommandDuration:        histogram("runtime", "command_duration_seconds", "Histogram of command durations"),
		IdempotentReplaysTotal: counter("runtime", "idempotent_replays_total", "Commands answered from a stored receipt"),
		HandlerPanicsTotal:     counter("runtime", "handler_panics_total", "Command handlers that panicked"),
		BackpressureTotal:      counter("runtime", "backpressure_rejections_total", "Mutations rejected because no permit was free"),

		JournalAppendsTotal:   counter("journal", "appends_total", "Total number of journal appends"),
		JournalAppendDuration: histogram("journal", "append_duration_seconds", "Histogram of journal append durations"),
		JournalSyncsTotal:     counter("journal", "syncs_total", "Total number of journal fsyncs"),
		JournalSizeBytes:      gauge("journal", "size_bytes", "Current journal file size"),

		SnapshotsTotal:            counter("snapshot", "snapshots_total", "Total number of snapshots written"),
		SnapshotDuration:          histogram("snapshot", "duration_seconds", "Histogram of snapshot+compaction durations"),
		ReplicationFailures:       counter("snapshot", "replication_failures_total", "Replica shipments that failed"),
		ReplicationShipmentsTotal: counter("snapshot", "replication_shipments_total", "Replica shipments that succeeded"),

		HotEntities:           gauge("lifecycle", "hot_entities", "Resident entities"),
		ColdEntities:          gauge("lifecycle", "cold_entities", "Passivated entities"),
		Tombstones:            gauge("lifecycle", "tombstones", "Live tombstones"),
		PassivationsTotal:     counter("lifecycle", "passivations_total", "Entities moved from hot to cold"),
		ResurrectionsTotal:    counter("lifecycle", "resurrections_total", "Entities moved from cold to hot"),
		GCTotal:               counter("lifecycle", "gc_total", "Cold entities garbage collected"),
		TombstonesPrunedTotal: counter("lifecycle", "tombstones_pruned_total", "Expired tombstones removed"),

		OutboxPending: gauge("outbox", "pending", "Outbox records waiting for dispatch"),

		ForwardsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cluster",
			Name:        "forwards_total",
			Help:        "Commands forwarded to a remote leader by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		ReplicationAcksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "cluster",
			Name:        "replication_acks_total",
			Help:        "Follower replication responses by outcome",
			ConstLabels: labels,
		}, []string{"outcome"}),
		QuorumFailuresTotal:  counter("cluster", "quorum_failures_total", "Writes that did not reach quorum"),
		EpochRejectionsTotal: counter("cluster", "epoch_rejections_total", "Requests rejected by epoch fencing"),
		LeaderMovesTotal:     counter("cluster", "leader_moves_total", "Shard leadership moves"),

		GossipMembersTotal: gauge("gossip", "members_total", "Members seen by gossip"),

		StoreTransactionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "store",
			Name:        "transactions_total",
			Help:        "Aggregate store transactions by outcome",
			ConstLabels: labels,
		}, []string{"store", "outcome"}),
		StoreIntentRetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "pairdb",
			Subsystem:   "store",
			Name:        "intent_retries_total",
			Help:        "Intent attempts retried after a classified conflict",
			ConstLabels: labels,
		}, []string{"store", "conflict"}),

		DiskUsageBytes:     gauge("system", "disk_usage_bytes", "Used bytes on the runtime root filesystem"),
		DiskAvailableBytes: gauge("system", "disk_available_bytes", "Available bytes on the runtime root filesystem"),
		DiskUsagePercent:   gauge("system", "disk_usage_percent", "Used percentage of the runtime root filesystem"),
		MemoryUsageBytes:   gauge("system", "memory_usage_bytes", "Heap bytes allocated"),
		GoroutinesTotal:    gauge("system", "goroutines", "Number of goroutines"),
	}
}

// UpdateSystemStats updates system-level statistics
func (m *Metrics) UpdateSystemStats(diskUsage, diskAvailable, memoryUsage int64, goroutines int) {
	m.DiskUsageBytes.Set(float64(diskUsage))
	m.DiskAvailableBytes.Set(float64(diskAvailable))
	if diskUsage+diskAvailable > 0 {
		m.DiskUsagePercent.Set(float64(diskUsage) / float64(diskUsage+diskAvailable) * 100)
	}
	m.MemoryUsageBytes.Set(float64(memoryUsage))
	m.GoroutinesTotal.Set(float64(goroutines))
}
