// Package metrics is the Prometheus surface that replaces the JMX-style
// EventStats/StreamStats attributes the original storage engine exposed:
// one counter or gauge per operation the engine performs, instead of a
// bean a JMX console would poll.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter and gauge this node publishes. A nil
// *Metrics is valid everywhere it's accepted: every Record*/Set* method
// is a no-op on a nil receiver, so components can hold an optional
// metrics field without guarding every call site.
type Metrics struct {
	ChunkWritesTotal   prometheus.Counter
	ChunkWriteBytes    prometheus.Histogram
	ChunkReadsTotal    prometheus.Counter
	ChunkReadDuration  prometheus.Histogram
	ChunksLive         prometheus.Gauge
	ChunkBytesLive     prometheus.Gauge
	ConsolidationsTotal prometheus.Counter
	ConsolidationDuration prometheus.Histogram
	CleanupsTotal      prometheus.Counter
	CleanupBytesFreed  prometheus.Counter

	WALAppendsTotal   prometheus.Counter
	WALAppendDuration prometheus.Histogram
	WALRotationsTotal prometheus.Counter
	WALDrainsTotal    prometheus.Counter
	WALDrainFailures  prometheus.Counter
	WALRecoveredTotal prometheus.Counter
	WALSegmentsLive   prometheus.Gauge

	WireRequestsTotal    prometheus.CounterVec
	WireRequestDuration  prometheus.HistogramVec
	WireErrorsTotal      prometheus.CounterVec
	WireBytesSent        prometheus.Counter
	WireBytesReceived    prometheus.Counter

	UploadedItemsTotal      prometheus.Counter
	DownloadedItemsTotal    prometheus.Counter
	TakenItemsTotal         prometheus.Counter
	RemovedItemsTotal       prometheus.Counter
	PartitionsReachable     prometheus.Gauge
	PartitionsExpected      prometheus.Gauge

	RepartitionsTotal       prometheus.Counter
	RepartitionFailures     prometheus.Counter
	RepartitionKeysMoved    prometheus.Counter
	RepartitionBytesMoved   prometheus.Counter
	RepartitionDuration     prometheus.Histogram

	DiscoveryMembersTotal   prometheus.Gauge

	DiskUsagePercent        prometheus.Gauge
	DiskAvailableBytes      prometheus.Gauge
	DiskThrottledTotal      prometheus.Counter
	DiskCircuitBrokenTotal  prometheus.Counter
}

// New registers and returns the full metric set for a node, labelled
// with its partition id so a federated Prometheus can tell nodes apart.
func New(partitionID string) *Metrics {
	labels := prometheus.Labels{"partition_id": partitionID}

	return &Metrics{
		ChunkWritesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "writes_total", Help: "Total number of chunk files written.",
			ConstLabels: labels,
		}),
		ChunkWriteBytes: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "write_bytes", Help: "Size of chunk files written, in bytes.",
			ConstLabels: labels, Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
		}),
		ChunkReadsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "reads_total", Help: "Total number of chunk file reads.",
			ConstLabels: labels,
		}),
		ChunkReadDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "read_duration_seconds", Help: "Chunk read latency.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		ChunksLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "chunks_live", Help: "Current number of chunk files on disk.",
			ConstLabels: labels,
		}),
		ChunkBytesLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "bytes_live", Help: "Current total size of chunk files on disk.",
			ConstLabels: labels,
		}),
		ConsolidationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "consolidations_total", Help: "Total number of chunk consolidation passes.",
			ConstLabels: labels,
		}),
		ConsolidationDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "consolidation_duration_seconds", Help: "Chunk consolidation pass latency.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		CleanupsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "cleanups_total", Help: "Total number of dead-chunk cleanup passes.",
			ConstLabels: labels,
		}),
		CleanupBytesFreed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "chunkstore",
			Name: "cleanup_bytes_freed_total", Help: "Total bytes freed by cleanup passes.",
			ConstLabels: labels,
		}),

		WALAppendsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "appends_total", Help: "Total number of WAL record appends.",
			ConstLabels: labels,
		}),
		WALAppendDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "append_duration_seconds", Help: "WAL append-and-fsync latency.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),
		WALRotationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "rotations_total", Help: "Total number of WAL segment rotations.",
			ConstLabels: labels,
		}),
		WALDrainsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "drains_total", Help: "Total number of successful WAL drain-to-chunkstore batches.",
			ConstLabels: labels,
		}),
		WALDrainFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "drain_failures_total", Help: "Total number of WAL drain batches that failed and were retried.",
			ConstLabels: labels,
		}),
		WALRecoveredTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "recovered_records_total", Help: "Total number of WAL records replayed on startup recovery.",
			ConstLabels: labels,
		}),
		WALSegmentsLive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "wal",
			Name: "segments_live", Help: "Current number of WAL segment files on disk.",
			ConstLabels: labels,
		}),

		WireRequestsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wire",
			Name: "requests_total", Help: "Total number of wire requests handled, by message kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		WireRequestDuration: *promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "wire",
			Name: "request_duration_seconds", Help: "Wire request handling latency, by message kind.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		WireErrorsTotal: *promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wire",
			Name: "errors_total", Help: "Total number of wire requests that failed, by message kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
		WireBytesSent: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wire",
			Name: "bytes_sent_total", Help: "Total bytes written to wire connections.",
			ConstLabels: labels,
		}),
		WireBytesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "wire",
			Name: "bytes_received_total", Help: "Total bytes read from wire connections.",
			ConstLabels: labels,
		}),

		UploadedItemsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "uploaded_items_total", Help: "Total number of entries uploaded across the cluster.",
			ConstLabels: labels,
		}),
		DownloadedItemsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "downloaded_items_total", Help: "Total number of entries produced by cluster downloads.",
			ConstLabels: labels,
		}),
		TakenItemsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "taken_items_total", Help: "Total number of entries produced by cluster takes.",
			ConstLabels: labels,
		}),
		RemovedItemsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "removed_items_total", Help: "Total number of tombstones removed across the cluster.",
			ConstLabels: labels,
		}),
		PartitionsReachable: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "partitions_reachable", Help: "Number of partitions currently connected.",
			ConstLabels: labels,
		}),
		PartitionsExpected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "cluster",
			Name: "partitions_expected", Help: "Number of partitions named by the current scheme.",
			ConstLabels: labels,
		}),

		RepartitionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "repartition",
			Name: "runs_total", Help: "Total number of repartition passes started.",
			ConstLabels: labels,
		}),
		RepartitionFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "repartition",
			Name: "failures_total", Help: "Total number of repartition passes that failed.",
			ConstLabels: labels,
		}),
		RepartitionKeysMoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "repartition",
			Name: "keys_moved_total", Help: "Total number of keys moved by repartition passes.",
			ConstLabels: labels,
		}),
		RepartitionBytesMoved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "repartition",
			Name: "bytes_moved_total", Help: "Total number of bytes moved by repartition passes.",
			ConstLabels: labels,
		}),
		RepartitionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "crdtstore", Subsystem: "repartition",
			Name: "duration_seconds", Help: "Repartition pass latency.",
			ConstLabels: labels, Buckets: prometheus.DefBuckets,
		}),

		DiscoveryMembersTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "discovery",
			Name: "members_total", Help: "Current number of members known to this node's gossip view.",
			ConstLabels: labels,
		}),

		DiskUsagePercent: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "disk",
			Name: "usage_percent", Help: "Filesystem usage percentage at the data volume.",
			ConstLabels: labels,
		}),
		DiskAvailableBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "crdtstore", Subsystem: "disk",
			Name: "available_bytes", Help: "Filesystem bytes available at the data volume.",
			ConstLabels: labels,
		}),
		DiskThrottledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "disk",
			Name: "throttled_total", Help: "Total number of times the disk guard entered throttling.",
			ConstLabels: labels,
		}),
		DiskCircuitBrokenTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "crdtstore", Subsystem: "disk",
			Name: "circuit_broken_total", Help: "Total number of times the disk guard tripped its circuit breaker.",
			ConstLabels: labels,
		}),
	}
}

func (m *Metrics) RecordChunkWrite(bytes int64) {
	if m == nil {
		return
	}
	m.ChunkWritesTotal.Inc()
	m.ChunkWriteBytes.Observe(float64(bytes))
}

func (m *Metrics) RecordChunkRead(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ChunkReadsTotal.Inc()
	m.ChunkReadDuration.Observe(durationSeconds)
}

func (m *Metrics) SetChunkStoreSize(chunks int, bytes int64) {
	if m == nil {
		return
	}
	m.ChunksLive.Set(float64(chunks))
	m.ChunkBytesLive.Set(float64(bytes))
}

func (m *Metrics) RecordConsolidation(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ConsolidationsTotal.Inc()
	m.ConsolidationDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordCleanup(bytesFreed int64) {
	if m == nil {
		return
	}
	m.CleanupsTotal.Inc()
	m.CleanupBytesFreed.Add(float64(bytesFreed))
}

func (m *Metrics) RecordWALAppend(durationSeconds float64) {
	if m == nil {
		return
	}
	m.WALAppendsTotal.Inc()
	m.WALAppendDuration.Observe(durationSeconds)
}

func (m *Metrics) RecordWALRotation() {
	if m == nil {
		return
	}
	m.WALRotationsTotal.Inc()
}

func (m *Metrics) RecordWALDrain(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.WALDrainsTotal.Inc()
		return
	}
	m.WALDrainFailures.Inc()
}

func (m *Metrics) RecordWALRecovered(records int) {
	if m == nil {
		return
	}
	m.WALRecoveredTotal.Add(float64(records))
}

func (m *Metrics) SetWALSegmentsLive(n int) {
	if m == nil {
		return
	}
	m.WALSegmentsLive.Set(float64(n))
}

func (m *Metrics) RecordWireRequest(kind string, durationSeconds float64, err error) {
	if m == nil {
		return
	}
	m.WireRequestsTotal.WithLabelValues(kind).Inc()
	m.WireRequestDuration.WithLabelValues(kind).Observe(durationSeconds)
	if err != nil {
		m.WireErrorsTotal.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RecordWireBytes(sent, received int64) {
	if m == nil {
		return
	}
	m.WireBytesSent.Add(float64(sent))
	m.WireBytesReceived.Add(float64(received))
}

func (m *Metrics) RecordClusterUpload(items int)   { m.addCluster(m.safe(m.UploadedItemsTotal), items) }
func (m *Metrics) RecordClusterDownload(items int) { m.addCluster(m.safe(m.DownloadedItemsTotal), items) }
func (m *Metrics) RecordClusterTake(items int)     { m.addCluster(m.safe(m.TakenItemsTotal), items) }
func (m *Metrics) RecordClusterRemove(items int)   { m.addCluster(m.safe(m.RemovedItemsTotal), items) }

func (m *Metrics) safe(c prometheus.Counter) prometheus.Counter {
	if m == nil {
		return nil
	}
	return c
}

func (m *Metrics) addCluster(c prometheus.Counter, items int) {
	if c == nil {
		return
	}
	c.Add(float64(items))
}

func (m *Metrics) SetPartitions(reachable, expected int) {
	if m == nil {
		return
	}
	m.PartitionsReachable.Set(float64(reachable))
	m.PartitionsExpected.Set(float64(expected))
}

func (m *Metrics) RecordRepartition(durationSeconds float64, keysMoved, bytesMoved int64, err error) {
	if m == nil {
		return
	}
	m.RepartitionsTotal.Inc()
	m.RepartitionDuration.Observe(durationSeconds)
	m.RepartitionKeysMoved.Add(float64(keysMoved))
	m.RepartitionBytesMoved.Add(float64(bytesMoved))
	if err != nil {
		m.RepartitionFailures.Inc()
	}
}

func (m *Metrics) SetDiscoveryMembers(n int) {
	if m == nil {
		return
	}
	m.DiscoveryMembersTotal.Set(float64(n))
}

func (m *Metrics) SetDiskUsage(usagePercent float64, availableBytes uint64) {
	if m == nil {
		return
	}
	m.DiskUsagePercent.Set(usagePercent)
	m.DiskAvailableBytes.Set(float64(availableBytes))
}

func (m *Metrics) RecordDiskThrottled() {
	if m == nil {
		return
	}
	m.DiskThrottledTotal.Inc()
}

func (m *Metrics) RecordDiskCircuitBroken() {
	if m == nil {
		return
	}
	m.DiskCircuitBrokenTotal.Inc()
}
