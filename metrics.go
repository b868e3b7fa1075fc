package seqlog

import (
	"errors"

	"github.com/cockroachdb/pebble"
	"github.com/drpcorg/seqlog/seqlog_errors"
	"github.com/prometheus/client_golang/prometheus"
)

var OpsApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqlog",
	Subsystem: "replica",
	Name:      "ops_applied",
}, []string{"kind", "origin"})

var OpsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "seqlog",
	Subsystem: "replica",
	Name:      "ops_rejected",
}, []string{"reason"})

var OpsPending = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: "seqlog",
	Subsystem: "replica",
	Name:      "ops_pending",
})

var DrainBatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: "seqlog",
	Subsystem: "replica",
	Name:      "drain_batch_size",
	Buckets:   []float64{1, 2, 5, 10, 20, 50, 100, 500, 1000, 5000},
})

// rejectReason is the label an error gets in OpsRejected.
func rejectReason(err error) string {
	switch {
	case errors.Is(err, seqlog_errors.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, seqlog_errors.ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, seqlog_errors.ErrWrongAddress):
		return "wrong_address"
	case errors.Is(err, seqlog_errors.ErrConflict):
		return "conflict"
	case errors.Is(err, seqlog_errors.ErrInvalidTarget):
		return "invalid_target"
	case errors.Is(err, seqlog_errors.ErrBadOperation):
		return "bad_operation"
	case errors.Is(err, seqlog_errors.ErrPendingFull):
		return "pending_full"
	case errors.Is(err, seqlog_errors.ErrSequenceExists):
		return "genesis_conflict"
	default:
		return "other"
	}
}

// PebbleCollector exports a handful of store gauges.
type PebbleCollector struct {
	db *pebble.DB

	compactionCount         *prometheus.Desc
	compactionEstimatedDebt *prometheus.Desc
	memtableSize            *prometheus.Desc
	memtableCount           *prometheus.Desc
	walSize                 *prometheus.Desc
	walBytesWritten         *prometheus.Desc
	diskSpaceUsage          *prometheus.Desc
	readAmp                 *prometheus.Desc
}

func NewPebbleCollector(db *pebble.DB) *PebbleCollector {
	return &PebbleCollector{
		db: db,
		compactionCount: prometheus.NewDesc(
			"seqlog_pebble_compaction_count_total",
			"Total number of compactions performed",
			nil, nil,
		),
		compactionEstimatedDebt: prometheus.NewDesc(
			"seqlog_pebble_compaction_estimated_debt_bytes",
			"Estimated number of bytes that need to be compacted to reach a stable state",
			nil, nil,
		),
		memtableSize: prometheus.NewDesc(
			"seqlog_pebble_memtable_size_bytes",
			"Current size of the memtable in bytes",
			nil, nil,
		),
		memtableCount: prometheus.NewDesc(
			"seqlog_pebble_memtable_count",
			"Current count of memtables",
			nil, nil,
		),
		walSize: prometheus.NewDesc(
			"seqlog_pebble_wal_size_bytes",
			"Size of the live data in the WAL files",
			nil, nil,
		),
		walBytesWritten: prometheus.NewDesc(
			"seqlog_pebble_wal_bytes_written_total",
			"Physical bytes written to the WAL",
			nil, nil,
		),
		diskSpaceUsage: prometheus.NewDesc(
			"seqlog_pebble_disk_space_usage_bytes",
			"Total disk space used by the store",
			nil, nil,
		),
		readAmp: prometheus.NewDesc(
			"seqlog_pebble_read_amplification",
			"Current read amplification of the LSM",
			nil, nil,
		),
	}
}

func (pc *PebbleCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- pc.compactionCount
	ch <- pc.compactionEstimatedDebt
	ch <- pc.memtableSize
	ch <- pc.memtableCount
	ch <- pc.walSize
	ch <- pc.walBytesWritten
	ch <- pc.diskSpaceUsage
	ch <- pc.readAmp
}

func (pc *PebbleCollector) Collect(ch chan<- prometheus.Metric) {
	metrics := pc.db.Metrics()

	ch <- prometheus.MustNewConstMetric(pc.compactionCount, prometheus.CounterValue,
		float64(metrics.Compact.Count))
	ch <- prometheus.MustNewConstMetric(pc.compactionEstimatedDebt, prometheus.GaugeValue,
		float64(metrics.Compact.EstimatedDebt))
	ch <- prometheus.MustNewConstMetric(pc.memtableSize, prometheus.GaugeValue,
		float64(metrics.MemTable.Size))
	ch <- prometheus.MustNewConstMetric(pc.memtableCount, prometheus.GaugeValue,
		float64(metrics.MemTable.Count))
	ch <- prometheus.MustNewConstMetric(pc.walSize, prometheus.GaugeValue,
		float64(metrics.WAL.Size))
	ch <- prometheus.MustNewConstMetric(pc.walBytesWritten, prometheus.CounterValue,
		float64(metrics.WAL.BytesWritten))
	ch <- prometheus.MustNewConstMetric(pc.diskSpaceUsage, prometheus.GaugeValue,
		float64(metrics.DiskSpaceUsage()))
	ch <- prometheus.MustNewConstMetric(pc.readAmp, prometheus.GaugeValue,
		float64(metrics.ReadAmp()))
}
