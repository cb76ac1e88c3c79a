package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribreplay_records_total",
			Help: "Records applied to the RIB table.",
		},
		[]string{"collector", "phase", "kind"},
	)

	RecordsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribreplay_records_dropped_total",
			Help: "Records dropped before reaching the RIB table.",
		},
		[]string{"collector", "reason"},
	)

	Routes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribreplay_routes",
			Help: "Active routes held per collector and family.",
		},
		[]string{"collector", "family"},
	)

	CollectorPhase = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ribreplay_collector_phase",
			Help: "Collector phase (0 building, 1 steady).",
		},
		[]string{"collector"},
	)

	CheckpointsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ribreplay_checkpoints_total",
			Help: "Checkpoints dispatched to observers.",
		},
	)

	LastCheckpointTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ribreplay_last_checkpoint_timestamp_seconds",
			Help: "Data timestamp of the last checkpoint.",
		},
	)

	ObserverDumpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribreplay_observer_dump_duration_seconds",
			Help:    "Observer dump latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"observer"},
	)

	ArchiveBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribreplay_archive_bytes_total",
			Help: "Archive bytes obtained, by source (remote, cache).",
		},
		[]string{"source"},
	)

	SnapshotWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribreplay_snapshot_write_duration_seconds",
			Help:    "Snapshot write latency per sink.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"sink"},
	)

	DBRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribreplay_db_rows_affected_total",
			Help: "Rows affected by database writes.",
		},
		[]string{"table", "operation"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			RecordsTotal,
			RecordsDroppedTotal,
			Routes,
			CollectorPhase,
			CheckpointsTotal,
			LastCheckpointTimestamp,
			ObserverDumpDuration,
			ArchiveBytesTotal,
			SnapshotWriteDuration,
			DBRowsAffectedTotal,
		)
	})
}
