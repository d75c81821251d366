package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BatchesTotal counts the rounds processed per worker, labeled by kind (build, count, batch).
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmotif_rounds_total",
			Help: "Total number of rounds processed by a worker",
		},
		[]string{"worker", "kind"},
	)

	// TuplesTotal counts the intermediate tuples created per worker.
	TuplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmotif_tuples_total",
			Help: "Total number of intermediate tuples created",
		},
		[]string{"worker"},
	)

	// OccurrencesTotal counts the emitted occurrence records, labeled by sign.
	OccurrencesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmotif_occurrence_records_total",
			Help: "Total number of occurrence records emitted",
		},
		[]string{"worker", "sign"},
	)

	// MessagesTotal counts the messages sent by workers, labeled by kind.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmotif_messages_total",
			Help: "Total number of messages sent between workers",
		},
		[]string{"worker", "kind"},
	)

	// CountCacheTotal counts the lookups of the remote count cache, labeled by result.
	CountCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dmotif_count_cache_lookups_total",
			Help: "Total number of remote count cache lookups",
		},
		[]string{"worker", "result"},
	)

	// IndexEdges tracks the number of forward edges stored per worker.
	IndexEdges = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dmotif_index_edges",
			Help: "Number of edges whose forward half is stored by the worker",
		},
		[]string{"worker"},
	)

	// BatchDuration measures the wall-clock time of a batch, from staging to commit.
	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dmotif_batch_duration_seconds",
			Help:    "Duration of batch processing in seconds",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		},
	)

	// MotifCount tracks the current motif count as reported by the scheduler.
	MotifCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dmotif_motif_count",
			Help: "Current number of motif occurrences found by this process",
		},
	)
)
