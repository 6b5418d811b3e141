package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service
type Metrics struct {
	SessionsCreated  prometheus.Counter
	SessionsSwept    prometheus.Counter
	ActiveSessions   prometheus.Gauge
	ChunksIngested   *prometheus.CounterVec
	ChunkBytes       prometheus.Counter
	AssembleDuration prometheus.Histogram
	CompleteTotal    *prometheus.CounterVec
	StoreOperations  *prometheus.CounterVec
	PipelineJobs     *prometheus.CounterVec
}

// Chunk ingest outcomes, used as the "outcome" label of ChunksIngested.
const (
	OutcomeStored    = "stored"
	OutcomeDuplicate = "duplicate"
	OutcomeRejected  = "rejected"
)

// NewMetrics creates and registers all metrics on a fresh registry-backed
// registerer when reg is nil, otherwise on reg.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
	}

	return &Metrics{
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of upload sessions created",
		}),
		SessionsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Total number of expired sessions failed by the sweep",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions in a non-terminal state",
		}),
		ChunksIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunks_ingested_total",
			Help:      "Chunk upload attempts by outcome",
		}, []string{"outcome"}),
		ChunkBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chunk_bytes_total",
			Help:      "Total chunk payload bytes durably stored",
		}),
		AssembleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "assemble_duration_seconds",
			Help:      "Duration of chunk reassembly in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
		CompleteTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "complete_total",
			Help:      "Completion attempts by result",
		}, []string{"result"}),
		StoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Object store operations by type and result",
		}, []string{"operation", "result"}),
		PipelineJobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_jobs_total",
			Help:      "AI pipeline jobs submitted by purpose",
		}, []string{"purpose"}),
	}
}
