package linclust

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector receives counters from stage workers. Implementations
// must be safe for concurrent use; every stage worker goroutine calls into
// it. A nil MetricsCollector on Config is replaced with noopMetrics.
type MetricsCollector interface {
	// BucketProcessed records that a worker finished one radix bucket (or
	// volume, for the seed-table stage) of the named stage.
	BucketProcessed(stage string, round int)
	// ChunkCreated records a new chunk being allocated from next_chunk.
	ChunkCreated(round int)
	// HLLOvershoot records a chunk rotation that happened after the chunk's
	// estimate had already exceeded max_chunk_size — an expected, non-error
	// event per spec.md §7.
	HLLOvershoot(round int)
	// BarrierWait records time (seconds) a worker spent blocked in
	// SC.Await for the named stage barrier.
	BarrierWait(stage string, round int, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) BucketProcessed(stage string, round int)          {}
func (noopMetrics) ChunkCreated(round int)                            {}
func (noopMetrics) HLLOvershoot(round int)                            {}
func (noopMetrics) BarrierWait(stage string, round int, seconds float64) {}

// NoopMetrics is a MetricsCollector that discards everything.
var NoopMetrics MetricsCollector = noopMetrics{}

// PrometheusMetrics is a MetricsCollector backed by client_golang counters
// and a histogram, adapted from the teacher's metric/ package (originally
// wired to vector-search request latency) to the pipeline's stage/round
// label set.
type PrometheusMetrics struct {
	bucketsProcessed *prometheus.CounterVec
	chunksCreated    *prometheus.CounterVec
	hllOvershoots    *prometheus.CounterVec
	barrierWait      *prometheus.HistogramVec
}

// NewPrometheusMetrics registers its collectors on reg. If reg is nil, the
// default registerer is used.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		bucketsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linclust",
			Name:      "buckets_processed_total",
			Help:      "Radix buckets (or volumes) completed per stage and round.",
		}, []string{"stage", "round"}),
		chunksCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linclust",
			Name:      "chunks_created_total",
			Help:      "Chunks allocated from next_chunk per round.",
		}, []string{"round"}),
		hllOvershoots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linclust",
			Name:      "hll_overshoot_total",
			Help:      "Chunk rotations observed after the estimate already exceeded max_chunk_size.",
		}, []string{"round"}),
		barrierWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "linclust",
			Name:      "barrier_wait_seconds",
			Help:      "Time spent blocked in SC.Await per stage and round.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "round"}),
	}
	reg.MustRegister(m.bucketsProcessed, m.chunksCreated, m.hllOvershoots, m.barrierWait)
	return m
}

func (m *PrometheusMetrics) BucketProcessed(stage string, round int) {
	m.bucketsProcessed.WithLabelValues(stage, strconv.Itoa(round)).Inc()
}

func (m *PrometheusMetrics) ChunkCreated(round int) {
	m.chunksCreated.WithLabelValues(strconv.Itoa(round)).Inc()
}

func (m *PrometheusMetrics) HLLOvershoot(round int) {
	m.hllOvershoots.WithLabelValues(strconv.Itoa(round)).Inc()
}

func (m *PrometheusMetrics) BarrierWait(stage string, round int, seconds float64) {
	m.barrierWait.WithLabelValues(stage, strconv.Itoa(round)).Observe(seconds)
}
