package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the issuance pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	// Batch outcomes: issued, validation_failed, ledger_failed, stamp_failed, persist_failed
	BatchOutcome *prometheus.CounterVec

	BatchDuration prometheus.Histogram

	RecordsIssued prometheus.Counter

	// Ledger submissions by classification: success, fixed, escalated, fatal
	LedgerAttempts *prometheus.CounterVec

	// Chunk job durations by outcome: succeeded, failed
	ChunkDuration *prometheus.HistogramVec

	StampRetries prometheus.Counter

	// Verification cache lookups by result: hit, miss
	VerifyCache *prometheus.CounterVec
}

// New registers every issuance metric on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		BatchOutcome: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credmint_batches_total",
			Help: "Total batch issuance requests by outcome",
		}, []string{"outcome"}),

		BatchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "credmint_batch_duration_seconds",
			Help:    "End to end duration of successful batch issuance",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),

		RecordsIssued: f.NewCounter(prometheus.CounterOpts{
			Name: "credmint_records_issued_total",
			Help: "Total certificates persisted as issued",
		}),

		LedgerAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credmint_ledger_attempts_total",
			Help: "Ledger root submissions by classification",
		}, []string{"class"}),

		ChunkDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "credmint_chunk_duration_seconds",
			Help:    "Duration of one chunk stamping job",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"outcome"}),

		StampRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "credmint_stamp_retries_total",
			Help: "Render or upload retries for individual records",
		}),

		VerifyCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "credmint_verify_cache_total",
			Help: "Verification cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) IncrementBatchOutcome(outcome string) {
	if m != nil {
		m.BatchOutcome.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ObserveBatchDuration(d time.Duration) {
	if m != nil {
		m.BatchDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AddRecordsIssued(n int) {
	if m != nil {
		m.RecordsIssued.Add(float64(n))
	}
}

func (m *Metrics) IncrementLedgerAttempt(class string) {
	if m != nil {
		m.LedgerAttempts.WithLabelValues(class).Inc()
	}
}

func (m *Metrics) ObserveChunk(outcome string, d time.Duration) {
	if m != nil {
		m.ChunkDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

func (m *Metrics) IncrementStampRetry() {
	if m != nil {
		m.StampRetries.Inc()
	}
}

func (m *Metrics) IncrementVerifyCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.VerifyCache.WithLabelValues("hit").Inc()
		return
	}
	m.VerifyCache.WithLabelValues("miss").Inc()
}
