package audit

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the audit trail's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	entriesWritten  prometheus.Counter
	writeFailures   prometheus.Counter
	queryDuration   *prometheus.HistogramVec
	integrityRuns   *prometheus.CounterVec
	entriesVerified prometheus.Counter
}

// NewMetrics registers the audit collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		entriesWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "entries_written_total",
			Help:      "Audit entries written inside committed or pending transactions.",
		}),
		writeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "write_failures_total",
			Help:      "Audit writes that failed and forced a rollback.",
		}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "audit",
			Name:      "query_duration_seconds",
			Help:      "Latency of audit read operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		integrityRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "integrity_runs_total",
			Help:      "Integrity verifications by outcome.",
		}, []string{"outcome"}),
		entriesVerified: f.NewCounter(prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "entries_verified_total",
			Help:      "Entries whose chain hash was recomputed.",
		}),
	}
}

func (m *Metrics) written(n int) {
	if m == nil {
		return
	}
	m.entriesWritten.Add(float64(n))
}

func (m *Metrics) writeFailed() {
	if m == nil {
		return
	}
	m.writeFailures.Inc()
}

func (m *Metrics) observeQuery(op string, start time.Time) {
	if m == nil {
		return
	}
	m.queryDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) integrityRun(outcome string, verified int64) {
	if m == nil {
		return
	}
	m.integrityRuns.WithLabelValues(outcome).Inc()
	m.entriesVerified.Add(float64(verified))
}
