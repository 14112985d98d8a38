package detach

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/conduit-lang/detach/internal/orm/ormerr"
)

const (
	metricsNamespace = "conduit"
	metricsSubsystem = "detach"
)

// Metrics are the engine's prometheus instruments
type Metrics struct {
	// OperationsTotal counts top-level calls.
	// Labels: op (disconnect, apply), outcome (ok, error), kind (error kind, none)
	OperationsTotal *prometheus.CounterVec

	// DurationSeconds measures top-level calls.
	// Labels: op
	DurationSeconds *prometheus.HistogramVec

	// VisitedObjects measures how many values one call dispatched.
	// Labels: op
	VisitedObjects *prometheus.HistogramVec
}

// NewMetrics registers the instruments on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		OperationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "operations_total",
			Help:      "Disconnect and apply calls by outcome",
		}, []string{"op", "outcome", "kind"}),
		DurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "duration_seconds",
			Help:      "Duration of disconnect and apply calls",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"op"}),
		VisitedObjects: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "visited_objects",
			Help:      "Values dispatched to a handler per call",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"op"}),
	}
}

func (m *Metrics) observe(op string, d time.Duration, visited int, err error) {
	if m == nil {
		return
	}
	outcome, kind := "ok", "none"
	if err != nil {
		outcome, kind = "error", ormerr.KindOf(err).String()
	}
	m.OperationsTotal.WithLabelValues(op, outcome, kind).Inc()
	m.DurationSeconds.WithLabelValues(op).Observe(d.Seconds())
	m.VisitedObjects.WithLabelValues(op).Observe(float64(visited))
}
