package lifecycle

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/everydev1618/devhost/errdefs"
)

// Metrics are process-local collectors. Nothing in the manager reads them
// back.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	InFlight          prometheus.Gauge
	Rejected          prometheus.Counter
}

// NewMetrics creates the lifecycle collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "devhost",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by kind and outcome code.",
		}, []string{"operation", "result"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "devhost",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Duration of successful lifecycle operations.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"operation"}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "devhost",
			Subsystem: "lifecycle",
			Name:      "operations_in_flight",
			Help:      "Lifecycle operations currently holding a project lock.",
		}),
		Rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: "devhost",
			Subsystem: "lifecycle",
			Name:      "operations_rejected_total",
			Help:      "Operations rejected because another one was in progress.",
		}),
	}
}

func (m *Metrics) observe(op string, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = string(errdefs.CodeOf(err))
	}
	m.Operations.WithLabelValues(op, result).Inc()
	if err == nil {
		m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
	}
}
