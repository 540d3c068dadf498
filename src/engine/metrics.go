package engine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records engine activity in Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	operations     *prometheus.CounterVec
	persistLatency *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kitedb_operations_total",
			Help: "Engine operations by kind and outcome",
		}, []string{"op", "status"}),
		persistLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kitedb_persist_latency_seconds",
			Help:    "Latency of persisting or loading a database",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	if reg != nil {
		reg.MustRegister(m.operations, m.persistLatency)
	}
	return m
}

// observeOp counts one operation. Deferred mutations are counted under
// their own status.
func (m *Metrics) observeOp(op string, deferred bool, err error) {
	if m == nil {
		return
	}
	status := "ok"
	switch {
	case err != nil && IsValidation(err):
		status = "invalid"
	case err != nil:
		status = "error"
	case deferred:
		status = "deferred"
	}
	m.operations.WithLabelValues(op, status).Inc()
}

func (m *Metrics) observePersist(op string, start time.Time) {
	if m == nil {
		return
	}
	m.persistLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
