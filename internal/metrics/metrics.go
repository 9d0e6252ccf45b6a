package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	VisitsTotal     *prometheus.CounterVec
	AttemptsTotal   *prometheus.CounterVec
	AttemptDuration prometheus.Histogram
	ProxyPoolSize   prometheus.Gauge
	TunnelsOpen     prometheus.Gauge
}

// New creates the collectors and registers them on reg.
// A private registry per run keeps tests free of the global registry.
func New(reg prometheus.Registerer, buckets []float64) *Metrics {
	m := &Metrics{
		VisitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visits_total",
				Help: "Completed visits by final outcome",
			},
			[]string{"outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "visit_attempts_total",
				Help: "Visit attempts including retries",
			},
			[]string{"status", "error"},
		),
		AttemptDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "visit_attempt_duration_seconds",
				Help:    "Visit attempt latency distribution",
				Buckets: buckets,
			},
		),
		ProxyPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_pool_size",
			Help: "Addresses in the current proxy list",
		}),
		TunnelsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "proxy_tunnels_open",
			Help: "Local egress tunnels currently open",
		}),
	}

	reg.MustRegister(m.VisitsTotal, m.AttemptsTotal, m.AttemptDuration, m.ProxyPoolSize, m.TunnelsOpen)
	return m
}

// ObserveAttempt records one attempt; errorType is empty on success
func (m *Metrics) ObserveAttempt(d time.Duration, errorType string) {
	if m == nil {
		return
	}
	status := "success"
	if errorType != "" {
		status = "error"
	}
	m.AttemptsTotal.WithLabelValues(status, errorType).Inc()
	m.AttemptDuration.Observe(d.Seconds())
}

// ObserveVisit records the final outcome of one visit
func (m *Metrics) ObserveVisit(success bool) {
	if m == nil {
		return
	}
	if success {
		m.VisitsTotal.WithLabelValues("success").Inc()
	} else {
		m.VisitsTotal.WithLabelValues("failed").Inc()
	}
}

// SetPoolSize updates the proxy pool gauge
func (m *Metrics) SetPoolSize(n int) {
	if m == nil {
		return
	}
	m.ProxyPoolSize.Set(float64(n))
}

// TunnelOpened and TunnelClosed track the open tunnel gauge
func (m *Metrics) TunnelOpened() {
	if m != nil {
		m.TunnelsOpen.Inc()
	}
}

func (m *Metrics) TunnelClosed() {
	if m != nil {
		m.TunnelsOpen.Dec()
	}
}
