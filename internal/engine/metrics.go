package engine

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting stream activity.
type Metrics struct {
	activeStreams prometheus.Gauge
	streamsTotal  prometheus.Counter
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "engine",
			Name:      "active_streams",
			Help:      "Number of completion streams currently running.",
		}),
		streamsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "engine",
			Name:      "streams_total",
			Help:      "Total completion streams started.",
		}),
	}
	reg.MustRegister(m.activeStreams, m.streamsTotal)
	return m
}

func (m *Metrics) streamStarted() {
	m.activeStreams.Inc()
	m.streamsTotal.Inc()
}

func (m *Metrics) streamFinished() {
	m.activeStreams.Dec()
}
