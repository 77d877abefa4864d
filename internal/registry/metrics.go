package registry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors reporting tool invocation activity.
type Metrics struct {
	invocationDuration *prometheus.HistogramVec
	invocationFailures *prometheus.CounterVec
	cacheHits          prometheus.Counter
	discoveredTools    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when multiple registries are built in
// one process.
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
		invocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "invocation_duration_seconds",
			Help:      "Duration of tool invocations by tool and outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"tool", "outcome"}),
		invocationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "invocation_failures_total",
			Help:      "Count of failed tool invocations by tool.",
		}, []string{"tool"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "cache_hits_total",
			Help:      "Count of invocations served from the not-modified cache path.",
		}),
		discoveredTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "relay",
			Subsystem: "tools",
			Name:      "discovered_total",
			Help:      "Number of tools in the active descriptor set.",
		}),
	}
	reg.MustRegister(m.invocationDuration, m.invocationFailures, m.cacheHits, m.discoveredTools)
	return m
}

func (m *Metrics) observeInvocation(tool string, start time.Time, failed, cacheHit bool) {
	outcome := "success"
	if failed {
		outcome = "failure"
		m.invocationFailures.WithLabelValues(tool).Inc()
	}
	if cacheHit {
		m.cacheHits.Inc()
	}
	m.invocationDuration.WithLabelValues(tool, outcome).Observe(time.Since(start).Seconds())
}

func (m *Metrics) setDiscovered(n int) {
	m.discoveredTools.Set(float64(n))
}
