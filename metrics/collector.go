package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the Prometheus series exported on /metrics.  Each Collector
// has a private registry so several can coexist in one test binary.
type Collector struct {
	registry *prometheus.Registry

	solveRequests   *prometheus.CounterVec
	solveDuration   *prometheus.HistogramVec
	solveAttempts   prometheus.Histogram
	acquireWait     prometheus.Histogram
	handles         *prometheus.GaugeVec
	handleDestroyed *prometheus.CounterVec
	launches        *prometheus.CounterVec
	rejected        prometheus.Counter
}

// NewCollector registers every series under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,
		solveRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "solve_requests_total",
				Help:      "Solve requests by challenge kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		solveDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "solve_duration_seconds",
				Help:      "End-to-end solve latency in seconds",
				Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"kind"},
		),
		solveAttempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "solve_attempts",
			Help:      "Attempts consumed per solve request",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 8},
		}),
		acquireWait: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pool_acquire_wait_seconds",
			Help:      "Time spent waiting for a browser lease",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 9),
		}),
		handles: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_handles",
				Help:      "Browser handles by lifecycle state",
			},
			[]string{"state"},
		),
		handleDestroyed: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_handles_destroyed_total",
				Help:      "Browser handles torn down, by reason",
			},
			[]string{"reason"},
		),
		launches: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "browser_launches_total",
				Help:      "Browser launches by result",
			},
			[]string{"result"},
		),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_rejected_total",
			Help:      "Issued tokens later reported invalid by callers",
		}),
	}
}

// Registry exposes the private registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordSolve records one finished solve request.
func (c *Collector) RecordSolve(kind, outcome string, elapsed time.Duration, attempts int) {
	c.solveRequests.WithLabelValues(kind, outcome).Inc()
	c.solveDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
	c.solveAttempts.Observe(float64(attempts))
}

// ObserveAcquireWait records how long one Acquire call blocked.
func (c *Collector) ObserveAcquireWait(d time.Duration) {
	c.acquireWait.Observe(d.Seconds())
}

// SetHandles publishes the current number of handles in state.
func (c *Collector) SetHandles(state string, n int) {
	c.handles.WithLabelValues(state).Set(float64(n))
}

// HandleDestroyed counts one teardown.
func (c *Collector) HandleDestroyed(reason string) {
	c.handleDestroyed.WithLabelValues(reason).Inc()
}

// BrowserLaunched counts one launch attempt; ok selects the result label.
func (c *Collector) BrowserLaunched(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	c.launches.WithLabelValues(result).Inc()
}

// TokenRejected counts one caller report of an invalid token.
func (c *Collector) TokenRejected() {
	c.rejected.Inc()
}
