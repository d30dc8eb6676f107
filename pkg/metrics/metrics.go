package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sandboxes is the number of distinct sandboxes loaded from the
	// sandboxes directory.
	Sandboxes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "lithos_sandboxes_total",
			Help: "Total number of configured sandboxes",
		},
	)

	// Containers is the number of configured instances per sandbox, set
	// once at bring-up from the loaded process records.
	Containers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lithos_containers_total",
			Help: "Total number of container instances by sandbox",
		},
		[]string{"sandbox"},
	)

	// Running is the number of knots currently in the live map.
	Running = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lithos_running_total",
			Help: "Total number of running container instances by sandbox",
		},
		[]string{"sandbox"},
	)

	// Started counts every successful knot spawn.
	Started = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithos_started_total",
			Help: "Total number of knot spawns by sandbox",
		},
		[]string{"sandbox"},
	)

	// Deaths counts every reaped knot, regardless of exit reason.
	Deaths = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithos_deaths_total",
			Help: "Total number of reaped container instances by sandbox",
		},
		[]string{"sandbox"},
	)

	// Failures counts spawn attempts that never reached a running knot
	// (missing container config, socket open failure, config marshal
	// failure, knot fork/exec failure).
	Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lithos_failures_total",
			Help: "Total number of failed spawn attempts by sandbox",
		},
		[]string{"sandbox"},
	)

	// Unknown counts recovered pids that matched no pending Process record.
	Unknown = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lithos_unknown_total",
			Help: "Total number of recovered processes with no matching config",
		},
	)

	// Restarts counts tree process restarts that successfully re-adopted
	// a surviving fleet.
	Restarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "lithos_restarts_total",
			Help: "Total number of tree supervisor restarts",
		},
	)

	// ReconcileDuration times the init-time reconciliation pass
	// (recover sockets, recover processes, dangling-state cleanup).
	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lithos_reconcile_duration_seconds",
			Help:    "Time taken for the init-time reconciliation pass",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(Sandboxes)
	prometheus.MustRegister(Containers)
	prometheus.MustRegister(Running)
	prometheus.MustRegister(Started)
	prometheus.MustRegister(Deaths)
	prometheus.MustRegister(Failures)
	prometheus.MustRegister(Unknown)
	prometheus.MustRegister(Restarts)
	prometheus.MustRegister(ReconcileDuration)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}
