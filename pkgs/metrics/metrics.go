// Package metrics records check results as Prometheus metrics and serves
// them over HTTP.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emx-mail/mailmon/pkgs/probe"
)

// Recorder holds the mailmon collectors. A nil *Recorder records nothing.
type Recorder struct {
	registry *prometheus.Registry

	outcomes     *prometheus.CounterVec
	delivery     *prometheus.HistogramVec
	attempts     *prometheus.HistogramVec
	runs         prometheus.Counter
	lastRun      prometheus.Gauge
	pushFailures prometheus.Counter
}

// New registers the collectors on reg, or on a fresh registry when reg is nil.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		outcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mailmon_outcomes_total",
			Help: "Check outcomes per target",
		}, []string{"target", "outcome"}),
		delivery: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailmon_delivery_seconds",
			Help:    "Time from relay acceptance until the probe was found",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
		}, []string{"target"}),
		attempts: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mailmon_poll_attempts",
			Help:    "Poll attempts needed to resolve a check",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 30, 40, 50},
		}, []string{"target"}),
		runs: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailmon_runs_total",
			Help: "Total number of check runs",
		}),
		lastRun: factory.NewGauge(prometheus.GaugeOpts{
			Name: "mailmon_last_run_timestamp_seconds",
			Help: "Unix time the last check run started",
		}),
		pushFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "mailmon_healthcheck_push_failures_total",
			Help: "Total number of failed health-check pushes",
		}),
	}
}

// RunStarted records the start of a check run.
func (r *Recorder) RunStarted(at time.Time) {
	if r == nil {
		return
	}
	r.runs.Inc()
	r.lastRun.Set(float64(at.Unix()))
}

// ObserveOutcome records one target result. Delivery time is only
// observed for probes that arrived.
func (r *Recorder) ObserveOutcome(out probe.Outcome) {
	if r == nil {
		return
	}
	r.outcomes.WithLabelValues(out.Target, out.Status.String()).Inc()
	if out.Status == probe.Delivered || out.Status == probe.DeliveredToSpam {
		r.delivery.WithLabelValues(out.Target).Observe(out.Elapsed.Seconds())
	}
	if out.Attempts > 0 {
		r.attempts.WithLabelValues(out.Target).Observe(float64(out.Attempts))
	}
}

// PushFailed counts a failed health-check push.
func (r *Recorder) PushFailed() {
	if r == nil {
		return
	}
	r.pushFailures.Inc()
}

// Registry returns the registry the collectors are registered on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}
