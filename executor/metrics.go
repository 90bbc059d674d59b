package executor

import (
	"errors"
	"net/http"

	"github.com/caffeineduck/gocjs/module"
	"github.com/caffeineduck/gocjs/scheduler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one Executor.
type Metrics struct {
	ModulesLoaded   *prometheus.CounterVec
	MessagesEmitted prometheus.Counter
	TasksDrained    *prometheus.CounterVec
	SessionsActive  prometheus.Gauge
	RunDuration     prometheus.Histogram

	gatherer prometheus.Gatherer
}

// NewMetrics registers the collectors with reg. A nil reg gets a private
// registry, so several executors can coexist in one process.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		ModulesLoaded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocjs_modules_loaded_total",
				Help: "Modules that finished loading, by final state",
			},
			[]string{"state"},
		),
		MessagesEmitted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "gocjs_messages_emitted_total",
				Help: "Messages scripts sent to the host",
			},
		),
		TasksDrained: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gocjs_tasks_drained_total",
				Help: "Scheduled tasks by outcome",
			},
			[]string{"outcome"},
		),
		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "gocjs_sessions_active",
				Help: "Open sessions",
			},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gocjs_run_duration_seconds",
				Help:    "Duration of Run and Send calls in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		gatherer: reg,
	}
}

// Handler serves the metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func (m *Metrics) moduleFinished(rec *module.Record) {
	m.ModulesLoaded.WithLabelValues(rec.State().String()).Inc()
}

func (m *Metrics) taskFinished(_ *scheduler.Task, err error) {
	switch {
	case err == nil:
		m.TasksDrained.WithLabelValues("ok").Inc()
	case errors.Is(err, scheduler.ErrAbandoned):
		m.TasksDrained.WithLabelValues("abandoned").Inc()
	default:
		m.TasksDrained.WithLabelValues("failed").Inc()
	}
}
