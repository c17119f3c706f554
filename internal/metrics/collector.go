// Package metrics exports build and unit outcomes as Prometheus metrics.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/buildcore/pkg/schema"
)

// Collector is a broadcaster listener that turns lifecycle events into
// Prometheus metrics. Build-level metrics come from ObserveReport.
type Collector struct {
	registry *prometheus.Registry

	buildsStarted   prometheus.Counter
	buildsCompleted *prometheus.CounterVec
	buildDuration   prometheus.Histogram
	unitsPlanned    prometheus.Counter
	unitOutcomes    *prometheus.CounterVec
	unitDuration    prometheus.Histogram
	unitsInFlight   prometheus.Gauge
	logEvents       *prometheus.CounterVec

	mu      sync.Mutex
	started map[unitKey]time.Time
}

type unitKey struct {
	buildID string
	unitID  string
}

// NewCollector creates a Collector with its own registry.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		buildsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildcore_builds_started_total",
			Help: "Total number of builds that produced a planned order",
		}),
		buildsCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildcore_builds_completed_total",
				Help: "Total number of finished builds by status",
			},
			[]string{"status"},
		),
		buildDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildcore_build_duration_seconds",
			Help:    "Build wall-clock duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		}),
		unitsPlanned: factory.NewCounter(prometheus.CounterOpts{
			Name: "buildcore_units_planned_total",
			Help: "Total number of units placed in a planned order",
		}),
		unitOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildcore_unit_outcomes_total",
				Help: "Total number of units by terminal state",
			},
			[]string{"outcome"},
		),
		unitDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "buildcore_unit_duration_seconds",
			Help:    "Duration of invoked units in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 60},
		}),
		unitsInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "buildcore_units_in_flight",
			Help: "Number of units currently executing",
		}),
		logEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "buildcore_log_events_total",
				Help: "Total number of log events emitted by builds",
			},
			[]string{"level"},
		),
		started: make(map[unitKey]time.Time),
	}
}

// OnEvent implements streaming.Listener.
func (c *Collector) OnEvent(e schema.Event) {
	switch e.Kind {
	case schema.EventGraphReady:
		c.buildsStarted.Inc()
		c.unitsPlanned.Add(float64(len(e.Planned)))
	case schema.EventBeforeExecute:
		c.mu.Lock()
		c.started[unitKey{e.BuildID, e.UnitID}] = e.Timestamp
		c.mu.Unlock()
		c.unitsInFlight.Inc()
	case schema.EventAfterExecute:
		c.unitOutcomes.WithLabelValues(string(e.Outcome)).Inc()
		key := unitKey{e.BuildID, e.UnitID}
		c.mu.Lock()
		began, ok := c.started[key]
		delete(c.started, key)
		c.mu.Unlock()
		if ok {
			c.unitsInFlight.Dec()
			c.unitDuration.Observe(e.Timestamp.Sub(began).Seconds())
		}
	case schema.EventLog:
		c.logEvents.WithLabelValues(e.Level.String()).Inc()
	}
}

// ObserveReport records the outcome of a finished build.
func (c *Collector) ObserveReport(r *schema.BuildReport) {
	c.buildsCompleted.WithLabelValues(StatusOf(r)).Inc()
	c.buildDuration.Observe(r.Duration.Seconds())
}

// StatusOf classifies a report as succeeded, failed or cancelled.
func StatusOf(r *schema.BuildReport) string {
	switch {
	case r.Cancelled:
		return "cancelled"
	case len(r.Failures) > 0:
		return "failed"
	}
	return "succeeded"
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the collector's metrics in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
