// Package metrics exposes operation engine activity as Prometheus metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-asyncop"
)

// Config selects the metric namespace and histogram buckets.
type Config struct {
	Namespace string
	Buckets   []float64
}

// Collector records phase, status, retry and ledger activity.
type Collector struct {
	phases        *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	transitions   *prometheus.CounterVec
	restarts      *prometheus.CounterVec
	polls         *prometheus.CounterVec
	ledgerWrites  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewCollector creates a collector with its own registry.
func NewCollector(cfg Config) *Collector {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "asyncop"
	}
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,

		phases: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phases_total",
				Help:      "Total number of finished phases by error kind",
			},
			[]string{"operation", "phase", "kind"},
		),
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of phase execution in seconds",
				Buckets:   buckets,
			},
			[]string{"operation", "phase"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "status_transitions_total",
				Help:      "Total number of record status transitions",
			},
			[]string{"operation", "from", "to"},
		),
		restarts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "restarts_total",
				Help:      "Total number of transport send retries",
			},
			[]string{"operation"},
		),
		polls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of state polls by remote state",
			},
			[]string{"operation", "state"},
		),
		ledgerWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_writes_total",
				Help:      "Total number of identifier rows written by kind",
			},
			[]string{"operation", "kind"},
		),
	}

	registry.MustRegister(
		c.phases,
		c.phaseDuration,
		c.transitions,
		c.restarts,
		c.polls,
		c.ledgerWrites,
	)

	return c
}

// PhaseFinished records a phase exit and its duration.
func (c *Collector) PhaseFinished(operation string, phase asyncop.Phase, kind asyncop.Kind, elapsed time.Duration) {
	label := string(kind)
	if kind == asyncop.KindNone {
		label = "ok"
	}
	c.phases.WithLabelValues(operation, string(phase), label).Inc()
	c.phaseDuration.WithLabelValues(operation, string(phase)).Observe(elapsed.Seconds())
}

// StatusChanged records an effective status transition.
func (c *Collector) StatusChanged(operation string, from, to asyncop.Status) {
	c.transitions.WithLabelValues(operation, string(from), string(to)).Inc()
}

// Restarted records one transport send retry.
func (c *Collector) Restarted(operation string) {
	c.restarts.WithLabelValues(operation).Inc()
}

// Polled records one state poll.
func (c *Collector) Polled(operation string, state asyncop.RequestState) {
	c.polls.WithLabelValues(operation, string(state)).Inc()
}

// LedgerFlushed records the rows written by one ledger flush.
func (c *Collector) LedgerFlushed(operation string, result asyncop.BatchResult) {
	if result.Inserted > 0 {
		c.ledgerWrites.WithLabelValues(operation, string(asyncop.BatchInsert)).Add(float64(result.Inserted))
	}
	if result.Updated > 0 {
		c.ledgerWrites.WithLabelValues(operation, string(asyncop.BatchReplace)).Add(float64(result.Updated))
	}
	if result.Deleted > 0 {
		c.ledgerWrites.WithLabelValues(operation, string(asyncop.BatchDelete)).Add(float64(result.Deleted))
	}
}

// Registry returns the registry the collector's metrics live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
