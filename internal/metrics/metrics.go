// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Conversion outcomes.
const (
	OutcomeConverted = "converted"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeForbidden = "forbidden"
	OutcomeError     = "error"
)

type Metrics struct {
	registry       *prometheus.Registry
	conversions    *prometheus.CounterVec
	rsvpRows       prometheus.Counter
	fanoutFailures prometheus.Counter
	schemaPatches  *prometheus.CounterVec
}

// New registers the collectors on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		conversions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_conversions_total",
			Help: "Proposal conversion attempts by category and outcome.",
		}, []string{"category", "outcome"}),
		rsvpRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_rsvp_rows_created_total",
			Help: "RSVP rows inserted by fan-out.",
		}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "waypoint_rsvp_fanout_failures_total",
			Help: "Fan-outs that failed after a committed conversion.",
		}),
		schemaPatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "waypoint_schema_patches_total",
			Help: "Category tables patched by startup reconciliation.",
		}, []string{"table"}),
	}
	m.registry.MustRegister(
		m.conversions,
		m.rsvpRows,
		m.fanoutFailures,
		m.schemaPatches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Conversion(category, outcome string) {
	if m == nil {
		return
	}
	m.conversions.WithLabelValues(category, outcome).Inc()
}

func (m *Metrics) RSVPRowsCreated(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.rsvpRows.Add(float64(n))
}

func (m *Metrics) FanoutFailed() {
	if m == nil {
		return
	}
	m.fanoutFailures.Inc()
}

func (m *Metrics) SchemaPatched(table string) {
	if m == nil {
		return
	}
	m.schemaPatches.WithLabelValues(table).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
