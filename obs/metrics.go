package obs

import (
	"net/http"
	"time"

	"github.com/nickyhof/ForkDB/core"
	"github.com/nickyhof/ForkDB/op"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the ForkDB collectors. It observes both the statement
// engine and experiment lifecycle events.
type Metrics struct {
	registry *prometheus.Registry

	worldsCreated     prometheus.Counter
	statementsTotal   *prometheus.CounterVec
	statementDuration *prometheus.HistogramVec
	repairsTotal      *prometheus.CounterVec
	commitsTotal      prometheus.Counter
	rollbacksTotal    prometheus.Counter
	selectionsRefused prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		worldsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_worlds_created_total",
			Help: "Worlds branched for experiments",
		}),
		statementsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forkdb_statements_total",
			Help: "Executed statements by kind and outcome",
		}, []string{"kind", "outcome"}),
		statementDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forkdb_statement_duration_seconds",
			Help:    "Statement execution duration",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"kind"}),
		repairsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "forkdb_repairs_total",
			Help: "Repair attempts by outcome",
		}, []string{"outcome"}),
		commitsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_commits_total",
			Help: "Worlds promoted into mainline",
		}),
		rollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_rollbacks_total",
			Help: "Worlds rolled back by finalize",
		}),
		selectionsRefused: factory.NewCounter(prometheus.CounterOpts{
			Name: "forkdb_selections_refused_total",
			Help: "Finalize calls refused because the chosen world was invalid",
		}),
	}
}

func (m *Metrics) StatementExecuted(kind core.Kind, ok bool, elapsed time.Duration) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.statementsTotal.WithLabelValues(string(kind), outcome).Inc()
	m.statementDuration.WithLabelValues(string(kind)).Observe(elapsed.Seconds())
}

func (m *Metrics) WorldCreated() {
	m.worldsCreated.Inc()
}

func (m *Metrics) RepairAttempted(outcome op.RepairOutcome) {
	m.repairsTotal.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) Finalized(report op.FinalizeReport) {
	if report.Selection != nil {
		m.selectionsRefused.Inc()
	}
	if report.Committed != "" {
		m.commitsTotal.Inc()
	}
	m.rollbacksTotal.Add(float64(len(report.RolledBack)))
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
