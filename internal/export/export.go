// Package export publishes monitor activity as Prometheus metrics, so an
// embedding service can surface query health on its existing /metrics
// endpoint without extra wiring.
package export

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/querywatch/querywatch/pkg/types"
)

// Exporter translates executions, patterns, and alerts into Prometheus
// counters and histograms. All methods are safe for concurrent use.
type Exporter struct {
	queryTotal    *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	alertsTotal   *prometheus.CounterVec
	patternsTotal *prometheus.CounterVec
}

// New registers the monitor's metric families on the given registerer.
func New(reg prometheus.Registerer) *Exporter {
	factory := promauto.With(reg)
	return &Exporter{
		queryTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "querywatch_query_total",
			Help: "Total finished query executions.",
		}, []string{"query_type", "table", "status"}),
		queryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "querywatch_query_errors_total",
			Help: "Total failed query executions.",
		}, []string{"query_type", "table"}),
		queryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name: "querywatch_query_duration_seconds",
			Help: "Query execution latency.",
			// Query latencies span sub-millisecond cache hits to multi
			// second table scans, so the default buckets are too coarse.
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"query_type", "table"}),
		alertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "querywatch_alerts_total",
			Help: "Total raised performance alerts.",
		}, []string{"alert_type", "severity"}),
		patternsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "querywatch_patterns_total",
			Help: "Total detected query patterns.",
		}, []string{"pattern_type"}),
	}
}

// ObserveExecution records one finished execution.
func (e *Exporter) ObserveExecution(exec types.QueryExecution) {
	queryType := string(exec.QueryType)
	table := exec.TableName
	if table == "" {
		table = "unknown"
	}

	e.queryTotal.WithLabelValues(queryType, table, string(exec.Status)).Inc()
	e.queryDuration.WithLabelValues(queryType, table).Observe(exec.Duration.Seconds())
	if exec.Status == types.StatusError || exec.Status == types.StatusTimeout {
		e.queryErrors.WithLabelValues(queryType, table).Inc()
	}
}

// ObserveAlert records one raised alert.
func (e *Exporter) ObserveAlert(alert types.PerformanceAlert) {
	e.alertsTotal.WithLabelValues(string(alert.AlertType), alert.Severity.String()).Inc()
}

// ObservePattern records one detected pattern.
func (e *Exporter) ObservePattern(p types.QueryPattern) {
	e.patternsTotal.WithLabelValues(string(p.PatternType)).Inc()
}
