package types

import "time"

// AlertType classifies the exceptional condition an alert reports.
type AlertType string

const (
	AlertSlowQuery               AlertType = "SLOW_QUERY"
	AlertNPlusOne                AlertType = "N_PLUS_ONE"
	AlertHighErrorRate           AlertType = "HIGH_ERROR_RATE"
	AlertPerformanceDegradation  AlertType = "PERFORMANCE_DEGRADATION"
	AlertConnectionPoolExhausted AlertType = "CONNECTION_POOL_EXHAUSTION"
	AlertQueryTimeout            AlertType = "QUERY_TIMEOUT"
)

// External reports whether the alert type is raised by the database-access
// collaborator rather than detected by the engine itself.
func (t AlertType) External() bool {
	return t == AlertConnectionPoolExhausted || t == AlertQueryTimeout
}

// Severity ranks alerts. Severities are ordered: Info < Warning < Error <
// Critical.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the canonical upper-case name of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// PerformanceAlert is a notification of an exceptional condition. Alerts
// are immutable once raised; at most one alert per deduplication key is
// raised within the cooldown window.
type PerformanceAlert struct {
	ID                 string            `json:"id"`
	AlertType          AlertType         `json:"alert_type"`
	Severity           Severity          `json:"severity"`
	Message            string            `json:"message"`
	TableName          string            `json:"table_name,omitempty"`
	RelatedExecutionID string            `json:"related_execution_id,omitempty"`
	RelatedPatternID   string            `json:"related_pattern_id,omitempty"`
	RaisedAt           time.Time         `json:"raised_at"`
	Context            map[string]string `json:"context,omitempty"`
}
