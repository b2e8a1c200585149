package types

import "time"

// PatternType classifies a detected repetitive query cluster.
type PatternType string

const (
	// PatternNPlusOne indicates one query per row of a prior result set
	// instead of a single batched query.
	PatternNPlusOne PatternType = "N_PLUS_ONE"

	// PatternRepetitive indicates a structurally identical query repeated
	// above threshold without the burst shape of an N+1 storm.
	PatternRepetitive PatternType = "REPETITIVE"

	// PatternFrequencyAnomaly indicates a query shape whose short-window
	// rate exceeds its own historical rate by a configured multiple.
	PatternFrequencyAnomaly PatternType = "FREQUENCY_ANOMALY"
)

// QueryPattern is a detected repetitive structural cluster of executions
// sharing a query fingerprint. Patterns are immutable once emitted.
type QueryPattern struct {
	ID              string        `json:"id"`
	PatternType     PatternType   `json:"pattern_type"`
	QueryHash       string        `json:"query_hash"`
	TableName       string        `json:"table_name,omitempty"`
	OccurrenceCount int           `json:"occurrence_count"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	Frequency       float64       `json:"frequency"` // occurrences per second over the window
	FirstSeenAt     time.Time     `json:"first_seen_at"`
	LastSeenAt      time.Time     `json:"last_seen_at"`
	Window          time.Duration `json:"window"` // detection window in effect at emission
}
