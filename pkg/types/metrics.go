package types

import "time"

// GroupStats is the count/latency/error triple computed per table and per
// operation in a metrics snapshot.
type GroupStats struct {
	Count       int           `json:"count"`
	AvgDuration time.Duration `json:"avg_duration"`
	ErrorRate   float64       `json:"error_rate"`
}

// TrendPoint is one fixed sub-interval of the metrics window with its
// average duration, used for charting.
type TrendPoint struct {
	Timestamp   time.Time     `json:"timestamp"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// PerformanceMetrics is a computed snapshot over a lookback window. It is
// a pure function of the query history: two computations over the same
// history and window yield identical snapshots.
type PerformanceMetrics struct {
	WindowStart time.Time `json:"window_start"`
	WindowEnd   time.Time `json:"window_end"`

	TotalQueries      int `json:"total_queries"`
	SuccessfulQueries int `json:"successful_queries"`
	FailedQueries     int `json:"failed_queries"`

	// Classification buckets are inclusive: a critical execution counts in
	// slow, very-slow, and critical.
	SlowQueries     int `json:"slow_queries"`
	VerySlowQueries int `json:"very_slow_queries"`
	CriticalQueries int `json:"critical_queries"`

	AvgDuration    time.Duration `json:"avg_duration"`
	MedianDuration time.Duration `json:"median_duration"`
	P95Duration    time.Duration `json:"p95_duration"`
	P99Duration    time.Duration `json:"p99_duration"`

	ErrorRate  float64 `json:"error_rate"` // failed / total, 0 when total is 0
	Throughput float64 `json:"throughput"` // queries per second over the window

	TableStats     map[string]GroupStats `json:"table_stats"`
	OperationStats map[string]GroupStats `json:"operation_stats"`

	TrendingData []TrendPoint `json:"trending_data"`
}
