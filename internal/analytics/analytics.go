// Package analytics computes windowed performance metrics snapshots from
// query history: latency percentiles, error rate, throughput, per-table
// and per-operation breakdowns, and trend buckets.
//
// Computation is deliberately not incremental: it is a pure O(n log n)
// function over a history snapshot, cheap enough to recompute on the
// scheduler cadence and on explicit request, with no incremental skew.
package analytics

import (
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/types"
)

// ConfigProvider returns the current configuration.
type ConfigProvider func() *config.Config

// Engine produces PerformanceMetrics snapshots over history slices. It
// holds no mutable state; snapshots are computed lock-free over copies.
type Engine struct {
	cfg    ConfigProvider
	logger *zap.Logger
}

// New creates an analytics engine.
func New(cfg ConfigProvider, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{cfg: cfg, logger: logger}
}

// Compute builds a metrics snapshot for the window ending at windowEnd.
// Malformed records are logged and skipped; a pass never fails outright.
// An empty window yields zero-value metrics, not an error.
func (e *Engine) Compute(execs []types.QueryExecution, windowEnd time.Time, window time.Duration) types.PerformanceMetrics {
	cfg := e.cfg()
	windowStart := windowEnd.Add(-window)

	m := types.PerformanceMetrics{
		WindowStart:    windowStart,
		WindowEnd:      windowEnd,
		TableStats:     make(map[string]types.GroupStats),
		OperationStats: make(map[string]types.GroupStats),
		TrendingData:   []types.TrendPoint{},
	}

	type groupAccum struct {
		count  int
		failed int
		total  time.Duration
	}
	tables := make(map[string]*groupAccum)
	operations := make(map[string]*groupAccum)

	bucketSize := cfg.TrendBucket
	bucketCount := int(window / bucketSize)
	if window%bucketSize != 0 {
		bucketCount++
	}
	type trendAccum struct {
		count int
		total time.Duration
	}
	buckets := make([]trendAccum, bucketCount)

	durations := make([]time.Duration, 0, len(execs))
	var totalDuration time.Duration

	for i := range execs {
		exec := &execs[i]
		if !exec.Finished() || exec.FinishedAt.IsZero() {
			continue
		}
		if !exec.FinishedAt.After(windowStart) || exec.FinishedAt.After(windowEnd) {
			continue
		}
		if exec.Duration < 0 || exec.FinishedAt.Before(exec.StartedAt) {
			e.logger.Warn("skipping malformed history record", zap.String("execution_id", exec.ID))
			continue
		}

		m.TotalQueries++
		switch exec.Status {
		case types.StatusSuccess:
			m.SuccessfulQueries++
		default:
			m.FailedQueries++
		}

		// Buckets are inclusive: a critical execution counts in all three.
		if exec.Duration >= cfg.SlowQueryThreshold {
			m.SlowQueries++
		}
		if exec.Duration >= cfg.VerySlowQueryThreshold {
			m.VerySlowQueries++
		}
		if exec.Duration >= cfg.CriticalQueryThreshold {
			m.CriticalQueries++
		}

		durations = append(durations, exec.Duration)
		totalDuration += exec.Duration

		failed := 0
		if exec.Status != types.StatusSuccess {
			failed = 1
		}
		if exec.TableName != "" {
			g := tables[exec.TableName]
			if g == nil {
				g = &groupAccum{}
				tables[exec.TableName] = g
			}
			g.count++
			g.failed += failed
			g.total += exec.Duration
		}
		op := operations[string(exec.QueryType)]
		if op == nil {
			op = &groupAccum{}
			operations[string(exec.QueryType)] = op
		}
		op.count++
		op.failed += failed
		op.total += exec.Duration

		idx := int(exec.FinishedAt.Sub(windowStart) / bucketSize)
		if idx >= 0 && idx < bucketCount {
			buckets[idx].count++
			buckets[idx].total += exec.Duration
		}
	}

	if m.TotalQueries == 0 {
		return m
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	m.AvgDuration = totalDuration / time.Duration(m.TotalQueries)
	m.MedianDuration = percentile(durations, 0.50)
	m.P95Duration = percentile(durations, 0.95)
	m.P99Duration = percentile(durations, 0.99)
	m.ErrorRate = float64(m.FailedQueries) / float64(m.TotalQueries)
	if window > 0 {
		m.Throughput = float64(m.TotalQueries) / window.Seconds()
	}

	for name, g := range tables {
		m.TableStats[name] = types.GroupStats{
			Count:       g.count,
			AvgDuration: g.total / time.Duration(g.count),
			ErrorRate:   float64(g.failed) / float64(g.count),
		}
	}
	for name, g := range operations {
		m.OperationStats[name] = types.GroupStats{
			Count:       g.count,
			AvgDuration: g.total / time.Duration(g.count),
			ErrorRate:   float64(g.failed) / float64(g.count),
		}
	}

	for i, b := range buckets {
		if b.count == 0 {
			continue
		}
		m.TrendingData = append(m.TrendingData, types.TrendPoint{
			Timestamp:   windowStart.Add(time.Duration(i) * bucketSize),
			AvgDuration: b.total / time.Duration(b.count),
		})
	}

	return m
}

// AverageDuration returns the mean duration and sample count of finished
// executions inside (from, to]. Used for the degradation baseline.
func (e *Engine) AverageDuration(execs []types.QueryExecution, from, to time.Time) (time.Duration, int) {
	var total time.Duration
	count := 0
	for i := range execs {
		exec := &execs[i]
		if !exec.Finished() || exec.FinishedAt.IsZero() || exec.Duration < 0 {
			continue
		}
		if !exec.FinishedAt.After(from) || exec.FinishedAt.After(to) {
			continue
		}
		total += exec.Duration
		count++
	}
	if count == 0 {
		return 0, 0
	}
	return total / time.Duration(count), count
}

// percentile applies the nearest-rank rule over an ascending-sorted list:
// rank = ceil(q*n), 1-indexed. The median is nearest-rank p50, so the
// synthetic set 1..100 yields exactly the 50th value.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(q * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
