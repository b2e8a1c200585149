// Package monitor is the public facade of the query performance monitoring
// engine. A Monitor observes query executions, detects N+1 and frequency
// anomaly patterns, computes windowed analytics, and raises deduplicated
// alerts, all in-process with bounded memory.
package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/alerting"
	"github.com/querywatch/querywatch/internal/analytics"
	"github.com/querywatch/querywatch/internal/archive"
	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/internal/errors"
	"github.com/querywatch/querywatch/internal/export"
	"github.com/querywatch/querywatch/internal/history"
	"github.com/querywatch/querywatch/internal/pattern"
	"github.com/querywatch/querywatch/internal/scheduler"
	"github.com/querywatch/querywatch/internal/tracker"
	"github.com/querywatch/querywatch/pkg/types"
)

// StartOptions carries the optional attributes of a Start call.
type StartOptions = tracker.StartOptions

// AlertCallback receives raised alerts. Callbacks run synchronously in
// registration order; a panicking callback is isolated and logged.
type AlertCallback = alerting.Callback

// CallbackHandle identifies a registered alert callback for removal.
type CallbackHandle = alerting.CallbackHandle

// Option configures a Monitor at construction time.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	registry prometheus.Registerer
}

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegistry enables the Prometheus adapter, registering the engine's
// metric families on the given registerer.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(o *options) { o.registry = reg }
}

// Monitor is the engine facade. All methods are safe for concurrent use.
// Start and Finish are designed for the hot path: they take short-lived
// in-memory locks and never block on I/O or analytics.
type Monitor struct {
	cfg    atomic.Pointer[config.Config]
	closed atomic.Bool
	logger *zap.Logger

	tracker   *tracker.Tracker
	detector  *pattern.Detector
	analytics *analytics.Engine
	alerter   *alerting.Alerter
	daemon    *scheduler.Daemon

	queryHist   *history.Ring[types.QueryExecution]
	patternHist *history.Ring[types.QueryPattern]
	alertHist   *history.Ring[types.PerformanceAlert]

	archiver *archive.Archiver
	exporter *export.Exporter
}

// New creates and starts a monitor. A nil cfg uses defaults. The periodic
// analytics scheduler starts immediately and runs until Close.
func New(cfg *config.Config, opts ...Option) (*Monitor, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}

	m := &Monitor{logger: o.logger}
	snapshot := *cfg
	m.cfg.Store(&snapshot)
	provider := func() *config.Config { return m.cfg.Load() }

	m.queryHist = history.NewRing[types.QueryExecution](snapshot.MaxQueryHistory)
	m.patternHist = history.NewRing[types.QueryPattern](snapshot.MaxPatternHistory)
	alertHist := history.NewRing[types.PerformanceAlert](snapshot.MaxAlertHistory)

	m.tracker = tracker.New(provider, o.logger)
	m.detector = pattern.New(provider)
	m.analytics = analytics.New(provider, o.logger)
	m.alerter = alerting.New(provider, alertHist, o.logger)
	m.alertHist = alertHist

	if snapshot.Archive.Enabled {
		archiver, err := archive.New(snapshot.Archive, o.logger)
		if err != nil {
			return nil, errors.Wrap(errors.ErrCategoryInternal, errors.CodeUnexpected,
				"failed to open eviction archive", err)
		}
		m.archiver = archiver
		m.queryHist.OnEvict(archiver.Append)
	}

	if o.registry != nil {
		m.exporter = export.New(o.registry)
		m.alerter.OnRaise(m.exporter.ObserveAlert)
	}

	m.daemon = scheduler.NewDaemon(
		func() time.Duration { return m.cfg.Load().AnalyticsInterval },
		m.analyticsPass,
		o.logger,
	)
	if err := m.daemon.Start(context.Background()); err != nil {
		return nil, err
	}

	o.logger.Info("query monitor started",
		zap.Bool("enabled", snapshot.Enabled),
		zap.Duration("analytics_interval", snapshot.AnalyticsInterval))
	return m, nil
}

// Close stops the scheduler (an in-flight pass completes first) and closes
// the eviction archive. After Close, Start returns the disabled sentinel
// and mutating calls fail. Close is idempotent.
func (m *Monitor) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := m.daemon.Stop(); err != nil {
		return err
	}
	if m.archiver != nil {
		if err := m.archiver.Close(); err != nil {
			return err
		}
	}
	m.logger.Info("query monitor stopped")
	return nil
}

// Start registers a pending execution and returns its id. When the monitor
// is disabled or closed it returns the sentinel id; Start never fails.
func (m *Monitor) Start(queryType types.QueryType, opts StartOptions) string {
	if m.closed.Load() {
		return types.DisabledExecutionID
	}
	return m.tracker.Start(queryType, opts)
}

// Finish finalizes the execution with a terminal status, feeds the
// completed record through the detection and alerting pipeline, and
// returns the finalized record. Finishing the disabled sentinel is a
// no-op returning a zero-value record.
func (m *Monitor) Finish(id string, status types.ExecutionStatus, errorMessage string) (types.QueryExecution, error) {
	if id == types.DisabledExecutionID {
		return types.QueryExecution{}, nil
	}
	if m.closed.Load() {
		return types.QueryExecution{}, errors.Wrap(errors.ErrCategoryInternal, errors.CodeMonitorClosed,
			"monitor is closed", types.ErrMonitorClosed)
	}

	exec, err := m.tracker.Finish(id, status, errorMessage)
	if err != nil {
		return types.QueryExecution{}, err
	}
	m.record(exec)
	return exec, nil
}

// MonitorScope runs fn inside a Start/Finish pair: SUCCESS when fn returns
// nil, ERROR with the error's message otherwise. The callback's error is
// returned unchanged. A panic inside fn finishes the execution as ERROR
// and re-panics.
func (m *Monitor) MonitorScope(ctx context.Context, queryType types.QueryType, table string, fn func(context.Context) error) error {
	id := m.Start(queryType, StartOptions{TableName: table})

	finished := false
	defer func() {
		if !finished {
			m.Finish(id, types.StatusError, "panic during monitored scope")
		}
	}()

	err := fn(ctx)
	finished = true
	if err != nil {
		m.Finish(id, types.StatusError, err.Error())
		return err
	}
	m.Finish(id, types.StatusSuccess, "")
	return nil
}

// record feeds a completed execution through history, export, pattern
// detection, and alerting. Called on the Finish path and for reaped
// timeouts.
func (m *Monitor) record(exec types.QueryExecution) {
	cfg := m.cfg.Load()

	m.queryHist.Append(exec)
	if m.exporter != nil {
		m.exporter.ObserveExecution(exec)
	}

	if cfg.TrackPatterns {
		for _, p := range m.detector.Observe(exec) {
			m.patternHist.Append(p)
			if m.exporter != nil {
				m.exporter.ObservePattern(p)
			}
			m.logger.Info("query pattern detected",
				zap.String("pattern_type", string(p.PatternType)),
				zap.String("query_hash", p.QueryHash),
				zap.String("table", p.TableName),
				zap.Int("occurrences", p.OccurrenceCount))
			m.alerter.CheckPattern(p)
		}
	}

	m.alerter.CheckExecution(exec)
}

// analyticsPass is the scheduler task: reap stale in-flight entries, apply
// the windowed alert rules, and prune idle pattern state.
func (m *Monitor) analyticsPass(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	cfg := m.cfg.Load()
	now := time.Now()

	for _, exec := range m.tracker.ReapStale(cfg.InFlightTTL) {
		m.record(exec)
	}

	execs := m.queryHist.Snapshot()

	errWindow := m.analytics.Compute(execs, now, cfg.ErrorRateWindow)
	m.alerter.CheckErrorRate(errWindow.ErrorRate, errWindow.FailedQueries, errWindow.TotalQueries)

	currentStart := now.Add(-cfg.DegradationCurrentWindow)
	current, currentSamples := m.analytics.AverageDuration(execs, currentStart, now)
	baseline, baselineSamples := m.analytics.AverageDuration(execs,
		currentStart.Add(-cfg.DegradationBaselineWindow), currentStart)
	if currentSamples > 0 {
		m.alerter.CheckDegradation(current, baseline, baselineSamples)
	}

	m.detector.Prune(now)

	m.logger.Debug("analytics pass complete",
		zap.Int("window_queries", errWindow.TotalQueries),
		zap.Float64("error_rate", errWindow.ErrorRate),
		zap.Int("tracked_shapes", m.detector.TrackedShapes()))
}

// RunAnalyticsNow performs one analytics pass immediately, outside the
// scheduler cadence.
func (m *Monitor) RunAnalyticsNow(ctx context.Context) {
	m.daemon.RunOnce(ctx)
}

// GetPerformanceMetrics computes a metrics snapshot for the window ending
// now. A non-positive window uses the configured MetricsWindow.
func (m *Monitor) GetPerformanceMetrics(window time.Duration) types.PerformanceMetrics {
	if window <= 0 {
		window = m.cfg.Load().MetricsWindow
	}
	return m.analytics.Compute(m.queryHist.Snapshot(), time.Now(), window)
}

// GetSlowQueries returns up to limit executions at or above the duration
// threshold, most recent first. A non-positive threshold uses the
// configured slow-query threshold; a non-positive limit returns all.
func (m *Monitor) GetSlowQueries(limit int, threshold time.Duration) []types.QueryExecution {
	if threshold <= 0 {
		threshold = m.cfg.Load().SlowQueryThreshold
	}

	out := []types.QueryExecution{}
	for _, exec := range m.queryHist.Last(m.queryHist.Len()) {
		if exec.Duration < threshold {
			continue
		}
		out = append(out, exec)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// GetQueryPatterns returns up to limit detected patterns, most recent
// first. A non-positive limit returns all.
func (m *Monitor) GetQueryPatterns(limit int) []types.QueryPattern {
	if limit <= 0 {
		limit = m.patternHist.Len()
	}
	return m.patternHist.Last(limit)
}

// GetPerformanceAlerts returns up to limit alerts at or above minSeverity,
// most recent first. A non-positive limit returns all.
func (m *Monitor) GetPerformanceAlerts(limit int, minSeverity types.Severity) []types.PerformanceAlert {
	out := []types.PerformanceAlert{}
	for _, alert := range m.alertHist.Last(m.alertHist.Len()) {
		if alert.Severity < minSeverity {
			continue
		}
		out = append(out, alert)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// AddAlertCallback registers a callback for raised alerts and returns its
// removal handle.
func (m *Monitor) AddAlertCallback(fn AlertCallback) CallbackHandle {
	return m.alerter.AddCallback(fn)
}

// RemoveAlertCallback unregisters a callback. Unknown handles are ignored.
func (m *Monitor) RemoveAlertCallback(h CallbackHandle) {
	m.alerter.RemoveCallback(h)
}

// RaiseAlert reports an externally detected condition (connection pool
// exhaustion, query timeout). Only collaborator-owned alert types are
// accepted; the alert still goes through deduplication and dispatch.
func (m *Monitor) RaiseAlert(alertType types.AlertType, message string, context map[string]string) error {
	if m.closed.Load() {
		return errors.Wrap(errors.ErrCategoryInternal, errors.CodeMonitorClosed,
			"monitor is closed", types.ErrMonitorClosed)
	}
	return m.alerter.RaiseExternal(alertType, message, context)
}

// Config returns a copy of the current configuration.
func (m *Monitor) Config() config.Config {
	return *m.cfg.Load()
}

// UpdateConfig applies an overlay to the current configuration, validates
// the result, and swaps it atomically. In-progress operations keep the
// snapshot they started with; subsequent operations see the new one.
// History capacities are fixed at construction and cannot be changed here.
func (m *Monitor) UpdateConfig(o config.Overlay) error {
	if m.closed.Load() {
		return errors.Wrap(errors.ErrCategoryInternal, errors.CodeMonitorClosed,
			"monitor is closed", types.ErrMonitorClosed)
	}

	current := m.cfg.Load()
	next := o.Apply(*current)
	if next.MaxQueryHistory != current.MaxQueryHistory ||
		next.MaxPatternHistory != current.MaxPatternHistory ||
		next.MaxAlertHistory != current.MaxAlertHistory {
		return errors.NewValidationError(errors.CodeInvalidHistoryCap,
			"history capacities are fixed at construction")
	}
	if err := next.Validate(); err != nil {
		return err
	}

	m.cfg.Store(&next)
	// Threshold changes invalidate suppression state: re-evaluate fresh.
	m.alerter.ResetCooldowns()
	m.logger.Info("configuration updated")
	return nil
}

// InFlight returns the number of executions started but not yet finished.
func (m *Monitor) InFlight() int {
	return m.tracker.InFlight()
}
