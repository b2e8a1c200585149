// Package alerting evaluates threshold rules against executions, patterns,
// and analytics snapshots, and dispatches deduplicated, severity-ranked
// alerts to registered callbacks.
package alerting

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/internal/errors"
	"github.com/querywatch/querywatch/internal/history"
	"github.com/querywatch/querywatch/pkg/types"
)

// ConfigProvider returns the current configuration.
type ConfigProvider func() *config.Config

// Callback receives raised alerts. Callbacks run synchronously, in
// registration order; a panicking callback is caught and logged and does
// not prevent subsequent callbacks from running.
type Callback func(types.PerformanceAlert)

// CallbackHandle identifies a registered callback for removal.
type CallbackHandle uint64

type registration struct {
	id CallbackHandle
	fn Callback
}

// Alerter owns the per-key alert state machine (QUIET -> RAISED ->
// cooldown -> QUIET), the alert history ring, and callback dispatch.
type Alerter struct {
	mu         sync.Mutex
	callbacks  []registration
	nextHandle CallbackHandle
	lastRaised map[string]time.Time

	cfg     ConfigProvider
	hist    *history.Ring[types.PerformanceAlert]
	logger  *zap.Logger
	onRaise func(types.PerformanceAlert)
}

// New creates an alerter writing raised alerts to the given history ring.
func New(cfg ConfigProvider, hist *history.Ring[types.PerformanceAlert], logger *zap.Logger) *Alerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Alerter{
		lastRaised: make(map[string]time.Time),
		cfg:        cfg,
		hist:       hist,
		logger:     logger,
	}
}

// OnRaise registers an internal hook invoked for every raised alert,
// before user callbacks. Used for the metrics exporter.
func (a *Alerter) OnRaise(fn func(types.PerformanceAlert)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.onRaise = fn
}

// AddCallback registers an alert callback and returns its removal handle.
func (a *Alerter) AddCallback(fn Callback) CallbackHandle {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextHandle++
	a.callbacks = append(a.callbacks, registration{id: a.nextHandle, fn: fn})
	return a.nextHandle
}

// RemoveCallback unregisters a callback by handle. Unknown handles are
// ignored.
func (a *Alerter) RemoveCallback(h CallbackHandle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, reg := range a.callbacks {
		if reg.id == h {
			a.callbacks = append(a.callbacks[:i], a.callbacks[i+1:]...)
			return
		}
	}
}

// CheckExecution applies the SLOW_QUERY rule at Finish time. Severity
// scales with the highest duration threshold crossed.
func (a *Alerter) CheckExecution(exec types.QueryExecution) {
	cfg := a.cfg()
	if exec.Duration < cfg.SlowQueryThreshold {
		return
	}

	severity := types.SeverityWarning
	switch {
	case exec.Duration >= cfg.CriticalQueryThreshold:
		severity = types.SeverityCritical
	case exec.Duration >= cfg.VerySlowQueryThreshold:
		severity = types.SeverityError
	}

	a.Raise(types.PerformanceAlert{
		AlertType:          types.AlertSlowQuery,
		Severity:           severity,
		Message:            fmt.Sprintf("slow query on %s: %s took %s", tableOrUnknown(exec.TableName), exec.QueryType, exec.Duration),
		TableName:          exec.TableName,
		RelatedExecutionID: exec.ID,
		Context: map[string]string{
			"query_hash": exec.QueryHash,
			"duration":   exec.Duration.String(),
		},
	})
}

// CheckPattern applies the N_PLUS_ONE rule when the detector emits a new
// pattern. Severity escalates when the burst is well past the threshold.
func (a *Alerter) CheckPattern(p types.QueryPattern) {
	if p.PatternType != types.PatternNPlusOne {
		return
	}
	cfg := a.cfg()

	severity := types.SeverityWarning
	if p.OccurrenceCount > 5*cfg.NPlusOneThreshold {
		severity = types.SeverityError
	}

	a.Raise(types.PerformanceAlert{
		AlertType:        types.AlertNPlusOne,
		Severity:         severity,
		Message:          fmt.Sprintf("N+1 pattern on %s: %d occurrences in %s", tableOrUnknown(p.TableName), p.OccurrenceCount, p.WindowEnd.Sub(p.WindowStart)),
		TableName:        p.TableName,
		RelatedPatternID: p.ID,
		Context: map[string]string{
			"query_hash": p.QueryHash,
			"frequency":  fmt.Sprintf("%.2f/s", p.Frequency),
		},
	})
}

// CheckErrorRate applies the HIGH_ERROR_RATE rule on the scheduler cadence.
func (a *Alerter) CheckErrorRate(rate float64, failed, total int) {
	cfg := a.cfg()
	if total == 0 || rate < cfg.ErrorRateThreshold {
		return
	}

	severity := types.SeverityError
	if rate >= 2*cfg.ErrorRateThreshold {
		severity = types.SeverityCritical
	}

	a.Raise(types.PerformanceAlert{
		AlertType: types.AlertHighErrorRate,
		Severity:  severity,
		Message:   fmt.Sprintf("error rate %.2f%% (%d/%d) over %s", rate*100, failed, total, cfg.ErrorRateWindow),
		Context: map[string]string{
			"error_rate": fmt.Sprintf("%.4f", rate),
			"threshold":  fmt.Sprintf("%.4f", cfg.ErrorRateThreshold),
		},
	})
}

// CheckDegradation compares the current-window average duration against
// the baseline window ending before it, on the scheduler cadence.
func (a *Alerter) CheckDegradation(current, baseline time.Duration, baselineSamples int) {
	cfg := a.cfg()
	if baseline <= 0 || baselineSamples == 0 {
		return
	}

	increase := (current - baseline).Seconds() / baseline.Seconds()
	if increase < cfg.DegradationThreshold {
		return
	}

	severity := types.SeverityWarning
	if increase >= 2*cfg.DegradationThreshold {
		severity = types.SeverityError
	}

	a.Raise(types.PerformanceAlert{
		AlertType: types.AlertPerformanceDegradation,
		Severity:  severity,
		Message:   fmt.Sprintf("avg duration %s is %.0f%% above baseline %s", current, increase*100, baseline),
		Context: map[string]string{
			"current":  current.String(),
			"baseline": baseline.String(),
		},
	})
}

// RaiseExternal validates and raises an alert reported by the database
// access collaborator (pool exhaustion, query timeout). The engine only
// dedupes and dispatches these; it does not detect them itself.
func (a *Alerter) RaiseExternal(alertType types.AlertType, message string, context map[string]string) error {
	if !alertType.External() {
		return errors.New(errors.ErrCategoryAlerting, errors.CodeUnknownAlertType,
			fmt.Sprintf("alert type %q cannot be raised externally", alertType))
	}

	severity := types.SeverityError
	if alertType == types.AlertConnectionPoolExhausted {
		severity = types.SeverityCritical
	}

	a.Raise(types.PerformanceAlert{
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Context:   context,
	})
	return nil
}

// Raise records and dispatches an alert unless its deduplication key is
// inside the cooldown window. Returns true when the alert was raised.
//
// Cooldown policy: fixed per-key cooldown of one evaluation cycle
// (the analytics interval), so a sustained condition produces at most one
// alert per cycle per key.
func (a *Alerter) Raise(alert types.PerformanceAlert) bool {
	cfg := a.cfg()
	now := time.Now()
	key := dedupKey(alert)

	a.mu.Lock()
	if last, ok := a.lastRaised[key]; ok && now.Sub(last) < cfg.AnalyticsInterval {
		a.mu.Unlock()
		return false
	}
	a.lastRaised[key] = now

	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.RaisedAt.IsZero() {
		alert.RaisedAt = now
	}

	callbacks := make([]registration, len(a.callbacks))
	copy(callbacks, a.callbacks)
	onRaise := a.onRaise
	a.mu.Unlock()

	a.hist.Append(alert)
	if onRaise != nil {
		onRaise(alert)
	}

	for _, reg := range callbacks {
		a.dispatch(reg, alert)
	}
	return true
}

// dispatch invokes one callback, converting a panic into a logged
// CallbackError so subsequent callbacks still run.
func (a *Alerter) dispatch(reg registration, alert types.PerformanceAlert) {
	defer func() {
		if r := recover(); r != nil {
			err := errors.NewCallbackError("alert callback panicked", fmt.Errorf("%v", r))
			a.logger.Error("alert callback failed",
				zap.String("alert_type", string(alert.AlertType)),
				zap.String("severity", alert.Severity.String()),
				zap.Uint64("callback", uint64(reg.id)),
				zap.Error(err))
		}
	}()
	reg.fn(alert)
}

// dedupKey builds the suppression key: alert type plus the most specific
// discriminator available.
func dedupKey(alert types.PerformanceAlert) string {
	discriminator := alert.TableName
	if discriminator == "" {
		discriminator = alert.RelatedExecutionID
	}
	if discriminator == "" {
		discriminator = alert.RelatedPatternID
	}
	return string(alert.AlertType) + "|" + discriminator
}

// ResetCooldowns clears suppression state. Used after a config swap that
// changes alerting thresholds.
func (a *Alerter) ResetCooldowns() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastRaised = make(map[string]time.Time)
}

func tableOrUnknown(table string) string {
	if table == "" {
		return "<unknown>"
	}
	return table
}
