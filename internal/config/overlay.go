package config

import "time"

// Overlay is a partial configuration: only non-nil fields are applied.
// Monitor.UpdateConfig applies an overlay to a copy of the current
// configuration, validates the result, and swaps it atomically.
type Overlay struct {
	Enabled            *bool `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	TrackPatterns      *bool `json:"track_patterns,omitempty" yaml:"track_patterns,omitempty"`
	CollectStackTraces *bool `json:"collect_stack_traces,omitempty" yaml:"collect_stack_traces,omitempty"`

	SlowQueryThreshold     *time.Duration `json:"slow_query_threshold,omitempty" yaml:"slow_query_threshold,omitempty"`
	VerySlowQueryThreshold *time.Duration `json:"very_slow_query_threshold,omitempty" yaml:"very_slow_query_threshold,omitempty"`
	CriticalQueryThreshold *time.Duration `json:"critical_query_threshold,omitempty" yaml:"critical_query_threshold,omitempty"`

	NPlusOneThreshold  *int           `json:"n_plus_one_threshold,omitempty" yaml:"n_plus_one_threshold,omitempty"`
	NPlusOneTimeWindow *time.Duration `json:"n_plus_one_time_window,omitempty" yaml:"n_plus_one_time_window,omitempty"`

	FrequencyAnomalyFactor   *float64 `json:"frequency_anomaly_factor,omitempty" yaml:"frequency_anomaly_factor,omitempty"`
	FrequencyAnomalyMinCount *int     `json:"frequency_anomaly_min_count,omitempty" yaml:"frequency_anomaly_min_count,omitempty"`

	ErrorRateThreshold *float64       `json:"error_rate_threshold,omitempty" yaml:"error_rate_threshold,omitempty"`
	ErrorRateWindow    *time.Duration `json:"error_rate_window,omitempty" yaml:"error_rate_window,omitempty"`

	DegradationThreshold      *float64       `json:"degradation_threshold,omitempty" yaml:"degradation_threshold,omitempty"`
	DegradationCurrentWindow  *time.Duration `json:"degradation_current_window,omitempty" yaml:"degradation_current_window,omitempty"`
	DegradationBaselineWindow *time.Duration `json:"degradation_baseline_window,omitempty" yaml:"degradation_baseline_window,omitempty"`

	MaxQueryHistory   *int `json:"max_query_history,omitempty" yaml:"max_query_history,omitempty"`
	MaxPatternHistory *int `json:"max_pattern_history,omitempty" yaml:"max_pattern_history,omitempty"`
	MaxAlertHistory   *int `json:"max_alert_history,omitempty" yaml:"max_alert_history,omitempty"`

	AnalyticsInterval *time.Duration `json:"analytics_interval,omitempty" yaml:"analytics_interval,omitempty"`
	MetricsWindow     *time.Duration `json:"metrics_window,omitempty" yaml:"metrics_window,omitempty"`
	TrendBucket       *time.Duration `json:"trend_bucket,omitempty" yaml:"trend_bucket,omitempty"`
	InFlightTTL       *time.Duration `json:"in_flight_ttl,omitempty" yaml:"in_flight_ttl,omitempty"`
}

// Apply returns a copy of base with every non-nil overlay field applied.
// The result is not validated; callers validate before swapping it in.
func (o Overlay) Apply(base Config) Config {
	cfg := base

	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setFloat := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *time.Duration) {
		if src != nil {
			*dst = *src
		}
	}

	setBool(&cfg.Enabled, o.Enabled)
	setBool(&cfg.TrackPatterns, o.TrackPatterns)
	setBool(&cfg.CollectStackTraces, o.CollectStackTraces)
	setDuration(&cfg.SlowQueryThreshold, o.SlowQueryThreshold)
	setDuration(&cfg.VerySlowQueryThreshold, o.VerySlowQueryThreshold)
	setDuration(&cfg.CriticalQueryThreshold, o.CriticalQueryThreshold)
	setInt(&cfg.NPlusOneThreshold, o.NPlusOneThreshold)
	setDuration(&cfg.NPlusOneTimeWindow, o.NPlusOneTimeWindow)
	setFloat(&cfg.FrequencyAnomalyFactor, o.FrequencyAnomalyFactor)
	setInt(&cfg.FrequencyAnomalyMinCount, o.FrequencyAnomalyMinCount)
	setFloat(&cfg.ErrorRateThreshold, o.ErrorRateThreshold)
	setDuration(&cfg.ErrorRateWindow, o.ErrorRateWindow)
	setFloat(&cfg.DegradationThreshold, o.DegradationThreshold)
	setDuration(&cfg.DegradationCurrentWindow, o.DegradationCurrentWindow)
	setDuration(&cfg.DegradationBaselineWindow, o.DegradationBaselineWindow)
	setInt(&cfg.MaxQueryHistory, o.MaxQueryHistory)
	setInt(&cfg.MaxPatternHistory, o.MaxPatternHistory)
	setInt(&cfg.MaxAlertHistory, o.MaxAlertHistory)
	setDuration(&cfg.AnalyticsInterval, o.AnalyticsInterval)
	setDuration(&cfg.MetricsWindow, o.MetricsWindow)
	setDuration(&cfg.TrendBucket, o.TrendBucket)
	setDuration(&cfg.InFlightTTL, o.InFlightTTL)

	return cfg
}
