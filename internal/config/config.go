// Package config provides unified configuration for the query performance
// monitoring engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/querywatch/querywatch/internal/errors"
)

// Config holds the process-wide monitoring configuration. It is fixed at
// startup; runtime mutation happens only through Monitor.UpdateConfig,
// which swaps the whole structure atomically.
type Config struct {
	// Enabled is the master switch. When false, Start/Finish become
	// no-ops returning a sentinel id.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// TrackPatterns enables the pattern detector.
	TrackPatterns bool `json:"track_patterns" yaml:"track_patterns"`

	// CollectStackTraces captures a stack trace for executions exceeding
	// SlowQueryThreshold.
	CollectStackTraces bool `json:"collect_stack_traces" yaml:"collect_stack_traces"`

	// Duration boundaries classifying an execution into severity buckets.
	// Must be strictly increasing.
	SlowQueryThreshold     time.Duration `json:"slow_query_threshold" yaml:"slow_query_threshold"`
	VerySlowQueryThreshold time.Duration `json:"very_slow_query_threshold" yaml:"very_slow_query_threshold"`
	CriticalQueryThreshold time.Duration `json:"critical_query_threshold" yaml:"critical_query_threshold"`

	// N+1 detection: minimum occurrence count within the sliding window.
	NPlusOneThreshold  int           `json:"n_plus_one_threshold" yaml:"n_plus_one_threshold"`
	NPlusOneTimeWindow time.Duration `json:"n_plus_one_time_window" yaml:"n_plus_one_time_window"`

	// Frequency anomaly: a hash whose short-window rate exceeds its own
	// historical rate by this factor fires a FREQUENCY_ANOMALY pattern.
	// FrequencyAnomalyMinCount is the occurrence floor before the rule is
	// considered at all.
	FrequencyAnomalyFactor   float64 `json:"frequency_anomaly_factor" yaml:"frequency_anomaly_factor"`
	FrequencyAnomalyMinCount int     `json:"frequency_anomaly_min_count" yaml:"frequency_anomaly_min_count"`

	// High-error-rate alerting.
	ErrorRateThreshold float64       `json:"error_rate_threshold" yaml:"error_rate_threshold"`
	ErrorRateWindow    time.Duration `json:"error_rate_window" yaml:"error_rate_window"`

	// Degradation alerting: fractional increase of the current-window
	// average over the baseline window that triggers an alert. The
	// baseline window ends where the current window starts.
	DegradationThreshold      float64       `json:"degradation_threshold" yaml:"degradation_threshold"`
	DegradationCurrentWindow  time.Duration `json:"degradation_current_window" yaml:"degradation_current_window"`
	DegradationBaselineWindow time.Duration `json:"degradation_baseline_window" yaml:"degradation_baseline_window"`

	// Ring store eviction caps.
	MaxQueryHistory   int `json:"max_query_history" yaml:"max_query_history"`
	MaxPatternHistory int `json:"max_pattern_history" yaml:"max_pattern_history"`
	MaxAlertHistory   int `json:"max_alert_history" yaml:"max_alert_history"`

	// AnalyticsInterval is the scheduler period. It also serves as the
	// alert deduplication cooldown (one evaluation cycle per key).
	AnalyticsInterval time.Duration `json:"analytics_interval" yaml:"analytics_interval"`

	// MetricsWindow is the default lookback for on-demand metrics.
	MetricsWindow time.Duration `json:"metrics_window" yaml:"metrics_window"`

	// TrendBucket is the sub-interval size for trend data.
	TrendBucket time.Duration `json:"trend_bucket" yaml:"trend_bucket"`

	// InFlightTTL bounds leaked in-flight entries: entries older than this
	// are force-finished as TIMEOUT by the scheduler pass. 0 disables.
	InFlightTTL time.Duration `json:"in_flight_ttl" yaml:"in_flight_ttl"`

	// Archive configures the optional eviction archive.
	Archive ArchiveConfig `json:"archive" yaml:"archive"`
}

// ArchiveConfig configures the snappy-compressed segment archive for
// records evicted from the query history ring.
type ArchiveConfig struct {
	// Enabled controls whether evicted records are archived.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Dir is the directory for archive segment files.
	Dir string `json:"dir" yaml:"dir"`

	// MaxSegmentSize is the segment rotation threshold in bytes.
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`
}

// DefaultConfig returns the default monitoring configuration.
func DefaultConfig() *Config {
	return &Config{
		Enabled:                   true,
		TrackPatterns:             true,
		CollectStackTraces:        false,
		SlowQueryThreshold:        1 * time.Second,
		VerySlowQueryThreshold:    5 * time.Second,
		CriticalQueryThreshold:    30 * time.Second,
		NPlusOneThreshold:         10,
		NPlusOneTimeWindow:        60 * time.Second,
		FrequencyAnomalyFactor:    10,
		FrequencyAnomalyMinCount:  50,
		ErrorRateThreshold:        0.05,
		ErrorRateWindow:           5 * time.Minute,
		DegradationThreshold:      0.5,
		DegradationCurrentWindow:  5 * time.Minute,
		DegradationBaselineWindow: 1 * time.Hour,
		MaxQueryHistory:           10000,
		MaxPatternHistory:         1000,
		MaxAlertHistory:           1000,
		AnalyticsInterval:         60 * time.Second,
		MetricsWindow:             1 * time.Hour,
		TrendBucket:               1 * time.Minute,
		InFlightTTL:               10 * time.Minute,
		Archive: ArchiveConfig{
			Enabled:        false,
			Dir:            "",
			MaxSegmentSize: 16 * 1024 * 1024,
		},
	}
}

// Validate validates the configuration. Violations are fatal to startup.
func (c *Config) Validate() error {
	if c.SlowQueryThreshold <= 0 {
		return errors.NewValidationError(errors.CodeInvalidThresholds,
			"slow_query_threshold must be positive")
	}
	if c.VerySlowQueryThreshold <= c.SlowQueryThreshold {
		return errors.NewValidationError(errors.CodeInvalidThresholds,
			fmt.Sprintf("very_slow_query_threshold (%s) must exceed slow_query_threshold (%s)",
				c.VerySlowQueryThreshold, c.SlowQueryThreshold))
	}
	if c.CriticalQueryThreshold <= c.VerySlowQueryThreshold {
		return errors.NewValidationError(errors.CodeInvalidThresholds,
			fmt.Sprintf("critical_query_threshold (%s) must exceed very_slow_query_threshold (%s)",
				c.CriticalQueryThreshold, c.VerySlowQueryThreshold))
	}

	if c.NPlusOneThreshold < 2 {
		return errors.NewValidationError(errors.CodeInvalidThresholds,
			fmt.Sprintf("n_plus_one_threshold must be at least 2, got %d", c.NPlusOneThreshold))
	}
	if c.NPlusOneTimeWindow <= 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"n_plus_one_time_window must be positive")
	}
	if c.FrequencyAnomalyFactor <= 1 {
		return errors.NewValidationError(errors.CodeInvalidThresholds,
			fmt.Sprintf("frequency_anomaly_factor must exceed 1, got %g", c.FrequencyAnomalyFactor))
	}

	if c.ErrorRateThreshold <= 0 || c.ErrorRateThreshold > 1 {
		return errors.NewValidationError(errors.CodeInvalidRate,
			fmt.Sprintf("error_rate_threshold must be in (0, 1], got %g", c.ErrorRateThreshold))
	}
	if c.ErrorRateWindow <= 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"error_rate_window must be positive")
	}

	if c.DegradationThreshold <= 0 {
		return errors.NewValidationError(errors.CodeInvalidRate,
			"degradation_threshold must be positive")
	}
	if c.DegradationCurrentWindow <= 0 || c.DegradationBaselineWindow <= 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"degradation windows must be positive")
	}

	if c.MaxQueryHistory <= 0 || c.MaxPatternHistory <= 0 || c.MaxAlertHistory <= 0 {
		return errors.NewValidationError(errors.CodeInvalidHistoryCap,
			"history caps must be positive")
	}

	if c.AnalyticsInterval <= 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"analytics_interval must be positive")
	}
	if c.MetricsWindow <= 0 || c.TrendBucket <= 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"metrics_window and trend_bucket must be positive")
	}
	if c.InFlightTTL < 0 {
		return errors.NewValidationError(errors.CodeInvalidWindow,
			"in_flight_ttl must not be negative")
	}

	if c.Archive.Enabled {
		if c.Archive.Dir == "" {
			return errors.NewValidationError(errors.CodeInvalidWindow,
				"archive.dir is required when archive is enabled")
		}
		if c.Archive.MaxSegmentSize <= 0 {
			return errors.NewValidationError(errors.CodeInvalidWindow,
				"archive.max_segment_size must be positive")
		}
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file, applied over
// the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration overrides from environment variables.
// Environment variables use the QUERYWATCH_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("QUERYWATCH_ENABLED"); v != "" {
		cfg.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QUERYWATCH_TRACK_PATTERNS"); v != "" {
		cfg.TrackPatterns = v == "true" || v == "1"
	}
	if v := os.Getenv("QUERYWATCH_COLLECT_STACK_TRACES"); v != "" {
		cfg.CollectStackTraces = v == "true" || v == "1"
	}

	setDuration := func(name string, dst *time.Duration) {
		if v := os.Getenv(name); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}

	setDuration("QUERYWATCH_SLOW_QUERY_THRESHOLD", &cfg.SlowQueryThreshold)
	setDuration("QUERYWATCH_VERY_SLOW_QUERY_THRESHOLD", &cfg.VerySlowQueryThreshold)
	setDuration("QUERYWATCH_CRITICAL_QUERY_THRESHOLD", &cfg.CriticalQueryThreshold)
	setInt("QUERYWATCH_N_PLUS_ONE_THRESHOLD", &cfg.NPlusOneThreshold)
	setDuration("QUERYWATCH_N_PLUS_ONE_TIME_WINDOW", &cfg.NPlusOneTimeWindow)
	setFloat("QUERYWATCH_FREQUENCY_ANOMALY_FACTOR", &cfg.FrequencyAnomalyFactor)
	setInt("QUERYWATCH_FREQUENCY_ANOMALY_MIN_COUNT", &cfg.FrequencyAnomalyMinCount)
	setFloat("QUERYWATCH_ERROR_RATE_THRESHOLD", &cfg.ErrorRateThreshold)
	setDuration("QUERYWATCH_ERROR_RATE_WINDOW", &cfg.ErrorRateWindow)
	setFloat("QUERYWATCH_DEGRADATION_THRESHOLD", &cfg.DegradationThreshold)
	setDuration("QUERYWATCH_DEGRADATION_CURRENT_WINDOW", &cfg.DegradationCurrentWindow)
	setDuration("QUERYWATCH_DEGRADATION_BASELINE_WINDOW", &cfg.DegradationBaselineWindow)
	setInt("QUERYWATCH_MAX_QUERY_HISTORY", &cfg.MaxQueryHistory)
	setInt("QUERYWATCH_MAX_PATTERN_HISTORY", &cfg.MaxPatternHistory)
	setInt("QUERYWATCH_MAX_ALERT_HISTORY", &cfg.MaxAlertHistory)
	setDuration("QUERYWATCH_ANALYTICS_INTERVAL", &cfg.AnalyticsInterval)
	setDuration("QUERYWATCH_METRICS_WINDOW", &cfg.MetricsWindow)
	setDuration("QUERYWATCH_TREND_BUCKET", &cfg.TrendBucket)
	setDuration("QUERYWATCH_IN_FLIGHT_TTL", &cfg.InFlightTTL)

	if v := os.Getenv("QUERYWATCH_ARCHIVE_ENABLED"); v != "" {
		cfg.Archive.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("QUERYWATCH_ARCHIVE_DIR"); v != "" {
		cfg.Archive.Dir = v
	}
	if v := os.Getenv("QUERYWATCH_ARCHIVE_MAX_SEGMENT_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Archive.MaxSegmentSize = n
		}
	}
}
