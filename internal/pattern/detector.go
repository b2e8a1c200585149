// Package pattern detects repetitive structural query shapes: N+1 bursts
// and per-shape frequency anomalies over sliding time windows.
package pattern

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/types"
)

// ConfigProvider returns the current configuration.
type ConfigProvider func() *config.Config

// hashWindow is the per-fingerprint sliding window state.
type hashWindow struct {
	// times holds the occurrence timestamps still inside the sliding
	// window, in insertion (ascending) order.
	times []time.Time

	tableName  string
	firstSeen  time.Time
	totalCount int

	// Emission is edge-triggered: once a rule fires it stays latched
	// until the window drops back below the trigger condition.
	nPlusOneLatched bool
	anomalyLatched  bool
}

// Detector groups completed executions by query fingerprint and emits
// QueryPattern records when a detection rule fires.
type Detector struct {
	mu      sync.Mutex
	windows map[string]*hashWindow
	cfg     ConfigProvider
}

// New creates a pattern detector.
func New(cfg ConfigProvider) *Detector {
	return &Detector{
		windows: make(map[string]*hashWindow),
		cfg:     cfg,
	}
}

// Observe processes one completed execution and returns any patterns it
// triggered. Within a single fingerprint, insertion order is preserved,
// so windows are evaluated against a causally consistent view.
func (d *Detector) Observe(exec types.QueryExecution) []types.QueryPattern {
	if exec.QueryHash == "" {
		return nil
	}

	cfg := d.cfg()
	now := exec.FinishedAt
	if now.IsZero() {
		now = time.Now()
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.windows[exec.QueryHash]
	if !ok {
		w = &hashWindow{firstSeen: now}
		d.windows[exec.QueryHash] = w
	}
	w.tableName = exec.TableName
	w.totalCount++

	// Slide the window: keep only occurrences within the configured
	// window of "now".
	cutoff := now.Add(-cfg.NPlusOneTimeWindow)
	kept := w.times[:0]
	for _, ts := range w.times {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.times = kept

	// Re-arm the edge triggers once the window drops below threshold.
	if len(w.times) < cfg.NPlusOneThreshold {
		w.nPlusOneLatched = false
	}

	w.times = append(w.times, now)

	var patterns []types.QueryPattern

	if len(w.times) >= cfg.NPlusOneThreshold && !w.nPlusOneLatched {
		w.nPlusOneLatched = true
		patterns = append(patterns, d.emit(types.PatternNPlusOne, exec.QueryHash, w, now, cfg))
	}

	if p, ok := d.checkAnomaly(exec.QueryHash, w, now, cfg); ok {
		patterns = append(patterns, p)
	}

	return patterns
}

// checkAnomaly applies the frequency-anomaly rule: the general form of
// which N+1 is the common special case. It compares the shape's
// short-window rate against its own lifetime rate.
func (d *Detector) checkAnomaly(hash string, w *hashWindow, now time.Time, cfg *config.Config) (types.QueryPattern, bool) {
	if w.totalCount < cfg.FrequencyAnomalyMinCount {
		return types.QueryPattern{}, false
	}
	lifetime := now.Sub(w.firstSeen)
	// Too little history to call the short-window rate anomalous.
	if lifetime < 2*cfg.NPlusOneTimeWindow {
		return types.QueryPattern{}, false
	}

	shortRate := float64(len(w.times)) / cfg.NPlusOneTimeWindow.Seconds()
	longRate := float64(w.totalCount) / lifetime.Seconds()

	if shortRate < cfg.FrequencyAnomalyFactor*longRate {
		w.anomalyLatched = false
		return types.QueryPattern{}, false
	}
	if w.anomalyLatched {
		return types.QueryPattern{}, false
	}
	w.anomalyLatched = true
	return d.emit(types.PatternFrequencyAnomaly, hash, w, now, cfg), true
}

// emit builds an immutable pattern record from the current window state.
func (d *Detector) emit(pt types.PatternType, hash string, w *hashWindow, now time.Time, cfg *config.Config) types.QueryPattern {
	windowStart := w.times[0]
	span := now.Sub(windowStart)

	count := len(w.times)
	frequency := float64(count)
	if span > 0 {
		frequency = float64(count) / span.Seconds()
	}

	return types.QueryPattern{
		ID:              uuid.NewString(),
		PatternType:     pt,
		QueryHash:       hash,
		TableName:       w.tableName,
		OccurrenceCount: count,
		WindowStart:     windowStart,
		WindowEnd:       now,
		Frequency:       frequency,
		FirstSeenAt:     w.firstSeen,
		LastSeenAt:      now,
		Window:          cfg.NPlusOneTimeWindow,
	}
}

// Prune drops fingerprints with no occurrences inside the window, bounding
// memory for shapes that stopped recurring. Called on the scheduler cadence.
func (d *Detector) Prune(now time.Time) {
	cfg := d.cfg()
	cutoff := now.Add(-cfg.NPlusOneTimeWindow)

	d.mu.Lock()
	defer d.mu.Unlock()

	for hash, w := range d.windows {
		live := false
		for _, ts := range w.times {
			if ts.After(cutoff) {
				live = true
				break
			}
		}
		if !live {
			delete(d.windows, hash)
		}
	}
}

// TrackedShapes returns the number of fingerprints currently tracked.
func (d *Detector) TrackedShapes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.windows)
}
