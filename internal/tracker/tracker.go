// Package tracker records the lifecycle of individual query invocations,
// from Start to a single terminal Finish.
package tracker

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/internal/errors"
	"github.com/querywatch/querywatch/pkg/types"
)

// ConfigProvider returns the current configuration. The tracker re-reads
// it on every operation so that atomic config swaps take effect for
// subsequent operations only.
type ConfigProvider func() *config.Config

// StartOptions carries the optional attributes of a Start call.
type StartOptions struct {
	TableName string
	UserID    string
	SessionID string

	// Tags describe the structural filter shape of the query. Tag keys
	// participate in the query fingerprint; values do not.
	Tags map[string]string
}

// Tracker owns the in-flight map of pending executions. Start and Finish
// only take short-lived in-memory locks; neither blocks on I/O.
type Tracker struct {
	mu       sync.Mutex
	inflight map[string]*types.QueryExecution

	cfg    ConfigProvider
	logger *zap.Logger
}

// New creates an execution tracker.
func New(cfg ConfigProvider, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		inflight: make(map[string]*types.QueryExecution),
		cfg:      cfg,
		logger:   logger,
	}
}

// Start allocates a unique id and registers a PENDING execution. It never
// fails: when monitoring is disabled it returns the sentinel id and
// records nothing.
func (t *Tracker) Start(queryType types.QueryType, opts StartOptions) string {
	if !t.cfg().Enabled {
		return types.DisabledExecutionID
	}

	exec := &types.QueryExecution{
		ID:        uuid.NewString(),
		QueryType: queryType,
		TableName: opts.TableName,
		UserID:    opts.UserID,
		SessionID: opts.SessionID,
		StartedAt: time.Now(),
		Status:    types.StatusPending,
	}
	if len(opts.Tags) > 0 {
		exec.Tags = make(map[string]string, len(opts.Tags))
		for k, v := range opts.Tags {
			exec.Tags[k] = v
		}
	}

	t.mu.Lock()
	t.inflight[exec.ID] = exec
	t.mu.Unlock()

	return exec.ID
}

// Finish finalizes a pending execution: computes duration, fingerprint,
// and optional stack trace, and removes the entry from the in-flight map.
// Finishing the disabled sentinel is a no-op. Finishing an unknown id
// (no Start, or double-Finish) is a reported, non-fatal error.
func (t *Tracker) Finish(id string, status types.ExecutionStatus, errorMessage string) (types.QueryExecution, error) {
	if id == types.DisabledExecutionID {
		return types.QueryExecution{}, nil
	}
	if !status.Terminal() {
		return types.QueryExecution{}, errors.New(errors.ErrCategoryValidation, errors.CodeInvalidStatus,
			fmt.Sprintf("finish requires a terminal status, got %q", status))
	}

	t.mu.Lock()
	exec, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
	}
	t.mu.Unlock()

	if !ok {
		return types.QueryExecution{}, errors.NewTrackingError(errors.CodeExecutionNotFound,
			fmt.Sprintf("no in-flight execution with id %s", id), types.ErrExecutionNotFound)
	}

	return t.finalize(exec, time.Now(), status, errorMessage), nil
}

// finalize assigns the terminal fields of an execution and returns a copy.
func (t *Tracker) finalize(exec *types.QueryExecution, finishedAt time.Time, status types.ExecutionStatus, errorMessage string) types.QueryExecution {
	cfg := t.cfg()

	exec.FinishedAt = finishedAt
	exec.Duration = finishedAt.Sub(exec.StartedAt)
	if exec.Duration < 0 {
		exec.Duration = 0
	}
	exec.Status = status
	if status == types.StatusError {
		exec.ErrorMessage = errorMessage
	}
	exec.QueryHash = types.Fingerprint(exec.QueryType, exec.TableName, exec.Tags)

	if cfg.CollectStackTraces && exec.Duration >= cfg.SlowQueryThreshold {
		exec.StackTrace = string(debug.Stack())
	}

	return *exec
}

// InFlight returns the number of pending executions.
func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// ReapStale force-finishes in-flight entries older than ttl as TIMEOUT and
// returns the finalized records. Callers that never call Finish would
// otherwise leak entries forever. A ttl of 0 disables reaping.
func (t *Tracker) ReapStale(ttl time.Duration) []types.QueryExecution {
	if ttl <= 0 {
		return nil
	}

	now := time.Now()
	cutoff := now.Add(-ttl)

	t.mu.Lock()
	var stale []*types.QueryExecution
	for id, exec := range t.inflight {
		if exec.StartedAt.Before(cutoff) {
			stale = append(stale, exec)
			delete(t.inflight, id)
		}
	}
	t.mu.Unlock()

	if len(stale) == 0 {
		return nil
	}

	reaped := make([]types.QueryExecution, 0, len(stale))
	for _, exec := range stale {
		reaped = append(reaped, t.finalize(exec, now, types.StatusTimeout, ""))
	}
	t.logger.Warn("reaped stale in-flight executions",
		zap.Int("count", len(reaped)),
		zap.Duration("ttl", ttl))
	return reaped
}
