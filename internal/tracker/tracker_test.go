package tracker

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/types"
)

func newTestTracker(mutate func(*config.Config)) *Tracker {
	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}
	return New(func() *config.Config { return cfg }, zap.NewNop())
}

func TestStartFinish_Lifecycle(t *testing.T) {
	tr := newTestTracker(nil)

	id := tr.Start(types.QuerySelect, StartOptions{
		TableName: "users",
		UserID:    "u1",
		Tags:      map[string]string{"id": "42"},
	})
	require.NotEmpty(t, id)
	require.NotEqual(t, types.DisabledExecutionID, id)
	assert.Equal(t, 1, tr.InFlight())

	exec, err := tr.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)

	assert.Equal(t, id, exec.ID)
	assert.Equal(t, types.StatusSuccess, exec.Status)
	assert.Equal(t, "users", exec.TableName)
	assert.False(t, exec.FinishedAt.Before(exec.StartedAt))
	assert.GreaterOrEqual(t, exec.Duration, time.Duration(0))
	assert.NotEmpty(t, exec.QueryHash)
	assert.Equal(t, 0, tr.InFlight())
}

func TestFinish_UnknownID(t *testing.T) {
	tr := newTestTracker(nil)

	_, err := tr.Finish("no-such-id", types.StatusSuccess, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrExecutionNotFound))
}

func TestFinish_DoubleFinish(t *testing.T) {
	tr := newTestTracker(nil)
	id := tr.Start(types.QuerySelect, StartOptions{})

	_, err := tr.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)

	_, err = tr.Finish(id, types.StatusSuccess, "")
	assert.True(t, errors.Is(err, types.ErrExecutionNotFound))
}

func TestFinish_NonTerminalStatus(t *testing.T) {
	tr := newTestTracker(nil)
	id := tr.Start(types.QuerySelect, StartOptions{})

	_, err := tr.Finish(id, types.StatusPending, "")
	require.Error(t, err)

	// The entry survives a rejected Finish.
	assert.Equal(t, 1, tr.InFlight())
}

func TestFinish_ErrorMessage(t *testing.T) {
	tr := newTestTracker(nil)
	id := tr.Start(types.QueryInsert, StartOptions{TableName: "orders"})

	exec, err := tr.Finish(id, types.StatusError, "duplicate key")
	require.NoError(t, err)
	assert.Equal(t, "duplicate key", exec.ErrorMessage)
}

func TestStart_DisabledSentinel(t *testing.T) {
	tr := newTestTracker(func(c *config.Config) { c.Enabled = false })

	id := tr.Start(types.QuerySelect, StartOptions{TableName: "users"})
	assert.Equal(t, types.DisabledExecutionID, id)
	assert.Equal(t, 0, tr.InFlight())

	exec, err := tr.Finish(id, types.StatusSuccess, "")
	assert.NoError(t, err)
	assert.Empty(t, exec.ID)
}

func TestFinish_StackTraceOnlyWhenSlow(t *testing.T) {
	tr := newTestTracker(func(c *config.Config) {
		c.CollectStackTraces = true
		c.SlowQueryThreshold = time.Nanosecond
		c.VerySlowQueryThreshold = 2 * time.Nanosecond
		c.CriticalQueryThreshold = 3 * time.Nanosecond
	})

	id := tr.Start(types.QuerySelect, StartOptions{})
	time.Sleep(time.Millisecond)
	exec, err := tr.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)
	assert.NotEmpty(t, exec.StackTrace, "stack captured above threshold")

	fast := newTestTracker(func(c *config.Config) {
		c.CollectStackTraces = true
		c.SlowQueryThreshold = time.Hour
		c.VerySlowQueryThreshold = 2 * time.Hour
		c.CriticalQueryThreshold = 3 * time.Hour
	})
	id = fast.Start(types.QuerySelect, StartOptions{})
	exec, err = fast.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)
	assert.Empty(t, exec.StackTrace, "no stack below threshold")
}

func TestFingerprint_SameShapeSameHash(t *testing.T) {
	tr := newTestTracker(nil)

	finish := func(tagValue string) types.QueryExecution {
		id := tr.Start(types.QuerySelect, StartOptions{
			TableName: "users",
			Tags:      map[string]string{"id": tagValue},
		})
		exec, err := tr.Finish(id, types.StatusSuccess, "")
		require.NoError(t, err)
		return exec
	}

	a := finish("1")
	b := finish("2")
	assert.Equal(t, a.QueryHash, b.QueryHash,
		"structurally identical queries with different arguments hash identically")
}

func TestReapStale(t *testing.T) {
	tr := newTestTracker(nil)

	stale := tr.Start(types.QuerySelect, StartOptions{TableName: "users"})
	time.Sleep(5 * time.Millisecond)
	fresh := tr.Start(types.QuerySelect, StartOptions{TableName: "users"})

	reaped := tr.ReapStale(2 * time.Millisecond)
	require.Len(t, reaped, 1)
	assert.Equal(t, stale, reaped[0].ID)
	assert.Equal(t, types.StatusTimeout, reaped[0].Status)
	assert.Equal(t, 1, tr.InFlight())

	// The fresh entry can still be finished normally.
	_, err := tr.Finish(fresh, types.StatusSuccess, "")
	assert.NoError(t, err)

	// Disabled reaping is a no-op.
	assert.Nil(t, tr.ReapStale(0))
}

func TestConcurrentStartFinish(t *testing.T) {
	tr := newTestTracker(nil)
	const n = 1000

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := tr.Start(types.QuerySelect, StartOptions{TableName: "users"})
			exec, err := tr.Finish(id, types.StatusSuccess, "")
			if err == nil {
				ids <- exec.ID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate execution id")
		seen[id] = true
	}
	assert.Len(t, seen, n, "every pair produced exactly one finished record")
	assert.Equal(t, 0, tr.InFlight())
}
