package monitor

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/querywatch/querywatch/internal/archive"
	"github.com/querywatch/querywatch/internal/config"
	"github.com/querywatch/querywatch/pkg/types"
)

// newTestMonitor builds a monitor whose scheduler interval is long enough
// that background passes never interfere; tests drive passes explicitly
// with RunAnalyticsNow.
func newTestMonitor(t *testing.T, mutate func(*config.Config)) *Monitor {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.AnalyticsInterval = time.Hour
	if mutate != nil {
		mutate(cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func finishN(t *testing.T, m *Monitor, n int, queryType types.QueryType, table string) {
	t.Helper()
	for i := 0; i < n; i++ {
		id := m.Start(queryType, StartOptions{TableName: table})
		_, err := m.Finish(id, types.StatusSuccess, "")
		require.NoError(t, err)
	}
}

func TestStartFinish_Lifecycle(t *testing.T) {
	m := newTestMonitor(t, nil)

	id := m.Start(types.QuerySelect, StartOptions{TableName: "users", UserID: "u1"})
	require.NotEqual(t, types.DisabledExecutionID, id)
	assert.Equal(t, 1, m.InFlight())

	exec, err := m.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)
	assert.Equal(t, id, exec.ID)
	assert.Equal(t, types.StatusSuccess, exec.Status)
	assert.NotEmpty(t, exec.QueryHash)
	assert.Equal(t, 0, m.InFlight())

	metrics := m.GetPerformanceMetrics(time.Minute)
	assert.Equal(t, 1, metrics.TotalQueries)
	assert.Equal(t, 1, metrics.SuccessfulQueries)
}

func TestFinish_UnknownID(t *testing.T) {
	m := newTestMonitor(t, nil)

	_, err := m.Finish("no-such-id", types.StatusSuccess, "")
	assert.True(t, stderrors.Is(err, types.ErrExecutionNotFound))
}

func TestDisabledMonitor(t *testing.T) {
	m := newTestMonitor(t, func(c *config.Config) { c.Enabled = false })

	id := m.Start(types.QuerySelect, StartOptions{TableName: "users"})
	assert.Equal(t, types.DisabledExecutionID, id)
	_, err := m.Finish(id, types.StatusSuccess, "")
	require.NoError(t, err)

	assert.Equal(t, 0, m.GetPerformanceMetrics(time.Minute).TotalQueries)
}

func TestClose_MakesMonitorInert(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.AnalyticsInterval = time.Hour
	m, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close(), "Close is idempotent")

	assert.Equal(t, types.DisabledExecutionID, m.Start(types.QuerySelect, StartOptions{}))

	err = m.RaiseAlert(types.AlertQueryTimeout, "late", nil)
	assert.True(t, stderrors.Is(err, types.ErrMonitorClosed))

	err = m.UpdateConfig(config.Overlay{})
	assert.True(t, stderrors.Is(err, types.ErrMonitorClosed))
}

func TestMonitorScope(t *testing.T) {
	m := newTestMonitor(t, nil)
	ctx := context.Background()

	require.NoError(t, m.MonitorScope(ctx, types.QuerySelect, "users", func(context.Context) error {
		return nil
	}))

	scopeErr := stderrors.New("boom")
	err := m.MonitorScope(ctx, types.QueryInsert, "users", func(context.Context) error {
		return scopeErr
	})
	assert.Same(t, scopeErr, err, "the callback's error is returned unchanged")

	metrics := m.GetPerformanceMetrics(time.Minute)
	assert.Equal(t, 2, metrics.TotalQueries)
	assert.Equal(t, 1, metrics.FailedQueries)
	assert.Equal(t, 0, m.InFlight())
}

func TestMonitorScope_PanicFinishesAsError(t *testing.T) {
	m := newTestMonitor(t, nil)

	assert.Panics(t, func() {
		m.MonitorScope(context.Background(), types.QuerySelect, "users", func(context.Context) error {
			panic("scope exploded")
		})
	})

	assert.Equal(t, 0, m.InFlight(), "the panicking scope is still finished")
	metrics := m.GetPerformanceMetrics(time.Minute)
	assert.Equal(t, 1, metrics.FailedQueries)
}

func TestNPlusOne_EndToEnd(t *testing.T) {
	m := newTestMonitor(t, func(c *config.Config) {
		c.NPlusOneThreshold = 5
	})

	var mu sync.Mutex
	var alerts []types.PerformanceAlert
	m.AddAlertCallback(func(a types.PerformanceAlert) {
		mu.Lock()
		defer mu.Unlock()
		alerts = append(alerts, a)
	})

	// The same structural shape repeated past the threshold.
	finishN(t, m, 6, types.QuerySelect, "orders")

	patterns := m.GetQueryPatterns(0)
	require.Len(t, patterns, 1, "edge-triggered: one pattern per burst")
	assert.Equal(t, types.PatternNPlusOne, patterns[0].PatternType)
	assert.Equal(t, "orders", patterns[0].TableName)
	assert.GreaterOrEqual(t, patterns[0].OccurrenceCount, 5)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertNPlusOne, alerts[0].AlertType)
	assert.Equal(t, patterns[0].ID, alerts[0].RelatedPatternID)
}

func TestPatternTracking_Disabled(t *testing.T) {
	m := newTestMonitor(t, func(c *config.Config) {
		c.TrackPatterns = false
		c.NPlusOneThreshold = 2
	})

	finishN(t, m, 10, types.QuerySelect, "orders")
	assert.Empty(t, m.GetQueryPatterns(0))
}

func TestGetSlowQueries_NewestFirst(t *testing.T) {
	m := newTestMonitor(t, func(c *config.Config) {
		c.SlowQueryThreshold = time.Nanosecond
		c.VerySlowQueryThreshold = time.Hour
		c.CriticalQueryThreshold = 2 * time.Hour
	})

	var ids []string
	for i := 0; i < 3; i++ {
		id := m.Start(types.QuerySelect, StartOptions{TableName: fmt.Sprintf("t%d", i)})
		time.Sleep(time.Millisecond)
		_, err := m.Finish(id, types.StatusSuccess, "")
		require.NoError(t, err)
		ids = append(ids, id)
	}

	slow := m.GetSlowQueries(0, 0)
	require.Len(t, slow, 3)
	assert.Equal(t, ids[2], slow[0].ID)
	assert.Equal(t, ids[0], slow[2].ID)

	limited := m.GetSlowQueries(1, 0)
	require.Len(t, limited, 1)
	assert.Equal(t, ids[2], limited[0].ID)

	// An explicit threshold overrides the configured one.
	assert.Empty(t, m.GetSlowQueries(0, time.Hour))
}

func TestGetPerformanceAlerts_SeverityFilter(t *testing.T) {
	m := newTestMonitor(t, nil)

	require.NoError(t, m.RaiseAlert(types.AlertQueryTimeout, "slow rpc", nil))
	require.NoError(t, m.RaiseAlert(types.AlertConnectionPoolExhausted, "pool dry", nil))

	all := m.GetPerformanceAlerts(0, types.SeverityInfo)
	require.Len(t, all, 2)
	assert.Equal(t, types.AlertConnectionPoolExhausted, all[0].AlertType, "most recent first")

	critical := m.GetPerformanceAlerts(0, types.SeverityCritical)
	require.Len(t, critical, 1)
	assert.Equal(t, types.AlertConnectionPoolExhausted, critical[0].AlertType)
}

func TestRemoveAlertCallback(t *testing.T) {
	m := newTestMonitor(t, nil)

	var mu sync.Mutex
	calls := 0
	h := m.AddAlertCallback(func(types.PerformanceAlert) {
		mu.Lock()
		defer mu.Unlock()
		calls++
	})

	require.NoError(t, m.RaiseAlert(types.AlertQueryTimeout, "one", nil))
	m.RemoveAlertCallback(h)
	require.NoError(t, m.RaiseAlert(types.AlertConnectionPoolExhausted, "two", nil))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestUpdateConfig(t *testing.T) {
	m := newTestMonitor(t, nil)

	threshold := 100 * time.Millisecond
	require.NoError(t, m.UpdateConfig(config.Overlay{SlowQueryThreshold: &threshold}))
	assert.Equal(t, threshold, m.Config().SlowQueryThreshold)

	// An overlay that breaks the threshold ordering is rejected and the
	// running configuration is untouched.
	bad := 10 * time.Hour
	err := m.UpdateConfig(config.Overlay{SlowQueryThreshold: &bad})
	require.Error(t, err)
	assert.Equal(t, threshold, m.Config().SlowQueryThreshold)

	// History capacities cannot change at runtime.
	histCap := 5
	assert.Error(t, m.UpdateConfig(config.Overlay{MaxQueryHistory: &histCap}))
}

func TestInFlightReaping(t *testing.T) {
	m := newTestMonitor(t, func(c *config.Config) {
		c.InFlightTTL = 10 * time.Millisecond
	})

	m.Start(types.QuerySelect, StartOptions{TableName: "users"})
	time.Sleep(30 * time.Millisecond)
	m.RunAnalyticsNow(context.Background())

	assert.Equal(t, 0, m.InFlight(), "stale entries are reaped")
	metrics := m.GetPerformanceMetrics(time.Minute)
	assert.Equal(t, 1, metrics.FailedQueries, "reaped entries finish as TIMEOUT")
}

func TestHighErrorRate_RaisedBySchedulerPass(t *testing.T) {
	m := newTestMonitor(t, nil) // error rate threshold 0.05

	var mu sync.Mutex
	var raised []types.PerformanceAlert
	m.AddAlertCallback(func(a types.PerformanceAlert) {
		mu.Lock()
		defer mu.Unlock()
		raised = append(raised, a)
	})

	finishN(t, m, 9, types.QuerySelect, "users")
	id := m.Start(types.QuerySelect, StartOptions{TableName: "users"})
	_, err := m.Finish(id, types.StatusError, "deadlock")
	require.NoError(t, err)

	m.RunAnalyticsNow(context.Background())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, raised)
	found := false
	for _, a := range raised {
		if a.AlertType == types.AlertHighErrorRate {
			found = true
			assert.Equal(t, types.SeverityCritical, a.Severity, "10% is double the 5% threshold")
		}
	}
	assert.True(t, found)
}

func TestEvictionArchive(t *testing.T) {
	dir := t.TempDir()
	m := newTestMonitor(t, func(c *config.Config) {
		c.MaxQueryHistory = 2
		c.Archive = config.ArchiveConfig{Enabled: true, Dir: dir, MaxSegmentSize: 1 << 20}
	})

	finishN(t, m, 3, types.QuerySelect, "users")
	require.NoError(t, m.Close())

	records, err := archive.ReadSegment(filepath.Join(dir, "archive_00000000.seg"))
	require.NoError(t, err)
	require.Len(t, records, 1, "the single evicted record lands in the archive")
	assert.Equal(t, "users", records[0].TableName)
}

func TestEvictionArchive_ConcurrentFinish(t *testing.T) {
	dir := t.TempDir()
	m := newTestMonitor(t, func(c *config.Config) {
		c.MaxQueryHistory = 4
		c.Archive = config.ArchiveConfig{Enabled: true, Dir: dir, MaxSegmentSize: 1 << 20}
	})

	const workers = 4
	const perWorker = 20
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := m.Start(types.QuerySelect, StartOptions{TableName: "users"})
				if _, err := m.Finish(id, types.StatusSuccess, ""); err != nil {
					t.Error(err)
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, m.Close())

	// Everything pushed out of the bounded ring ends up on disk; the last
	// MaxQueryHistory records are still in memory.
	total := 0
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, entry := range entries {
		records, err := archive.ReadSegment(filepath.Join(dir, entry.Name()))
		require.NoError(t, err)
		total += len(records)
	}
	assert.Equal(t, workers*perWorker-4, total)
}

func TestConcurrentStartFinish(t *testing.T) {
	m := newTestMonitor(t, nil)

	const workers = 50
	const perWorker = 20

	var wg sync.WaitGroup
	idCh := make(chan string, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := m.Start(types.QuerySelect, StartOptions{TableName: "users"})
				idCh <- id
				if _, err := m.Finish(id, types.StatusSuccess, ""); err != nil {
					t.Error(err)
				}
			}
		}(w)
	}
	// Analytics passes race the hot path.
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			m.RunAnalyticsNow(context.Background())
		}
	}()
	wg.Wait()
	close(idCh)

	seen := make(map[string]bool)
	for id := range idCh {
		require.False(t, seen[id], "execution ids are unique")
		seen[id] = true
	}
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, 0, m.InFlight())
	assert.Equal(t, workers*perWorker, m.GetPerformanceMetrics(time.Minute).TotalQueries)
}

func TestHistoryBounded_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30

	properties := gopter.NewProperties(parameters)

	properties.Property("recorded history never exceeds its cap", prop.ForAll(
		func(n int) bool {
			cfg := config.DefaultConfig()
			cfg.AnalyticsInterval = time.Hour
			cfg.MaxQueryHistory = 25
			cfg.TrackPatterns = false
			m, err := New(cfg)
			if err != nil {
				return false
			}
			defer m.Close()

			for i := 0; i < n; i++ {
				id := m.Start(types.QuerySelect, StartOptions{TableName: "users"})
				if _, err := m.Finish(id, types.StatusSuccess, ""); err != nil {
					return false
				}
			}

			total := m.GetPerformanceMetrics(time.Minute).TotalQueries
			want := n
			if want > cfg.MaxQueryHistory {
				want = cfg.MaxQueryHistory
			}
			return total == want
		},
		gen.IntRange(0, 60),
	))

	properties.TestingRun(t)
}
