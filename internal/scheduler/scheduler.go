// Package scheduler runs the single periodic background task that drives
// the analytics and alerting passes, so individual queries never pay that
// cost synchronously.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is the periodic work to run. It must tolerate being invoked again
// after returning; the daemon serializes all invocations, including
// explicit RunOnce calls, so no two ever run concurrently.
type Task func(ctx context.Context)

// IntervalProvider returns the current period. It is re-read after every
// run, so an atomic config swap takes effect on the next cycle.
type IntervalProvider func() time.Duration

// Daemon is a cancellable repeating task. Stop is graceful: no new runs
// are started and an in-flight run completes before Stop returns.
type Daemon struct {
	interval IntervalProvider
	task     Task
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// runMu serializes task invocations across the periodic loop and
	// explicit RunOnce calls.
	runMu sync.Mutex
}

// NewDaemon creates a scheduler daemon.
func NewDaemon(interval IntervalProvider, task Task, logger *zap.Logger) *Daemon {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Daemon{
		interval: interval,
		task:     task,
		logger:   logger,
	}
}

// Start begins the periodic loop. It runs until the context is cancelled
// or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("scheduler: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the daemon, waiting for an in-flight run.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the periodic loop: one immediate pass, then one per interval.
// The interval is re-read every cycle so config swaps take effect without
// a restart.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	for {
		timer := time.NewTimer(d.interval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single pass, recovering from task panics so one bad
// cycle never kills the daemon.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	d.runMu.Lock()
	defer d.runMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("scheduler task panicked", zap.Any("recovered", r))
		}
	}()
	d.task(ctx)
}

// RunOnce performs a single pass immediately (useful for testing and for
// on-demand evaluation).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}
