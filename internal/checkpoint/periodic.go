package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nexuscore/autopilot/internal/models"
)

// PeriodicInterval is the fixed cadence of the background checkpoint tick
// (Section 4.E: "5-second interval").
const PeriodicInterval = 5 * time.Second

// SnapshotFunc returns the current message list, active model, and
// trimmed-up-to boundary for a run at the moment it is called. ok is false
// when there is nothing worth persisting yet.
type SnapshotFunc func() (messages []*models.Message, activeModel string, trimmedUpToIndex int, ok bool)

// PeriodicTask drives a Runtime's Persist on a fixed interval. Because the
// ticker loop is single-threaded, a tick that lands while the previous
// persist is still running simply waits for it (missed_tick = Delay):
// ticks are never dropped or run concurrently, only delayed.
type PeriodicTask struct {
	runtime  *Runtime
	runID    string
	logger   *slog.Logger
	snapshot SnapshotFunc

	stopOnce sync.Once
	done     chan struct{}
}

// NewPeriodicTask builds a task that, on each tick, calls snapshotFn to
// obtain the run's current state and persists it through runtime.
func NewPeriodicTask(runtime *Runtime, runID string, logger *slog.Logger, snapshotFn SnapshotFunc) *PeriodicTask {
	return &PeriodicTask{
		runtime:  runtime,
		runID:    runID,
		logger:   logger,
		snapshot: snapshotFn,
		done:     make(chan struct{}),
	}
}

// Run blocks, ticking every PeriodicInterval until ctx is cancelled or Stop
// is called. It should be run in its own goroutine.
func (t *PeriodicTask) Run(ctx context.Context) {
	ticker := time.NewTicker(PeriodicInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case <-ticker.C:
			messages, activeModel, trimmedUpToIndex, ok := t.snapshot()
			if !ok {
				continue
			}
			if _, _, err := t.runtime.Persist(ctx, TriggerPeriodic, t.runID, messages, activeModel, trimmedUpToIndex); err != nil && t.logger != nil {
				t.logger.Warn("periodic checkpoint persist failed", "run_id", t.runID, "error", err)
			}
		}
	}
}

// Stop releases the periodic task; safe to call multiple times.
func (t *PeriodicTask) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}
