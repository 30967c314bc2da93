package worker

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
)

// TriggerFunc queues a sync trigger
type TriggerFunc func(trigger string, metadata map[string]any)

// Pruner removes sync history older than a cutoff
type Pruner interface {
	PruneSyncRuns(before time.Time) (int64, error)
}

// Config controls the background schedules. Specs use the standard five
// field cron syntax or descriptors such as "@every 5m". An empty spec
// disables that job.
type Config struct {
	SyncSpec  string
	PruneSpec string
	Retention time.Duration
}

// DefaultConfig returns the default schedules
func DefaultConfig() Config {
	return Config{
		SyncSpec:  "@every 5m",
		PruneSpec: "@hourly",
		Retention: 7 * 24 * time.Hour,
	}
}

// Worker runs the periodic background jobs of a node
type Worker struct {
	cron      *cron.Cron
	raise     TriggerFunc
	pruner    Pruner
	retention time.Duration
	clock     clockwork.Clock
	logger    *slog.Logger

	syncEntry cron.EntryID
	ticks     atomic.Int64
	pruning   atomic.Bool

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a worker. Invalid cron specs are rejected here rather than at
// Start.
func New(cfg Config, raise TriggerFunc, pruner Pruner, logger *slog.Logger) (*Worker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker")

	w := &Worker{
		raise:     raise,
		pruner:    pruner,
		retention: cfg.Retention,
		clock:     clockwork.NewRealClock(),
		logger:    logger,
	}

	cronLog := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))
	w.cron = cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)

	if cfg.SyncSpec != "" && raise != nil {
		id, err := w.cron.AddFunc(cfg.SyncSpec, w.triggerSync)
		if err != nil {
			return nil, fmt.Errorf("invalid sync schedule %q: %w", cfg.SyncSpec, err)
		}
		w.syncEntry = id
	}

	if cfg.PruneSpec != "" && pruner != nil {
		if cfg.Retention <= 0 {
			return nil, fmt.Errorf("prune schedule %q needs a positive retention", cfg.PruneSpec)
		}
		if _, err := w.cron.AddFunc(cfg.PruneSpec, w.pruneRuns); err != nil {
			return nil, fmt.Errorf("invalid prune schedule %q: %w", cfg.PruneSpec, err)
		}
	}

	return w, nil
}

// Start begins running the schedules
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true

	w.cron.Start()
	w.logger.Info("worker started", "jobs", len(w.cron.Entries()))
}

// Stop halts the schedules and waits for running jobs to finish
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	started := w.started
	w.mu.Unlock()

	if !started {
		return
	}

	w.logger.Info("worker stopping")
	<-w.cron.Stop().Done()
	w.logger.Info("worker stopped")
}

// NextSync returns when the periodic trigger fires next, zero if no sync
// schedule is running
func (w *Worker) NextSync() time.Time {
	if w.syncEntry == 0 {
		return time.Time{}
	}
	return w.cron.Entry(w.syncEntry).Next
}

// triggerSync raises the periodic trigger
func (w *Worker) triggerSync() {
	tick := w.ticks.Add(1)
	w.logger.Debug("periodic sync", "tick", tick)
	w.raise(syncqueue.TriggerPeriodic, map[string]any{"tick": tick})
}

// pruneRuns removes sync runs older than the retention
func (w *Worker) pruneRuns() {
	if !w.pruning.CompareAndSwap(false, true) {
		return
	}
	defer w.pruning.Store(false)

	cutoff := w.clock.Now().Add(-w.retention)
	removed, err := w.pruner.PruneSyncRuns(cutoff)
	if err != nil {
		w.logger.Error("failed to prune sync runs", "error", err)
		return
	}
	if removed > 0 {
		w.logger.Info("pruned sync runs", "removed", removed, "before", cutoff)
	}
}
