// Package syncer is the processor behind the sync queue: for every flushed
// event it pushes local changes to the cluster, asks peers for theirs and
// records the outcome.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/jonboulle/clockwork"
)

// ErrNoAcks is returned when peers are expected but none answered the pull.
// The cursor is left in place so the next run retries the same range.
var ErrNoAcks = errors.New("syncer: pull not acknowledged by any peer")

// pushSpacing keeps a large push from overflowing the gossip broadcast queue.
const pushSpacing = 10 * time.Millisecond

// Store is the slice of the database the syncer needs
type Store interface {
	GetSyncCursor() (time.Time, error)
	SetSyncCursor(t time.Time) error
	ListEntriesUpdatedSince(since time.Time) ([]models.Entry, error)
	RecordSyncRun(run models.SyncRun) (int, error)
}

// Transport moves entries between this node and its peers
type Transport interface {
	BroadcastEntry(entry models.Entry) error
	RequestEntriesSince(ctx context.Context, since time.Time) (acks int, expected int, err error)
	PeerCount() int
}

// RunHook is called after every processed event
type RunHook func(run models.SyncRun)

// Service performs synchronization runs
type Service struct {
	store       Store
	transport   Transport
	clock       clockwork.Clock
	pushSpacing time.Duration
	logger      *slog.Logger

	mu    sync.Mutex
	hooks []RunHook
}

// New creates a sync service. transport may be nil for a standalone node,
// in which case runs only advance the cursor.
func New(store Store, transport Transport, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		transport:   transport,
		clock:       clockwork.NewRealClock(),
		pushSpacing: pushSpacing,
		logger:      logger.With("component", "syncer"),
	}
}

// OnRun registers a hook called after each run
func (s *Service) OnRun(hook RunHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Process is a syncqueue.Processor. Failures are recorded and returned; the
// queue logs them and does not retry.
func (s *Service) Process(ctx context.Context, ev syncqueue.Event) error {
	run := models.SyncRun{
		EventID:   ev.ID,
		Trigger:   ev.Trigger,
		Priority:  ev.Priority,
		Full:      wantsFullSync(ev),
		StartedAt: s.clock.Now(),
	}

	err := s.sync(ctx, &run)

	run.FinishedAt = s.clock.Now()
	if err != nil {
		run.Error = err.Error()
	}

	if _, rerr := s.store.RecordSyncRun(run); rerr != nil {
		s.logger.Warn("failed to record sync run", "event", ev.ID, "error", rerr)
	}

	s.logger.Info("sync run finished",
		"event", ev.ID,
		"trigger", ev.Trigger,
		"full", run.Full,
		"pushed", run.Pushed,
		"acks", run.Acks,
		"expected", run.Expected,
		"duration", run.FinishedAt.Sub(run.StartedAt),
		"ok", err == nil)

	s.mu.Lock()
	hooks := append([]RunHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(run)
	}

	return err
}

func (s *Service) sync(ctx context.Context, run *models.SyncRun) error {
	var since time.Time
	if !run.Full {
		cursor, err := s.store.GetSyncCursor()
		if err != nil {
			return err
		}
		since = cursor
		run.Full = cursor.IsZero()
	}

	if s.transport != nil {
		entries, err := s.store.ListEntriesUpdatedSince(since)
		if err != nil {
			return err
		}

		for i, entry := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			if i > 0 && s.pushSpacing > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-s.clock.After(s.pushSpacing):
				}
			}
			if err := s.transport.BroadcastEntry(entry); err != nil {
				return fmt.Errorf("push %s: %w", entry.ExternID, err)
			}
			run.Pushed++
		}

		acks, expected, err := s.transport.RequestEntriesSince(ctx, since)
		run.Acks = acks
		run.Expected = expected
		if err != nil {
			return fmt.Errorf("pull: %w", err)
		}
		if acks == 0 {
			if peers := s.transport.PeerCount(); peers > 0 {
				return fmt.Errorf("%w (%d peers)", ErrNoAcks, peers)
			}
		}
	}

	// Anything changed after the run started is picked up next time.
	return s.store.SetSyncCursor(run.StartedAt)
}

// wantsFullSync reports whether ev asks for a sync from the beginning of
// time rather than from the cursor
func wantsFullSync(ev syncqueue.Event) bool {
	if full, ok := ev.Metadata["full"].(bool); ok && full {
		return true
	}
	return false
}
