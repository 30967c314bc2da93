// Package syncqueue coalesces sync triggers from independent sources into a
// single prioritized call to a sync processor.
//
// Every call to QueueEvent buffers an Event and (re)arms one flush timer whose
// delay depends on the trigger. When the timer fires, the buffer is swapped
// out, the highest priority event wins (earliest first among equals) and the
// processor runs once with it. The other buffered events are absorbed by that
// single sync and are never replayed.
package syncqueue

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrNilProcessor is returned by New when no processor is supplied.
var ErrNilProcessor = errors.New("syncqueue: processor is nil")

// Event is one buffered sync request.
type Event struct {
	ID        string         `json:"id"`
	Trigger   string         `json:"trigger"`
	Timestamp time.Time      `json:"timestamp"`
	Priority  int            `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Processor performs the actual synchronization for the winning event of a
// flush. A returned error is logged; the event is not retried.
type Processor func(ctx context.Context, ev Event) error

// Queue batches sync triggers. It is safe for concurrent use.
type Queue struct {
	cfg       Config
	processor Processor
	clock     clockwork.Clock
	logger    *slog.Logger

	mu           sync.Mutex
	events       []Event
	timer        clockwork.Timer
	timerGen     uint64
	seq          uint64
	breakerCount int
	breakerReset time.Time
	stats        Stats

	// flushMu keeps processor calls strictly sequential.
	flushMu sync.Mutex
}

// New creates a queue bound to processor. A nil cfg uses DefaultConfig.
func New(processor Processor, cfg *Config) (*Queue, error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}

	c := cfg.normalized()
	return &Queue{
		cfg:          c,
		processor:    processor,
		clock:        c.Clock,
		logger:       c.Logger.With("component", "syncqueue"),
		breakerReset: c.Clock.Now(),
	}, nil
}

// QueueEvent buffers a sync request and schedules a flush. It never blocks
// on I/O and never returns an error; dropped events are only logged.
func (q *Queue) QueueEvent(trigger string, metadata map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()

	if len(q.events) >= q.cfg.MaxQueueSize {
		keep := q.cfg.MaxQueueSize / 2
		dropped := len(q.events) - keep
		q.events = slices.Clone(q.events[len(q.events)-keep:])
		q.stats.DroppedOverflow += dropped
		q.logger.Warn("sync queue full, dropped oldest events", "dropped", dropped, "kept", keep)
	}

	if q.breakerOpen(trigger, now) {
		q.stats.DroppedBreaker++
		q.logger.Warn("circuit breaker open, discarding sync trigger",
			"trigger", trigger,
			"count", q.breakerCount,
			"threshold", q.cfg.Breaker.Threshold)
		return
	}

	q.seq++
	ev := Event{
		ID:        fmt.Sprintf("sync-%d", q.seq),
		Trigger:   trigger,
		Timestamp: now,
		Priority:  q.cfg.priority(trigger),
		Metadata:  metadata,
	}
	q.events = append(q.events, ev)
	q.stats.Queued++

	q.logger.Debug("sync event queued", "id", ev.ID, "trigger", trigger, "priority", ev.Priority, "queue_size", len(q.events))

	q.scheduleLocked(trigger)
}

// breakerOpen counts trigger against the fixed-window breaker and reports
// whether the event must be discarded. Caller holds q.mu.
func (q *Queue) breakerOpen(trigger string, now time.Time) bool {
	b := q.cfg.Breaker
	if b.Trigger == "" || b.Threshold <= 0 || trigger != b.Trigger {
		return false
	}

	if now.Sub(q.breakerReset) > b.Window {
		q.breakerCount = 0
		q.breakerReset = now
	}

	q.breakerCount++
	return q.breakerCount > b.Threshold
}

// scheduleLocked replaces any pending flush timer with one sized for trigger.
// Caller holds q.mu.
func (q *Queue) scheduleLocked(trigger string) {
	q.stopTimerLocked()

	gen := q.timerGen
	q.timer = q.clock.AfterFunc(q.cfg.window(trigger), func() {
		q.fire(gen)
	})
}

// stopTimerLocked cancels the pending timer. Bumping the generation makes a
// callback that already started ignore itself.
func (q *Queue) stopTimerLocked() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	q.timerGen++
}

func (q *Queue) fire(gen uint64) {
	q.mu.Lock()
	if gen != q.timerGen || q.timer == nil {
		q.mu.Unlock()
		return
	}
	q.timer = nil
	q.mu.Unlock()

	q.processQueue()
}

// ForceProcess cancels the pending timer and flushes immediately. It returns
// once the processor call for this flush has finished.
func (q *Queue) ForceProcess() {
	q.mu.Lock()
	q.stopTimerLocked()
	q.mu.Unlock()

	q.processQueue()
}

// processQueue takes ownership of the buffer and hands its winner to the
// processor. Events queued after the swap belong to the next cycle.
func (q *Queue) processQueue() {
	q.flushMu.Lock()
	defer q.flushMu.Unlock()

	q.mu.Lock()
	batch := q.events
	q.events = nil
	q.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	slices.SortStableFunc(batch, func(a, b Event) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return a.Timestamp.Compare(b.Timestamp)
	})
	winner := batch[0]

	q.logger.Info("flushing sync queue",
		"winner", winner.ID,
		"trigger", winner.Trigger,
		"priority", winner.Priority,
		"coalesced", len(batch)-1)

	err := q.invoke(winner)

	q.mu.Lock()
	q.stats.Flushes++
	q.stats.Coalesced += len(batch) - 1
	q.stats.LastFlushAt = q.clock.Now()
	q.stats.LastWinner = winner.Trigger
	if err != nil {
		q.stats.Failures++
	}
	q.mu.Unlock()

	if err != nil {
		q.logger.Error("sync processor failed", "id", winner.ID, "trigger", winner.Trigger, "error", err)
	}
}

func (q *Queue) invoke(ev Event) (err error) {
	ctx := context.Background()
	if q.cfg.ProcessTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = clockwork.WithTimeout(ctx, q.clock, q.cfg.ProcessTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	return q.processor(ctx, ev)
}

// Clear cancels the pending flush, empties the buffer and resets the circuit
// breaker. A processor call already running is not interrupted.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.stopTimerLocked()
	q.events = nil
	q.breakerCount = 0
	q.breakerReset = q.clock.Now()

	q.logger.Debug("sync queue cleared")
}

// PriorityOf returns the priority QueueEvent assigns to trigger.
func (q *Queue) PriorityOf(trigger string) int {
	return q.cfg.priority(trigger)
}

// QueueSize returns the number of buffered events.
func (q *Queue) QueueSize() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
