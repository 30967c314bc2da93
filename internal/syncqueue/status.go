package syncqueue

import "time"

// EventStatus describes one buffered event.
type EventStatus struct {
	ID       string        `json:"id"`
	Trigger  string        `json:"trigger"`
	Priority int           `json:"priority"`
	Age      time.Duration `json:"age"`
}

// Stats are cumulative counters since the queue was created.
type Stats struct {
	Queued          int       `json:"queued"`
	Flushes         int       `json:"flushes"`
	Coalesced       int       `json:"coalesced"`
	DroppedOverflow int       `json:"dropped_overflow"`
	DroppedBreaker  int       `json:"dropped_breaker"`
	Failures        int       `json:"failures"`
	LastFlushAt     time.Time `json:"last_flush_at,omitempty"`
	LastWinner      string    `json:"last_winner,omitempty"`
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	QueueSize            int           `json:"queue_size"`
	HasPendingTimer      bool          `json:"has_pending_timer"`
	Events               []EventStatus `json:"events"`
	FocusEventCount      int           `json:"focus_event_count"`
	LastFocusReset       time.Time     `json:"last_focus_reset"`
	CircuitBreakerActive bool          `json:"circuit_breaker_active"`
	Stats                Stats         `json:"stats"`
}

// Status returns a snapshot of the buffer, the breaker and the counters.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	events := make([]EventStatus, len(q.events))
	for i, ev := range q.events {
		events[i] = EventStatus{
			ID:       ev.ID,
			Trigger:  ev.Trigger,
			Priority: ev.Priority,
			Age:      now.Sub(ev.Timestamp),
		}
	}

	b := q.cfg.Breaker
	return Status{
		QueueSize:            len(q.events),
		HasPendingTimer:      q.timer != nil,
		Events:               events,
		FocusEventCount:      q.breakerCount,
		LastFocusReset:       q.breakerReset,
		CircuitBreakerActive: b.Threshold > 0 && q.breakerCount > b.Threshold,
		Stats:                q.stats,
	}
}
