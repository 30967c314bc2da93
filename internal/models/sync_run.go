package models

import "time"

// SyncRun records one processor invocation for a flushed sync event
type SyncRun struct {
	ID         int       `json:"id" db:"id"`
	EventID    string    `json:"event_id" db:"event_id"`
	Trigger    string    `json:"trigger" db:"trigger_name"`
	Priority   int       `json:"priority" db:"priority"`
	Full       bool      `json:"full" db:"full_sync"`
	StartedAt  time.Time `json:"started_at" db:"started_at"`
	FinishedAt time.Time `json:"finished_at" db:"finished_at"`
	Pushed     int       `json:"pushed" db:"pushed"`
	Acks       int       `json:"acks" db:"acks"`
	Expected   int       `json:"expected" db:"expected"`
	Error      string    `json:"error,omitempty" db:"error"`
}

// Succeeded reports whether the run finished without error
func (r SyncRun) Succeeded() bool {
	return r.Error == ""
}
