package cluster

import (
	"time"

	"github.com/c.mueller/logbook-sync/internal/models"
)

// Event types for entry synchronization
const (
	EventEntryUpsert = "entry:upsert"
)

// Query types for cluster communication
const (
	QueryEntriesSince = "sync:entries-since"
	QueryCount        = "sync:count"
)

// maxUserEventSize is the serf user event payload limit we configure.
// Serf refuses anything above 9KB.
const maxUserEventSize = 8 * 1024

// EntrySyncEvent carries one entry between nodes. Times are unix milliseconds.
type EntrySyncEvent struct {
	ExternID    string `json:"extern_id"`
	Piece       string `json:"piece"`
	Composer    string `json:"composer,omitempty"`
	Minutes     int    `json:"minutes"`
	Notes       string `json:"notes,omitempty"`
	PracticedAt int64  `json:"practiced_at"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
	Deleted     bool   `json:"deleted,omitempty"`
	NodeID      string `json:"node_id"`
}

// EntriesSinceQuery asks peers for every entry changed after Since
type EntriesSinceQuery struct {
	Since  int64  `json:"since"`
	NodeID string `json:"node_id"`
}

// CountResponse represents a response to a count or entries-since query
type CountResponse struct {
	Count  int    `json:"count"`
	NodeID string `json:"node_id"`
}

func newEntrySyncEvent(e models.Entry, nodeID string) EntrySyncEvent {
	return EntrySyncEvent{
		ExternID:    e.ExternID,
		Piece:       e.Piece,
		Composer:    e.Composer,
		Minutes:     e.Minutes,
		Notes:       e.Notes,
		PracticedAt: e.PracticedAt.UnixMilli(),
		CreatedAt:   e.CreatedAt.UnixMilli(),
		UpdatedAt:   e.UpdatedAt.UnixMilli(),
		Deleted:     e.Deleted,
		NodeID:      nodeID,
	}
}

// Entry converts the wire event back into a model
func (ev EntrySyncEvent) Entry() models.Entry {
	return models.Entry{
		ExternID:    ev.ExternID,
		Piece:       ev.Piece,
		Composer:    ev.Composer,
		Minutes:     ev.Minutes,
		Notes:       ev.Notes,
		PracticedAt: time.UnixMilli(ev.PracticedAt).UTC(),
		CreatedAt:   time.UnixMilli(ev.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(ev.UpdatedAt).UTC(),
		Deleted:     ev.Deleted,
	}
}
