package api

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerEntryRoutes(api huma.API) {
	// GET /entries - List all entries
	huma.Register(api, huma.Operation{
		OperationID: "list-entries",
		Method:      http.MethodGet,
		Path:        "/entries",
		Summary:     "List all entries",
		Description: "Get all practice log entries, newest session first",
		Tags:        []string{"entries"},
	}, s.listEntries)

	// GET /entries/{id} - Get a specific entry
	huma.Register(api, huma.Operation{
		OperationID: "get-entry",
		Method:      http.MethodGet,
		Path:        "/entries/{id}",
		Summary:     "Get an entry",
		Description: "Get a specific practice log entry by ID",
		Tags:        []string{"entries"},
	}, s.getEntry)

	// POST /entries - Create a new entry
	huma.Register(api, huma.Operation{
		OperationID:   "create-entry",
		Method:        http.MethodPost,
		Path:          "/entries",
		Summary:       "Create an entry",
		Description:   "Log a new practice session",
		Tags:          []string{"entries"},
		DefaultStatus: http.StatusCreated,
	}, s.createEntry)

	// PUT /entries/{id} - Update an entry
	huma.Register(api, huma.Operation{
		OperationID: "update-entry",
		Method:      http.MethodPut,
		Path:        "/entries/{id}",
		Summary:     "Update an entry",
		Description: "Update an existing practice log entry",
		Tags:        []string{"entries"},
	}, s.updateEntry)

	// DELETE /entries/{id} - Delete an entry
	huma.Register(api, huma.Operation{
		OperationID:   "delete-entry",
		Method:        http.MethodDelete,
		Path:          "/entries/{id}",
		Summary:       "Delete an entry",
		Description:   "Delete a practice log entry. A tombstone is kept for synchronization.",
		Tags:          []string{"entries"},
		DefaultStatus: http.StatusNoContent,
	}, s.deleteEntry)
}

type ListEntriesResponse struct {
	Body []models.Entry
}

type GetEntryRequest struct {
	ID int `path:"id" minimum:"1" doc:"Entry ID"`
}

type GetEntryResponse struct {
	Body models.Entry
}

type CreateEntryRequest struct {
	Body models.CreateEntryInput
}

type CreateEntryResponse struct {
	Body models.Entry
}

type UpdateEntryRequest struct {
	ID   int `path:"id" minimum:"1" doc:"Entry ID"`
	Body models.UpdateEntryInput
}

type UpdateEntryResponse struct {
	Body models.Entry
}

type DeleteEntryRequest struct {
	ID int `path:"id" minimum:"1" doc:"Entry ID"`
}

func (s *Server) listEntries(ctx context.Context, input *struct{}) (*ListEntriesResponse, error) {
	entries, err := s.db.ListEntries()
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list entries", err)
	}

	// Return empty array instead of nil
	if entries == nil {
		entries = []models.Entry{}
	}

	return &ListEntriesResponse{Body: entries}, nil
}

func (s *Server) getEntry(ctx context.Context, input *GetEntryRequest) (*GetEntryResponse, error) {
	entry, err := s.db.GetEntry(input.ID)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to get entry", err)
	}

	if entry == nil || entry.Deleted {
		return nil, huma.Error404NotFound("Entry not found")
	}

	return &GetEntryResponse{Body: *entry}, nil
}

func (s *Server) createEntry(ctx context.Context, input *CreateEntryRequest) (*CreateEntryResponse, error) {
	if input.Body.ExternID != "" {
		existing, err := s.db.GetEntryByExternID(input.Body.ExternID)
		if err != nil {
			return nil, huma.Error500InternalServerError("Failed to check extern_id", err)
		}
		if existing != nil {
			return nil, huma.Error409Conflict("An entry with this extern_id already exists")
		}
	}

	entry, err := s.db.CreateEntry(input.Body)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to create entry", err)
	}

	s.entryChanged(*entry)

	return &CreateEntryResponse{Body: *entry}, nil
}

func (s *Server) updateEntry(ctx context.Context, input *UpdateEntryRequest) (*UpdateEntryResponse, error) {
	entry, err := s.db.UpdateEntry(input.ID, input.Body)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to update entry", err)
	}

	if entry == nil {
		return nil, huma.Error404NotFound("Entry not found")
	}

	s.entryChanged(*entry)

	return &UpdateEntryResponse{Body: *entry}, nil
}

func (s *Server) deleteEntry(ctx context.Context, input *DeleteEntryRequest) (*struct{}, error) {
	if err := s.db.DeleteEntry(input.ID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, huma.Error404NotFound("Entry not found")
		}
		return nil, huma.Error500InternalServerError("Failed to delete entry", err)
	}

	// Re-read to broadcast the tombstone with its new updated_at
	entry, err := s.db.GetEntry(input.ID)
	if err != nil {
		s.logger.Warn("failed to load tombstone", "id", input.ID, "error", err)
		return nil, nil
	}
	if entry != nil {
		s.entryChanged(*entry)
	}

	return nil, nil
}

// entryChanged pushes a local change to the cluster right away and queues
// an automatic sync to catch anything the broadcast missed. A failed
// broadcast never fails the request.
func (s *Server) entryChanged(entry models.Entry) {
	if s.cluster != nil {
		if err := s.cluster.BroadcastEntry(entry); err != nil {
			s.logger.Warn("failed to broadcast entry", "extern_id", entry.ExternID, "error", err)
		}
	}

	s.queue.QueueEvent(syncqueue.TriggerAutomatic, map[string]any{"entry": entry.ExternID})
}
