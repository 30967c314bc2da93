package api

import (
	"context"
	"net/http"

	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/danielgtaylor/huma/v2"
)

func (s *Server) registerSyncRoutes(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "queue-sync-event",
		Method:        http.MethodPost,
		Path:          "/sync/events",
		Summary:       "Queue a sync trigger",
		Description:   "Queue a sync trigger. Triggers arriving close together are coalesced and only the highest priority one is processed.",
		Tags:          []string{"sync"},
		DefaultStatus: http.StatusAccepted,
	}, s.queueSyncEvent)

	huma.Register(api, huma.Operation{
		OperationID: "flush-sync-queue",
		Method:      http.MethodPost,
		Path:        "/sync/flush",
		Summary:     "Flush the sync queue",
		Description: "Process the queued triggers now instead of waiting for the coalescence window",
		Tags:        []string{"sync"},
	}, s.flushSyncQueue)

	huma.Register(api, huma.Operation{
		OperationID:   "clear-sync-queue",
		Method:        http.MethodDelete,
		Path:          "/sync/queue",
		Summary:       "Clear the sync queue",
		Description:   "Drop all queued triggers and reset the circuit breaker",
		Tags:          []string{"sync"},
		DefaultStatus: http.StatusNoContent,
	}, s.clearSyncQueue)

	huma.Register(api, huma.Operation{
		OperationID: "sync-status",
		Method:      http.MethodGet,
		Path:        "/sync/status",
		Summary:     "Sync queue status",
		Description: "Get the queued triggers, the circuit breaker state and cumulative counters",
		Tags:        []string{"sync"},
	}, s.syncStatus)

	huma.Register(api, huma.Operation{
		OperationID: "list-sync-runs",
		Method:      http.MethodGet,
		Path:        "/sync/runs",
		Summary:     "List sync runs",
		Description: "Get the most recent sync runs, newest first",
		Tags:        []string{"sync"},
	}, s.listSyncRuns)
}

type QueueSyncEventRequest struct {
	Body struct {
		Trigger  string         `json:"trigger" minLength:"1" maxLength:"64" doc:"Trigger name, e.g. manual, online, focus, periodic"`
		Metadata map[string]any `json:"metadata,omitempty" doc:"Free-form context passed through to the sync run"`
	}
}

type QueueSyncEventResponse struct {
	Body struct {
		Trigger   string `json:"trigger" doc:"Queued trigger"`
		Priority  int    `json:"priority" doc:"Priority assigned to the trigger"`
		QueueSize int    `json:"queue_size" doc:"Number of queued triggers after this one"`
	}
}

func (s *Server) queueSyncEvent(ctx context.Context, input *QueueSyncEventRequest) (*QueueSyncEventResponse, error) {
	s.queue.QueueEvent(input.Body.Trigger, input.Body.Metadata)

	resp := &QueueSyncEventResponse{}
	resp.Body.Trigger = input.Body.Trigger
	resp.Body.Priority = s.queue.PriorityOf(input.Body.Trigger)
	resp.Body.QueueSize = s.queue.QueueSize()
	return resp, nil
}

type SyncStatusResponse struct {
	Body syncqueue.Status
}

func (s *Server) flushSyncQueue(ctx context.Context, input *struct{}) (*SyncStatusResponse, error) {
	s.queue.ForceProcess()
	return &SyncStatusResponse{Body: s.queue.Status()}, nil
}

func (s *Server) clearSyncQueue(ctx context.Context, input *struct{}) (*struct{}, error) {
	s.queue.Clear()
	return nil, nil
}

func (s *Server) syncStatus(ctx context.Context, input *struct{}) (*SyncStatusResponse, error) {
	return &SyncStatusResponse{Body: s.queue.Status()}, nil
}

type ListSyncRunsRequest struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500" doc:"Maximum number of runs to return"`
}

type ListSyncRunsResponse struct {
	Body []models.SyncRun
}

func (s *Server) listSyncRuns(ctx context.Context, input *ListSyncRunsRequest) (*ListSyncRunsResponse, error) {
	runs, err := s.db.ListSyncRuns(input.Limit)
	if err != nil {
		return nil, huma.Error500InternalServerError("Failed to list sync runs", err)
	}

	if runs == nil {
		runs = []models.SyncRun{}
	}

	return &ListSyncRunsResponse{Body: runs}, nil
}
