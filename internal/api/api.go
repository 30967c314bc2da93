package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/c.mueller/logbook-sync/internal/database"
	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/danielgtaylor/huma/v2"
)

// Cluster interface for broadcasting entries and reporting membership
type Cluster interface {
	BroadcastEntry(entry models.Entry) error
	IsReady() bool
	LocalNode() string
	MemberCount() int
	GetMemberInfo() []models.ClusterMemberInfo
}

// SyncQueue is the coalescing trigger queue in front of the syncer
type SyncQueue interface {
	QueueEvent(trigger string, metadata map[string]any)
	ForceProcess()
	Clear()
	QueueSize() int
	PriorityOf(trigger string) int
	Status() syncqueue.Status
}

// Server holds the API server dependencies
type Server struct {
	db      *database.DB
	cluster Cluster
	queue   SyncQueue
	logger  *slog.Logger
}

// NewServer creates a new API server. cluster may be nil for a standalone
// node.
func NewServer(db *database.DB, cluster Cluster, queue SyncQueue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		db:      db,
		cluster: cluster,
		queue:   queue,
		logger:  logger.With("component", "api"),
	}
}

// RegisterRoutes registers all API routes with the Huma API
func (s *Server) RegisterRoutes(api huma.API) {
	// GET /health/ready - Health check
	huma.Register(api, huma.Operation{
		OperationID: "health-ready",
		Method:      http.MethodGet,
		Path:        "/health/ready",
		Summary:     "Readiness check",
		Description: "Check if the node is ready to serve requests (initial sync finished)",
		Tags:        []string{"health"},
	}, s.healthReady)

	// GET /health/info - Cluster info
	huma.Register(api, huma.Operation{
		OperationID: "health-info",
		Method:      http.MethodGet,
		Path:        "/health/info",
		Summary:     "Node information",
		Description: "Get information about the node, its sync queue and the cluster members",
		Tags:        []string{"health"},
	}, s.healthInfo)

	s.registerEntryRoutes(api)
	s.registerSyncRoutes(api)
}

type HealthReadyResponse struct {
	Body struct {
		Ready   bool   `json:"ready" doc:"Whether the node is ready to serve requests"`
		Message string `json:"message,omitempty" doc:"Optional status message"`
	}
}

func (s *Server) healthReady(ctx context.Context, input *struct{}) (*HealthReadyResponse, error) {
	resp := &HealthReadyResponse{}

	if s.cluster == nil {
		resp.Body.Ready = true
		resp.Body.Message = "Running in standalone mode"
		return resp, nil
	}

	if s.cluster.IsReady() {
		resp.Body.Ready = true
		resp.Body.Message = "Node is ready"
		return resp, nil
	}

	return nil, huma.Error503ServiceUnavailable("Node is syncing, not ready yet")
}

type HealthInfoResponse struct {
	Body struct {
		NodeName    string                     `json:"node_name" doc:"Name of this node"`
		Ready       bool                       `json:"ready" doc:"Whether the node is ready to serve requests"`
		ClusterMode bool                       `json:"cluster_mode" doc:"Whether clustering is enabled"`
		MemberCount int                        `json:"member_count" doc:"Number of cluster members"`
		Members     []models.ClusterMemberInfo `json:"members,omitempty" doc:"List of cluster members"`
		EntryCount  int                        `json:"entry_count" doc:"Number of live entries in the local database"`
		QueueSize   int                        `json:"queue_size" doc:"Number of sync triggers waiting to be coalesced"`
		LastSyncAt  string                     `json:"last_sync_at,omitempty" doc:"Cursor of the last successful sync run (RFC 3339)"`
	}
}

func (s *Server) healthInfo(ctx context.Context, input *struct{}) (*HealthInfoResponse, error) {
	resp := &HealthInfoResponse{}

	entryCount, err := s.db.CountEntries()
	if err != nil {
		entryCount = -1 // Indicate error
	}
	resp.Body.EntryCount = entryCount
	resp.Body.QueueSize = s.queue.QueueSize()

	if cursor, err := s.db.GetSyncCursor(); err == nil && !cursor.IsZero() {
		resp.Body.LastSyncAt = cursor.Format(time.RFC3339)
	}

	if s.cluster == nil {
		resp.Body.NodeName = "standalone"
		resp.Body.Ready = true
		resp.Body.MemberCount = 1
		return resp, nil
	}

	resp.Body.NodeName = s.cluster.LocalNode()
	resp.Body.Ready = s.cluster.IsReady()
	resp.Body.ClusterMode = true
	resp.Body.MemberCount = s.cluster.MemberCount()
	resp.Body.Members = s.cluster.GetMemberInfo()

	return resp, nil
}
