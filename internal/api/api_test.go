package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/c.mueller/logbook-sync/internal/database"
	"github.com/c.mueller/logbook-sync/internal/models"
	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/humatest"
	"github.com/go-chi/chi/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	mu        sync.Mutex
	ready     bool
	broadcast []models.Entry
	err       error
}

func (c *fakeCluster) BroadcastEntry(entry models.Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.broadcast = append(c.broadcast, entry)
	return c.err
}

func (c *fakeCluster) IsReady() bool     { return c.ready }
func (c *fakeCluster) LocalNode() string { return "node-a" }
func (c *fakeCluster) MemberCount() int  { return 2 }
func (c *fakeCluster) GetMemberInfo() []models.ClusterMemberInfo {
	return []models.ClusterMemberInfo{
		{Name: "node-a", Addr: "127.0.0.1", Status: "alive"},
		{Name: "node-b", Addr: "127.0.0.2", Status: "alive"},
	}
}

type processed struct {
	mu     sync.Mutex
	events []syncqueue.Event
}

func (p *processed) process(ctx context.Context, ev syncqueue.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *processed) all() []syncqueue.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]syncqueue.Event(nil), p.events...)
}

type fixture struct {
	db        *database.DB
	cluster   *fakeCluster
	queue     *syncqueue.Queue
	processed *processed
	server    *Server
}

// newFixture wires a server over a temp database and a queue whose timers
// never fire on their own.
func newFixture(t *testing.T, cluster *fakeCluster) *fixture {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := &processed{}
	cfg := syncqueue.DefaultConfig()
	cfg.Clock = clockwork.NewFakeClock()
	cfg.Logger = logger
	q, err := syncqueue.New(p.process, cfg)
	require.NoError(t, err)

	f := &fixture{db: db, cluster: cluster, queue: q, processed: p}
	if cluster != nil {
		f.server = NewServer(db, cluster, q, logger)
	} else {
		f.server = NewServer(db, nil, q, logger)
	}
	return f
}

func (f *fixture) api(t *testing.T) humatest.TestAPI {
	_, api := humatest.New(t)
	f.server.RegisterRoutes(api)
	return api
}

func decode[T any](t *testing.T, resp *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &v), resp.Body.String())
	return v
}

func TestHealthReady(t *testing.T) {
	cluster := &fakeCluster{}
	api := newFixture(t, cluster).api(t)

	resp := api.Get("/health/ready")
	assert.Equal(t, http.StatusServiceUnavailable, resp.Code)

	cluster.ready = true
	resp = api.Get("/health/ready")
	assert.Equal(t, http.StatusOK, resp.Code)
}

func TestHealthReady_Standalone(t *testing.T) {
	api := newFixture(t, nil).api(t)

	resp := api.Get("/health/ready")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "standalone")
}

func TestHealthInfo(t *testing.T) {
	f := newFixture(t, &fakeCluster{ready: true})
	api := f.api(t)

	_, err := f.db.CreateEntry(models.CreateEntryInput{Piece: "Scales", Minutes: 10})
	require.NoError(t, err)
	f.queue.QueueEvent(syncqueue.TriggerFocus, nil)

	resp := api.Get("/health/info")
	require.Equal(t, http.StatusOK, resp.Code)

	body := decode[map[string]any](t, resp)
	assert.Equal(t, "node-a", body["node_name"])
	assert.Equal(t, true, body["cluster_mode"])
	assert.EqualValues(t, 2, body["member_count"])
	assert.EqualValues(t, 1, body["entry_count"])
	assert.EqualValues(t, 1, body["queue_size"])
}

func TestEntries_CRUD(t *testing.T) {
	cluster := &fakeCluster{ready: true}
	f := newFixture(t, cluster)
	api := f.api(t)

	resp := api.Post("/entries", map[string]any{
		"piece":    "Nocturne Op. 9 No. 2",
		"composer": "Chopin",
		"minutes":  25,
	})
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())
	created := decode[models.Entry](t, resp)
	assert.NotEmpty(t, created.ExternID)
	assert.Equal(t, "Chopin", created.Composer)

	resp = api.Get("/entries")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]models.Entry](t, resp), 1)

	resp = api.Put("/entries/1", map[string]any{"minutes": 40})
	require.Equal(t, http.StatusOK, resp.Code, resp.Body.String())
	assert.Equal(t, 40, decode[models.Entry](t, resp).Minutes)

	resp = api.Delete("/entries/1")
	require.Equal(t, http.StatusNoContent, resp.Code)

	resp = api.Get("/entries/1")
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = api.Get("/entries")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "[]", strings.TrimSpace(resp.Body.String()))

	require.Len(t, cluster.broadcast, 3)
	assert.True(t, cluster.broadcast[2].Deleted)

	// Each mutation raised an automatic trigger for the same entry.
	status := f.queue.Status()
	require.Len(t, status.Events, 3)
	for _, ev := range status.Events {
		assert.Equal(t, syncqueue.TriggerAutomatic, ev.Trigger)
	}
}

func TestEntries_Validation(t *testing.T) {
	api := newFixture(t, nil).api(t)

	resp := api.Post("/entries", map[string]any{"piece": "", "minutes": 10})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = api.Post("/entries", map[string]any{"piece": "Etude", "minutes": 0})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)

	resp = api.Get("/entries/0")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestEntries_NotFound(t *testing.T) {
	api := newFixture(t, nil).api(t)

	assert.Equal(t, http.StatusNotFound, api.Get("/entries/42").Code)
	assert.Equal(t, http.StatusNotFound, api.Put("/entries/42", map[string]any{"minutes": 5}).Code)
	assert.Equal(t, http.StatusNotFound, api.Delete("/entries/42").Code)
}

func TestEntries_DuplicateExternID(t *testing.T) {
	api := newFixture(t, nil).api(t)

	body := map[string]any{"extern_id": "fixed", "piece": "Etude", "minutes": 5}
	require.Equal(t, http.StatusCreated, api.Post("/entries", body).Code)
	assert.Equal(t, http.StatusConflict, api.Post("/entries", body).Code)
}

func TestEntries_BroadcastFailureDoesNotFailRequest(t *testing.T) {
	api := newFixture(t, &fakeCluster{ready: true, err: errors.New("serf down")}).api(t)

	resp := api.Post("/entries", map[string]any{"piece": "Etude", "minutes": 5})
	assert.Equal(t, http.StatusCreated, resp.Code)
}

func TestSync_QueueFlushClear(t *testing.T) {
	f := newFixture(t, nil)
	api := f.api(t)

	resp := api.Post("/sync/events", map[string]any{"trigger": "periodic"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	queued := decode[map[string]any](t, resp)
	assert.EqualValues(t, 3, queued["priority"])
	assert.EqualValues(t, 1, queued["queue_size"])

	resp = api.Post("/sync/events", map[string]any{"trigger": "manual", "metadata": map[string]any{"source": "button"}})
	require.Equal(t, http.StatusAccepted, resp.Code)

	resp = api.Get("/sync/status")
	require.Equal(t, http.StatusOK, resp.Code)
	status := decode[syncqueue.Status](t, resp)
	assert.Equal(t, 2, status.QueueSize)
	assert.True(t, status.HasPendingTimer)

	resp = api.Post("/sync/flush")
	require.Equal(t, http.StatusOK, resp.Code)
	status = decode[syncqueue.Status](t, resp)
	assert.Equal(t, 0, status.QueueSize)
	assert.Equal(t, 1, status.Stats.Flushes)
	assert.Equal(t, 1, status.Stats.Coalesced)

	events := f.processed.all()
	require.Len(t, events, 1)
	assert.Equal(t, syncqueue.TriggerManual, events[0].Trigger)
	assert.Equal(t, "button", events[0].Metadata["source"])

	api.Post("/sync/events", map[string]any{"trigger": "focus"})
	resp = api.Delete("/sync/queue")
	require.Equal(t, http.StatusNoContent, resp.Code)
	assert.Equal(t, 0, f.queue.QueueSize())
}

// flushedQueue flushes every event as soon as it is queued, so Status never
// shows the event that was just accepted.
type flushedQueue struct {
	*syncqueue.Queue
}

func (q flushedQueue) QueueEvent(trigger string, metadata map[string]any) {
	q.Queue.QueueEvent(trigger, metadata)
	q.Queue.ForceProcess()
}

func TestSync_QueueReportsPriorityAfterImmediateFlush(t *testing.T) {
	f := newFixture(t, nil)
	f.server = NewServer(f.db, nil, flushedQueue{f.queue}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	api := f.api(t)

	resp := api.Post("/sync/events", map[string]any{"trigger": "online"})
	require.Equal(t, http.StatusAccepted, resp.Code, resp.Body.String())
	queued := decode[map[string]any](t, resp)
	assert.EqualValues(t, 8, queued["priority"])
	assert.EqualValues(t, 0, queued["queue_size"])
	require.Len(t, f.processed.all(), 1)

	resp = api.Post("/sync/events", map[string]any{"trigger": "pdf-annotation"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.EqualValues(t, 1, decode[map[string]any](t, resp)["priority"])
}

func TestSync_QueueReportsPriorityWhenBreakerDiscards(t *testing.T) {
	f := newFixture(t, nil)
	api := f.api(t)

	for i := 0; i < 10; i++ {
		f.queue.QueueEvent(syncqueue.TriggerFocus, nil)
	}
	f.queue.ForceProcess()

	resp := api.Post("/sync/events", map[string]any{"trigger": "focus"})
	require.Equal(t, http.StatusAccepted, resp.Code)
	queued := decode[map[string]any](t, resp)
	assert.EqualValues(t, 5, queued["priority"])
	assert.EqualValues(t, 0, queued["queue_size"])
	assert.Equal(t, 1, f.queue.Status().Stats.DroppedBreaker)
}

func TestSync_RejectsEmptyTrigger(t *testing.T) {
	api := newFixture(t, nil).api(t)

	resp := api.Post("/sync/events", map[string]any{"trigger": ""})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
}

func TestSync_ListRuns(t *testing.T) {
	f := newFixture(t, nil)
	api := f.api(t)

	resp := api.Get("/sync/runs")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "[]", strings.TrimSpace(resp.Body.String()))

	now := time.Now()
	for i := 0; i < 3; i++ {
		_, err := f.db.RecordSyncRun(models.SyncRun{
			EventID:    "sync-1",
			Trigger:    syncqueue.TriggerManual,
			StartedAt:  now.Add(time.Duration(i) * time.Second),
			FinishedAt: now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	resp = api.Get("/sync/runs?limit=2")
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Len(t, decode[[]models.SyncRun](t, resp), 2)
}

func TestSyncSocket(t *testing.T) {
	f := newFixture(t, nil)

	router := chi.NewMux()
	f.server.RegisterRoutes(humachi.New(router, huma.DefaultConfig("Logbook API", "test")))
	f.server.RegisterSocket(router)

	ts := httptest.NewServer(router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/sync/ws", nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	exchange := func(frame any) socketReply {
		t.Helper()
		require.NoError(t, wsjson.Write(ctx, conn, frame))
		var reply socketReply
		require.NoError(t, wsjson.Read(ctx, conn, &reply))
		return reply
	}

	reply := exchange(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", reply.Type)

	reply = exchange(map[string]any{"trigger": "focus", "metadata": map[string]any{"tab": 1}})
	require.Equal(t, "status", reply.Type)
	require.NotNil(t, reply.Status)
	assert.Equal(t, 1, reply.Status.QueueSize)
	assert.Equal(t, 1, reply.Status.FocusEventCount)

	reply = exchange(map[string]any{"type": "status"})
	require.NotNil(t, reply.Status)
	assert.Equal(t, 1, reply.Status.QueueSize)

	reply = exchange(map[string]any{"type": "bogus"})
	assert.Equal(t, "error", reply.Type)
	assert.Contains(t, reply.Error, "bogus")

	reply = exchange(map[string]any{"type": "trigger"})
	assert.Equal(t, "error", reply.Type)

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))
	var bad socketReply
	require.NoError(t, wsjson.Read(ctx, conn, &bad))
	assert.Equal(t, "error", bad.Type)

	// The connection survives a bad frame.
	reply = exchange(map[string]any{"type": "ping"})
	assert.Equal(t, "pong", reply.Type)
}
