package worker

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (p *fakePruner) PruneSyncRuns(before time.Time) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cutoffs = append(p.cutoffs, before)
	return 3, p.err
}

type triggerLog struct {
	mu       sync.Mutex
	triggers []string
	metadata []map[string]any
}

func (l *triggerLog) raise(trigger string, md map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.triggers = append(l.triggers, trigger)
	l.metadata = append(l.metadata, md)
}

func (l *triggerLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.triggers)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew_RejectsInvalidSpecs(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"bad sync spec", Config{SyncSpec: "every five minutes"}},
		{"bad prune spec", Config{PruneSpec: "* * *", Retention: time.Hour}},
		{"prune without retention", Config{PruneSpec: "@hourly"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, (&triggerLog{}).raise, &fakePruner{}, discard())
			assert.Error(t, err)
		})
	}
}

func TestNew_DefaultConfig(t *testing.T) {
	w, err := New(DefaultConfig(), (&triggerLog{}).raise, &fakePruner{}, discard())
	require.NoError(t, err)
	assert.Len(t, w.cron.Entries(), 2)
}

func TestTriggerSync_RaisesPeriodic(t *testing.T) {
	log := &triggerLog{}
	w, err := New(Config{}, log.raise, nil, discard())
	require.NoError(t, err)

	w.triggerSync()
	w.triggerSync()

	require.Equal(t, 2, log.count())
	assert.Equal(t, []string{syncqueue.TriggerPeriodic, syncqueue.TriggerPeriodic}, log.triggers)
	assert.Equal(t, int64(2), log.metadata[1]["tick"])
}

func TestPruneRuns_UsesRetention(t *testing.T) {
	pruner := &fakePruner{}
	w, err := New(Config{PruneSpec: "@daily", Retention: 24 * time.Hour}, nil, pruner, discard())
	require.NoError(t, err)

	now := time.Date(2026, 3, 4, 12, 0, 0, 0, time.UTC)
	w.clock = clockwork.NewFakeClockAt(now)

	w.pruneRuns()

	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), pruner.cutoffs[0])
}

func TestPruneRuns_ErrorIsLogged(t *testing.T) {
	pruner := &fakePruner{err: errors.New("disk full")}
	w, err := New(Config{PruneSpec: "@daily", Retention: time.Hour}, nil, pruner, discard())
	require.NoError(t, err)

	assert.NotPanics(t, w.pruneRuns)
	assert.Len(t, pruner.cutoffs, 1)
}

func TestWorker_RunsSchedule(t *testing.T) {
	log := &triggerLog{}
	w, err := New(Config{SyncSpec: "@every 1s"}, log.raise, nil, discard())
	require.NoError(t, err)

	w.Start()
	defer w.Stop()

	assert.False(t, w.NextSync().IsZero())
	assert.Eventually(t, func() bool { return log.count() >= 1 }, 3*time.Second, 50*time.Millisecond)
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	w, err := New(DefaultConfig(), (&triggerLog{}).raise, &fakePruner{}, discard())
	require.NoError(t, err)

	w.Start()
	w.Start()
	w.Stop()
	w.Stop()

	// A stopped worker does not restart.
	w.Start()
	assert.True(t, w.stopped)
}

func TestWorker_StopWithoutStart(t *testing.T) {
	w, err := New(Config{}, nil, nil, discard())
	require.NoError(t, err)

	assert.NotPanics(t, w.Stop)
	assert.True(t, w.NextSync().IsZero())
}
