package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "node:\n  name: node-1\n"))
	require.NoError(t, err)

	assert.Equal(t, "node-1", cfg.Node.Name)
	assert.Equal(t, 8080, cfg.Node.HTTP.Port)
	assert.Equal(t, "./logbook.db", cfg.Node.Database.Path)
	assert.Equal(t, "0.0.0.0:7946", cfg.Node.Serf.BindAddr)
	assert.Equal(t, 10, cfg.Cluster.JoinTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "@every 5m", cfg.Worker.SyncSchedule)
	assert.Equal(t, 7, cfg.Worker.RetentionDays)
}

func TestLoadConfig_Full(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
node:
  name: node-2
  serf:
    bind_addr: 127.0.0.1:7947
  http:
    port: 8081
  database:
    path: /tmp/node2.db
cluster:
  seeds: ["127.0.0.1:7946"]
  join_timeout: 5
sync:
  max_queue_size: 20
  windows:
    manual: 50
    route-change: 250
  priorities:
    route-change: 9
  breaker_threshold: 4
  breaker_window: 30000
  process_timeout: 15000
worker:
  sync_schedule: "*/10 * * * *"
  retention_days: 2
log:
  level: debug
  file: /var/log/logbook.log
`))
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:7946"}, cfg.Cluster.Seeds)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "/var/log/logbook.log", cfg.Log.File)
	assert.Equal(t, 50, cfg.Log.MaxSizeMB)

	qc := cfg.QueueConfig()
	assert.Equal(t, 20, qc.MaxQueueSize)
	assert.Equal(t, 50*time.Millisecond, qc.Windows[syncqueue.TriggerManual])
	assert.Equal(t, 500*time.Millisecond, qc.Windows[syncqueue.TriggerOnline])
	assert.Equal(t, 250*time.Millisecond, qc.Windows[syncqueue.TriggerRouteChange])
	assert.Equal(t, 9, qc.Priorities[syncqueue.TriggerRouteChange])
	assert.Equal(t, 10, qc.Priorities[syncqueue.TriggerManual])
	assert.Equal(t, syncqueue.TriggerFocus, qc.Breaker.Trigger)
	assert.Equal(t, 4, qc.Breaker.Threshold)
	assert.Equal(t, 30*time.Second, qc.Breaker.Window)
	assert.Equal(t, 15*time.Second, qc.ProcessTimeout)

	ws := cfg.WorkerSchedules()
	assert.Equal(t, "*/10 * * * *", ws.SyncSpec)
	assert.Equal(t, "@hourly", ws.PruneSpec)
	assert.Equal(t, 48*time.Hour, ws.Retention)
}

func TestLoadConfig_LegacyLogLevel(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "log_level: warn\n"))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "node: [not a map"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "sync:\n  windows:\n    manual: -5\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "node:\n  http:\n    port: 70000\n"))
	assert.Error(t, err)
}

func TestDefault_QueueConfigMatchesQueueDefaults(t *testing.T) {
	qc := Default().QueueConfig()
	def := syncqueue.DefaultConfig()

	assert.Equal(t, def.MaxQueueSize, qc.MaxQueueSize)
	assert.Equal(t, def.Windows, qc.Windows)
	assert.Equal(t, def.Priorities, qc.Priorities)
	assert.Equal(t, def.Breaker, qc.Breaker)
	assert.Equal(t, def.DefaultWindow, qc.DefaultWindow)
}

func TestQueueConfig_BreakerDisabled(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
sync:
  breaker_disabled: true
  breaker_trigger: focus
  breaker_threshold: 4
`))
	require.NoError(t, err)

	qc := cfg.QueueConfig()
	assert.Equal(t, syncqueue.BreakerConfig{}, qc.Breaker)

	q, err := syncqueue.New(func(context.Context, syncqueue.Event) error { return nil }, qc)
	require.NoError(t, err)
	for i := 0; i < 25; i++ {
		q.QueueEvent(syncqueue.TriggerFocus, nil)
	}
	q.Clear()
	assert.Equal(t, 0, q.Status().Stats.DroppedBreaker)
}

func TestQueueConfig_EmptyBreakerKeysKeepDefault(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, `
sync:
  breaker_trigger: ""
  breaker_threshold: 0
`))
	require.NoError(t, err)
	assert.Equal(t, syncqueue.DefaultConfig().Breaker, cfg.QueueConfig().Breaker)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"nonsense", slog.LevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), tt.in)
	}
}
