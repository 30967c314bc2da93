package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c.mueller/logbook-sync/internal/syncqueue"
	"github.com/c.mueller/logbook-sync/internal/worker"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Node     NodeConfig    `yaml:"node"`
	Cluster  ClusterConfig `yaml:"cluster"`
	Sync     SyncConfig    `yaml:"sync"`
	Worker   WorkerConfig  `yaml:"worker"`
	Log      LogConfig     `yaml:"log"`
	LogLevel string        `yaml:"log_level,omitempty"` // deprecated, use log.level
}

// NodeConfig contains node-specific configuration
type NodeConfig struct {
	Name     string     `yaml:"name"`
	Serf     SerfConfig `yaml:"serf"`
	HTTP     HTTPConfig `yaml:"http"`
	Database DBConfig   `yaml:"database"`
}

// SerfConfig contains Serf-specific configuration
type SerfConfig struct {
	BindAddr string `yaml:"bind_addr"`
}

// HTTPConfig contains HTTP server configuration
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// DBConfig contains database configuration
type DBConfig struct {
	Path string `yaml:"path"`
}

// ClusterConfig contains cluster configuration
type ClusterConfig struct {
	Seeds       []string `yaml:"seeds"`
	JoinTimeout int      `yaml:"join_timeout,omitempty"` // seconds
}

// SyncConfig tunes the sync trigger queue. Durations are milliseconds.
type SyncConfig struct {
	MaxQueueSize     int            `yaml:"max_queue_size,omitempty"`
	Windows          map[string]int `yaml:"windows,omitempty"`
	DefaultWindow    int            `yaml:"default_window,omitempty"`
	Priorities       map[string]int `yaml:"priorities,omitempty"`
	DefaultPriority  int            `yaml:"default_priority,omitempty"`
	BreakerTrigger   string         `yaml:"breaker_trigger,omitempty"`
	BreakerThreshold int            `yaml:"breaker_threshold,omitempty"`
	BreakerWindow    int            `yaml:"breaker_window,omitempty"`
	BreakerDisabled  bool           `yaml:"breaker_disabled,omitempty"`
	ProcessTimeout   int            `yaml:"process_timeout,omitempty"`
}

// WorkerConfig contains the background job schedules
type WorkerConfig struct {
	SyncSchedule  string `yaml:"sync_schedule,omitempty"`
	PruneSchedule string `yaml:"prune_schedule,omitempty"`
	RetentionDays int    `yaml:"retention_days,omitempty"`
}

// LogConfig controls log level and the optional rotating log file
type LogConfig struct {
	Level      string `yaml:"level,omitempty"` // debug, info, warn, error
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{
		Node: NodeConfig{
			Serf: SerfConfig{BindAddr: "0.0.0.0:7946"},
		},
		Cluster: ClusterConfig{Seeds: []string{}},
	}
	cfg.applyDefaults()
	return cfg
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Node.HTTP.Port == 0 {
		c.Node.HTTP.Port = 8080
	}
	if c.Node.Database.Path == "" {
		c.Node.Database.Path = "./logbook.db"
	}
	if c.Node.Serf.BindAddr == "" {
		c.Node.Serf.BindAddr = "0.0.0.0:7946"
	}
	if c.Cluster.JoinTimeout == 0 {
		c.Cluster.JoinTimeout = 10
	}

	if c.Log.Level == "" {
		c.Log.Level = c.LogLevel
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}

	defaults := worker.DefaultConfig()
	if c.Worker.SyncSchedule == "" {
		c.Worker.SyncSchedule = defaults.SyncSpec
	}
	if c.Worker.PruneSchedule == "" {
		c.Worker.PruneSchedule = defaults.PruneSpec
	}
	if c.Worker.RetentionDays == 0 {
		c.Worker.RetentionDays = int(defaults.Retention / (24 * time.Hour))
	}
}

// Validate reports configuration values that cannot work
func (c *Config) Validate() error {
	if c.Node.HTTP.Port < 0 || c.Node.HTTP.Port > 65535 {
		return fmt.Errorf("invalid http port %d", c.Node.HTTP.Port)
	}
	if c.Sync.MaxQueueSize < 0 {
		return fmt.Errorf("sync.max_queue_size must not be negative")
	}
	for trigger, ms := range c.Sync.Windows {
		if ms < 0 {
			return fmt.Errorf("sync.windows.%s must not be negative", trigger)
		}
	}
	if c.Sync.BreakerThreshold < 0 || c.Sync.BreakerWindow < 0 {
		return fmt.Errorf("sync breaker settings must not be negative")
	}
	if c.Worker.RetentionDays < 0 {
		return fmt.Errorf("worker.retention_days must not be negative")
	}
	return nil
}

// QueueConfig converts the sync section into a queue configuration. Unset
// values keep the queue defaults; configured windows and priorities are
// merged over the default tables.
func (c *Config) QueueConfig() *syncqueue.Config {
	qc := syncqueue.DefaultConfig()
	s := c.Sync

	if s.MaxQueueSize > 0 {
		qc.MaxQueueSize = s.MaxQueueSize
	}
	for trigger, ms := range s.Windows {
		qc.Windows[trigger] = millis(ms)
	}
	if s.DefaultWindow > 0 {
		qc.DefaultWindow = millis(s.DefaultWindow)
	}
	for trigger, p := range s.Priorities {
		qc.Priorities[trigger] = p
	}
	if s.DefaultPriority > 0 {
		qc.DefaultPriority = s.DefaultPriority
	}
	if s.BreakerTrigger != "" {
		qc.Breaker.Trigger = s.BreakerTrigger
	}
	if s.BreakerThreshold > 0 {
		qc.Breaker.Threshold = s.BreakerThreshold
	}
	if s.BreakerWindow > 0 {
		qc.Breaker.Window = millis(s.BreakerWindow)
	}
	if s.BreakerDisabled {
		qc.Breaker = syncqueue.BreakerConfig{}
	}
	if s.ProcessTimeout > 0 {
		qc.ProcessTimeout = millis(s.ProcessTimeout)
	}

	return qc
}

// WorkerSchedules converts the worker section into worker schedules
func (c *Config) WorkerSchedules() worker.Config {
	return worker.Config{
		SyncSpec:  c.Worker.SyncSchedule,
		PruneSpec: c.Worker.PruneSchedule,
		Retention: time.Duration(c.Worker.RetentionDays) * 24 * time.Hour,
	}
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// ParseLogLevel converts a log level string to slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
