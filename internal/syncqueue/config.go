package syncqueue

import (
	"log/slog"
	"maps"
	"time"

	"github.com/jonboulle/clockwork"
)

// Trigger names known to the default tables. Callers may use any other tag;
// unknown triggers get DefaultPriority and DefaultWindow.
const (
	TriggerManual      = "manual"
	TriggerOnline      = "online"
	TriggerRouteChange = "route-change"
	TriggerFocus       = "focus"
	TriggerVisibility  = "visibility"
	TriggerPeriodic    = "periodic"
	TriggerAutomatic   = "automatic"
)

// BreakerConfig limits how often a single trigger may enqueue events.
// A zero Threshold or empty Trigger disables the breaker.
type BreakerConfig struct {
	Trigger   string
	Threshold int
	Window    time.Duration
}

// Config holds the queue's tunables.
type Config struct {
	// MaxQueueSize bounds the buffer. When reached, the oldest half is dropped.
	MaxQueueSize int

	// Windows maps a trigger to its coalescence delay.
	Windows       map[string]time.Duration
	DefaultWindow time.Duration

	// Priorities maps a trigger to its priority. Higher wins.
	Priorities      map[string]int
	DefaultPriority int

	Breaker BreakerConfig

	// ProcessTimeout bounds a single processor call. Zero means no deadline.
	ProcessTimeout time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger
}

// DefaultPriorities returns the standard trigger priority table.
func DefaultPriorities() map[string]int {
	return map[string]int{
		TriggerManual:      10,
		TriggerOnline:      8,
		TriggerRouteChange: 7,
		TriggerFocus:       5,
		TriggerVisibility:  5,
		TriggerPeriodic:    3,
		TriggerAutomatic:   1,
	}
}

// DefaultWindows returns the standard per-trigger coalescence delays.
func DefaultWindows() map[string]time.Duration {
	return map[string]time.Duration{
		TriggerManual: 100 * time.Millisecond,
		TriggerOnline: 500 * time.Millisecond,
	}
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxQueueSize:    50,
		Windows:         DefaultWindows(),
		DefaultWindow:   time.Second,
		Priorities:      DefaultPriorities(),
		DefaultPriority: 1,
		Breaker: BreakerConfig{
			Trigger:   TriggerFocus,
			Threshold: 10,
			Window:    time.Minute,
		},
		Clock:  clockwork.NewRealClock(),
		Logger: slog.Default(),
	}
}

// normalized returns a copy of c with zero fields replaced by defaults.
// The lookup tables are cloned so later changes by the caller have no effect.
func (c *Config) normalized() Config {
	def := DefaultConfig()
	if c == nil {
		return *def
	}

	out := *c
	if out.MaxQueueSize <= 0 {
		out.MaxQueueSize = def.MaxQueueSize
	}
	if out.DefaultWindow <= 0 {
		out.DefaultWindow = def.DefaultWindow
	}
	if out.Windows == nil {
		out.Windows = def.Windows
	} else {
		out.Windows = maps.Clone(out.Windows)
	}
	if out.Priorities == nil {
		out.Priorities = def.Priorities
	} else {
		out.Priorities = maps.Clone(out.Priorities)
	}
	if out.Clock == nil {
		out.Clock = def.Clock
	}
	if out.Logger == nil {
		out.Logger = def.Logger
	}
	return out
}

func (c *Config) priority(trigger string) int {
	if p, ok := c.Priorities[trigger]; ok {
		return p
	}
	return c.DefaultPriority
}

func (c *Config) window(trigger string) time.Duration {
	if w, ok := c.Windows[trigger]; ok && w > 0 {
		return w
	}
	return c.DefaultWindow
}
