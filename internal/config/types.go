package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Storage is optional; when omitted the bot runs on the in-memory
	// store and loses everything on restart.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Limiter tunes the shared upstream rate limiter.
	Limiter *LimiterConfig `json:"limiter,omitempty"`

	Engine  EngineConfig   `json:"engine"`
	Janitor *JanitorConfig `json:"janitor,omitempty"`

	// Telegram enables outward alert delivery. Absence only disables
	// delivery; monitoring is unaffected.
	Telegram *TelegramConfig `json:"telegram,omitempty"`
	Alerts   *AlertsConfig   `json:"alerts,omitempty"`

	// Minions seeds configurations at first boot. Seeds never overwrite a
	// minion already present in storage with the same id.
	Minions []MinionSeed `json:"minions,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./watchbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// LimiterConfig tunes upstream call pacing.
//
// All durations are Go duration strings (e.g. "500ms", "2s", "1m").
type LimiterConfig struct {
	MinDelay      string  `json:"min_delay,omitempty"`
	MaxDelay      string  `json:"max_delay,omitempty"` // bounds spacing jitter
	MaxConcurrent int     `json:"max_concurrent,omitempty"`
	BackoffStep   string  `json:"backoff_step,omitempty"`
	BackoffFactor float64 `json:"backoff_factor,omitempty"`
	MaxBackoff    string  `json:"max_backoff,omitempty"`
	FloodMargin   string  `json:"flood_margin,omitempty"`
}

type EngineConfig struct {
	// AutoStart starts enabled minions on boot.
	AutoStart bool `json:"auto_start"`
	// PollTimeout bounds one strategy invocation ("2m" default).
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// JanitorConfig controls retention sweeps.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, default "@every 1h"
	// Retention windows as Go duration strings.
	LogRetention   string `json:"log_retention,omitempty"`
	AlertRetention string `json:"alert_retention,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	// Timeout is a Go duration string for one send.
	Timeout string `json:"timeout,omitempty"`
}

type AlertsConfig struct {
	QueueSize  int    `json:"queue_size,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

// MinionSeed declares one minion in the config file. Interval is a Go
// duration string; the engine still enforces its own floor.
type MinionSeed struct {
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name"`
	Type     string         `json:"type"`
	Enabled  bool           `json:"enabled"`
	Targets  []string       `json:"targets,omitempty"`
	Interval string         `json:"interval,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}
