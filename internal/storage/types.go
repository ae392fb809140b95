package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Status is the persisted lifecycle state of a minion.
// "starting" is a transient UI label only and is never stored.
type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// Priority classifies alerts for delivery and filtering.
type Priority string

const (
	PriorityInfo     Priority = "info"
	PriorityWarning  Priority = "warning"
	PriorityCritical Priority = "critical"
)

// LogLevel classifies per-minion log entries.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// MinionConfig is the operator-owned identity and settings of one minion.
// Immutable except through an explicit update, which bumps UpdatedAt.
type MinionConfig struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Enabled    bool           `json:"enabled"`
	Targets    []string       `json:"targets"`
	IntervalMS int64          `json:"interval_ms"`
	Settings   map[string]any `json:"settings,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// MinionState is the per-minion mutable run record.
//
// LastItemIDs and KnownMembers are per-target cursors carried across polls
// (and across pause/resume); they are reset only when a minion is created.
type MinionState struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	LastPollAt      time.Time `json:"last_poll_at"`
	NextPollAt      time.Time `json:"next_poll_at"`
	StartedAt       time.Time `json:"started_at"`
	MessagesScanned int64     `json:"messages_scanned"`
	AlertsTriggered int64     `json:"alerts_triggered"`
	// ErrorCount is the lifetime failure total; ConsecutiveFailures is the
	// current unbroken run and is what the error-state threshold watches.
	// A successful poll resets only the latter.
	ErrorCount          int    `json:"error_count"`
	ConsecutiveFailures int    `json:"consecutive_failures,omitempty"`
	LastError           string `json:"last_error,omitempty"`

	LastItemIDs  map[string]int64   `json:"last_item_ids,omitempty"`
	KnownMembers map[string][]int64 `json:"known_members,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Uptime reports how long the minion has been running, zero if stopped.
func (s MinionState) Uptime(now time.Time) time.Duration {
	if s.Status != StatusRunning || s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Alert is immutable once created; only Read/Dismissed flip afterwards.
type Alert struct {
	ID         string    `json:"id"`
	MinionID   string    `json:"minion_id"`
	MinionName string    `json:"minion_name"`
	MinionType string    `json:"minion_type"`
	Category   string    `json:"category"`
	Priority   Priority  `json:"priority"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	TargetID   string    `json:"target_id,omitempty"`
	ItemRef    string    `json:"item_ref,omitempty"`
	UserRef    string    `json:"user_ref,omitempty"`
	Payload    string    `json:"payload,omitempty"` // opaque forensic detail
	Read       bool      `json:"read"`
	Dismissed  bool      `json:"dismissed"`
	CreatedAt  time.Time `json:"created_at"`
}

// LogEntry is an append-only diagnostic record. Pruned by age only.
type LogEntry struct {
	Seq      int64     `json:"seq"`
	MinionID string    `json:"minion_id"`
	Level    LogLevel  `json:"level"`
	Message  string    `json:"message"`
	Payload  string    `json:"payload,omitempty"`
	At       time.Time `json:"at"`
}

// AlertQuery filters ListAlerts. Zero values mean "no filter".
// Results are newest-first.
type AlertQuery struct {
	MinionID   string
	Priority   Priority
	Since      time.Time
	UnreadOnly bool
	Limit      int
}

// LogQuery filters ListLogs. Results are newest-first.
type LogQuery struct {
	MinionID string
	Level    LogLevel
	Since    time.Time
	Limit    int
}
