package minion

import (
	"context"
	"time"

	"watchbot/internal/bridge"
	"watchbot/internal/storage"
)

// Scheduling constants. The interval floor and jitter span are part of the
// engine's contract with the shared upstream quota, not tunables.
const (
	minPollInterval = 30 * time.Second
	pollJitterSpan  = 5 * time.Second

	// failureThreshold is the number of consecutive poll failures after
	// which a minion is parked in error state until an operator restarts it.
	failureThreshold = 10
)

// Config controls the engine, not individual minions.
type Config struct {
	// AutoStart starts enabled minions after Load().
	AutoStart bool
	// PollTimeout bounds a single strategy invocation. 0 means default.
	PollTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Minute
	}
	return c
}

// Handle is passed to strategies for everything user-visible: alerts go
// through EmitAlert, diagnostics through Log, upstream data through
// Bridge. Strategies must not retain it beyond the call.
type Handle interface {
	// EmitAlert routes an alert through the sink. Minion identity and id
	// are filled in by the engine.
	EmitAlert(ctx context.Context, a storage.Alert)

	// Log records a per-minion diagnostic entry.
	Log(ctx context.Context, level storage.LogLevel, msg string, payload string)

	// Bridge exposes the upstream data bridge.
	Bridge() bridge.Bridge
}

// StateUpdate is the partial state a strategy returns from one poll.
// The engine owns merging; counters are deltas, cursors merge per target.
// The error counter is untouched unless ResetErrorCount is set.
type StateUpdate struct {
	MessagesScanned int64
	LastItemIDs     map[string]int64
	KnownMembers    map[string][]int64
	ResetErrorCount bool
}

// Strategy is the pluggable per-type polling capability.
//
// Contract: a strategy must be safe against stale state snapshots (the
// engine owns merging), must emit alerts/logs only through the handle, and
// must return an error to signal failure - the engine relies on it to
// drive the failure-threshold state machine.
type Strategy interface {
	Type() string
	Poll(ctx context.Context, cfg storage.MinionConfig, st storage.MinionState, h Handle) (StateUpdate, error)
}

// AlertSink consumes alerts emitted during polls.
type AlertSink interface {
	Emit(ctx context.Context, a storage.Alert)
}

// ConfigPatch is an explicit partial update; nil fields are left alone.
type ConfigPatch struct {
	Name       *string
	Enabled    *bool
	Targets    *[]string
	IntervalMS *int64
	Settings   *map[string]any
}

// ChangeEvent notifies listeners about lifecycle mutations.
type ChangeEvent struct {
	Op       string // created|updated|deleted|started|stopped|paused|resumed|errored|polled
	MinionID string
	Status   storage.Status
}

// ChangeListener is invoked synchronously after persistence; it must not
// block scheduling.
type ChangeListener func(ev ChangeEvent)

// Stats aggregates counters across all minions.
type Stats struct {
	Total   int
	Running int
	Paused  int
	Stopped int
	Errored int

	MessagesScanned int64
	AlertsTriggered int64
	ErrorCount      int64
}
