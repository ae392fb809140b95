package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "watchbot/pkg/logx"
)

// Store is the persistence API consumed by the engine and the alert sink.
type Store interface {
	PutConfig(ctx context.Context, c MinionConfig) error
	GetConfig(ctx context.Context, id string) (MinionConfig, bool, error)
	ListConfigs(ctx context.Context) ([]MinionConfig, error)

	PutState(ctx context.Context, s MinionState) error
	GetState(ctx context.Context, id string) (MinionState, bool, error)
	ListStates(ctx context.Context) ([]MinionState, error)

	PutAlert(ctx context.Context, a Alert) error
	GetAlert(ctx context.Context, id string) (Alert, bool, error)
	ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error)
	CountUnreadAlerts(ctx context.Context) (int, error)

	AppendLog(ctx context.Context, e LogEntry) error
	ListLogs(ctx context.Context, q LogQuery) ([]LogEntry, error)
	PruneLogs(ctx context.Context, before time.Time) (int64, error)
	PruneDismissedAlerts(ctx context.Context, before time.Time) (int64, error)

	// DeleteMinion cascades: config, state, alerts and logs for the id.
	DeleteMinion(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
