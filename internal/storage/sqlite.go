package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "watchbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) PutConfig(ctx context.Context, c MinionConfig) error {
	targets, err := json.Marshal(c.Targets)
	if err != nil {
		return err
	}
	var settings any
	if len(c.Settings) > 0 {
		b, err := json.Marshal(c.Settings)
		if err != nil {
			return err
		}
		settings = string(b)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO minion_configs(id, name, type, enabled, targets, interval_ms, settings, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, type=excluded.type, enabled=excluded.enabled,
		   targets=excluded.targets, interval_ms=excluded.interval_ms,
		   settings=excluded.settings, updated_at=excluded.updated_at`,
		c.ID, c.Name, c.Type, boolInt(c.Enabled), string(targets), c.IntervalMS,
		settings, fmtTime(c.CreatedAt), fmtTime(c.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetConfig(ctx context.Context, id string) (MinionConfig, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, type, enabled, targets, interval_ms, settings, created_at, updated_at
		 FROM minion_configs WHERE id = ?`, id)
	c, err := scanConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MinionConfig{}, false, nil
	}
	if err != nil {
		return MinionConfig{}, false, err
	}
	return c, true, nil
}

func (s *sqliteStore) ListConfigs(ctx context.Context) ([]MinionConfig, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, type, enabled, targets, interval_ms, settings, created_at, updated_at
		 FROM minion_configs ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MinionConfig
	for rows.Next() {
		c, err := scanConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface{ Scan(dest ...any) error }

func scanConfig(r rowScanner) (MinionConfig, error) {
	var (
		c                 MinionConfig
		enabled           int
		targets           string
		settings, created sql.NullString
		updated           sql.NullString
	)
	if err := r.Scan(&c.ID, &c.Name, &c.Type, &enabled, &targets, &c.IntervalMS, &settings, &created, &updated); err != nil {
		return MinionConfig{}, err
	}
	c.Enabled = enabled != 0
	_ = json.Unmarshal([]byte(targets), &c.Targets)
	if settings.Valid && settings.String != "" {
		_ = json.Unmarshal([]byte(settings.String), &c.Settings)
	}
	c.CreatedAt = parseTime(created.String)
	c.UpdatedAt = parseTime(updated.String)
	return c, nil
}

// cursorDoc bundles the per-target cursors into one JSON column.
type cursorDoc struct {
	LastItemIDs  map[string]int64   `json:"last_item_ids,omitempty"`
	KnownMembers map[string][]int64 `json:"known_members,omitempty"`
}

func (s *sqliteStore) PutState(ctx context.Context, st MinionState) error {
	var cursors any
	if len(st.LastItemIDs) > 0 || len(st.KnownMembers) > 0 {
		b, err := json.Marshal(cursorDoc{LastItemIDs: st.LastItemIDs, KnownMembers: st.KnownMembers})
		if err != nil {
			return err
		}
		cursors = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO minion_states(id, status, last_poll_at, next_poll_at, started_at,
		   messages_scanned, alerts_triggered, error_count, consec_failures, last_error, cursors, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   status=excluded.status, last_poll_at=excluded.last_poll_at,
		   next_poll_at=excluded.next_poll_at, started_at=excluded.started_at,
		   messages_scanned=excluded.messages_scanned, alerts_triggered=excluded.alerts_triggered,
		   error_count=excluded.error_count, consec_failures=excluded.consec_failures,
		   last_error=excluded.last_error, cursors=excluded.cursors, updated_at=excluded.updated_at`,
		st.ID, string(st.Status), nullTime(st.LastPollAt), nullTime(st.NextPollAt), nullTime(st.StartedAt),
		st.MessagesScanned, st.AlertsTriggered, st.ErrorCount, st.ConsecutiveFailures,
		nullStr(st.LastError), cursors, fmtTime(st.UpdatedAt),
	)
	return err
}

func (s *sqliteStore) GetState(ctx context.Context, id string) (MinionState, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, last_poll_at, next_poll_at, started_at,
		   messages_scanned, alerts_triggered, error_count, consec_failures, last_error, cursors, updated_at
		 FROM minion_states WHERE id = ?`, id)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return MinionState{}, false, nil
	}
	if err != nil {
		return MinionState{}, false, err
	}
	return st, true, nil
}

func (s *sqliteStore) ListStates(ctx context.Context) ([]MinionState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, last_poll_at, next_poll_at, started_at,
		   messages_scanned, alerts_triggered, error_count, consec_failures, last_error, cursors, updated_at
		 FROM minion_states ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []MinionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func scanState(r rowScanner) (MinionState, error) {
	var st MinionState
	var status string
	var lastPoll, nextPoll, started sql.NullString
	var lastErr, cursors, updated sql.NullString
	if err := r.Scan(&st.ID, &status, &lastPoll, &nextPoll, &started,
		&st.MessagesScanned, &st.AlertsTriggered, &st.ErrorCount, &st.ConsecutiveFailures,
		&lastErr, &cursors, &updated); err != nil {
		return MinionState{}, err
	}
	st.Status = Status(status)
	st.LastPollAt = parseTime(lastPoll.String)
	st.NextPollAt = parseTime(nextPoll.String)
	st.StartedAt = parseTime(started.String)
	st.LastError = lastErr.String
	st.UpdatedAt = parseTime(updated.String)
	if cursors.Valid && cursors.String != "" {
		var doc cursorDoc
		if json.Unmarshal([]byte(cursors.String), &doc) == nil {
			st.LastItemIDs = doc.LastItemIDs
			st.KnownMembers = doc.KnownMembers
		}
	}
	return st, nil
}

func (s *sqliteStore) PutAlert(ctx context.Context, a Alert) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO alerts(id, minion_id, minion_name, minion_type, category, priority,
		   title, message, target_id, item_ref, user_ref, payload, read, dismissed, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET read=excluded.read, dismissed=excluded.dismissed`,
		a.ID, a.MinionID, a.MinionName, a.MinionType, a.Category, string(a.Priority),
		a.Title, a.Message, nullStr(a.TargetID), nullStr(a.ItemRef), nullStr(a.UserRef),
		nullStr(a.Payload), boolInt(a.Read), boolInt(a.Dismissed), fmtTime(a.CreatedAt),
	)
	return err
}

func (s *sqliteStore) GetAlert(ctx context.Context, id string) (Alert, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = ?`, id)
	a, err := scanAlert(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Alert{}, false, nil
	}
	if err != nil {
		return Alert{}, false, err
	}
	return a, true, nil
}

const alertCols = `id, minion_id, minion_name, minion_type, category, priority,
 title, message, target_id, item_ref, user_ref, payload, read, dismissed, created_at`

func (s *sqliteStore) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	var (
		where []string
		args  []any
	)
	if q.MinionID != "" {
		where = append(where, "minion_id = ?")
		args = append(args, q.MinionID)
	}
	if q.Priority != "" {
		where = append(where, "priority = ?")
		args = append(args, string(q.Priority))
	}
	if !q.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, fmtTime(q.Since))
	}
	if q.UnreadOnly {
		where = append(where, "read = 0 AND dismissed = 0")
	}
	qs := `SELECT ` + alertCols + ` FROM alerts`
	if len(where) > 0 {
		qs += " WHERE " + strings.Join(where, " AND ")
	}
	qs += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		qs += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, qs, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAlert(r rowScanner) (Alert, error) {
	var a Alert
	var priority, created string
	var target, itemRef, userRef, payload sql.NullString
	var read, dismissed int
	if err := r.Scan(&a.ID, &a.MinionID, &a.MinionName, &a.MinionType, &a.Category, &priority,
		&a.Title, &a.Message, &target, &itemRef, &userRef, &payload, &read, &dismissed, &created); err != nil {
		return Alert{}, err
	}
	a.Priority = Priority(priority)
	a.TargetID = target.String
	a.ItemRef = itemRef.String
	a.UserRef = userRef.String
	a.Payload = payload.String
	a.Read = read != 0
	a.Dismissed = dismissed != 0
	a.CreatedAt = parseTime(created)
	return a, nil
}

func (s *sqliteStore) CountUnreadAlerts(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM alerts WHERE read = 0 AND dismissed = 0`).Scan(&n)
	return n, err
}

func (s *sqliteStore) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(minion_id, level, message, payload, at) VALUES(?,?,?,?,?)`,
		e.MinionID, string(e.Level), e.Message, nullStr(e.Payload), fmtTime(e.At),
	)
	return err
}

func (s *sqliteStore) ListLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.MinionID != "" {
		where = append(where, "minion_id = ?")
		args = append(args, q.MinionID)
	}
	if q.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(q.Level))
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, fmtTime(q.Since))
	}
	qs := `SELECT seq, minion_id, level, message, payload, at FROM logs`
	if len(where) > 0 {
		qs += " WHERE " + strings.Join(where, " AND ")
	}
	qs += " ORDER BY seq DESC"
	if q.Limit > 0 {
		qs += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, qs, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var (
			e       LogEntry
			level   string
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&e.Seq, &e.MinionID, &level, &e.Message, &payload, &at); err != nil {
			return nil, err
		}
		e.Level = LogLevel(level)
		e.Payload = payload.String
		e.At = parseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM logs WHERE at < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) PruneDismissedAlerts(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE dismissed = 1 AND created_at < ?`, fmtTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqliteStore) DeleteMinion(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	for _, q := range []string{
		`DELETE FROM minion_configs WHERE id = ?`,
		`DELETE FROM minion_states WHERE id = ?`,
		`DELETE FROM alerts WHERE minion_id = ?`,
		`DELETE FROM logs WHERE minion_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
