package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "watchbot/pkg/logx"
)

// openTestStores returns one store per driver that can run without cgo or
// external services.
func openTestStores(t *testing.T) map[string]Store {
	t.Helper()
	file, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("open file store: %v", err)
	}
	t.Cleanup(func() { _ = file.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"file":   file,
	}
}

func TestOpenDriverSelection(t *testing.T) {
	t.Parallel()
	if s, err := Open(Config{}, logx.Nop()); err != nil || s != nil {
		t.Fatalf("Open(empty) = (%v, %v), want (nil, nil)", s, err)
	}
	if s, err := Open(Config{Driver: "none"}, logx.Nop()); err != nil || s != nil {
		t.Fatalf("Open(none) = (%v, %v), want (nil, nil)", s, err)
	}
	if _, err := Open(Config{Driver: "bogus"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestConfigStateRoundTrip(t *testing.T) {
	t.Parallel()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			c := MinionConfig{
				ID:         "m1",
				Name:       "watcher",
				Type:       "keyword",
				Enabled:    true,
				Targets:    []string{"chat-1", "chat-2"},
				IntervalMS: 60000,
				Settings:   map[string]any{"keywords": []any{"alpha"}},
				CreatedAt:  time.Now(),
				UpdatedAt:  time.Now(),
			}
			if err := s.PutConfig(ctx, c); err != nil {
				t.Fatalf("put config: %v", err)
			}
			got, ok, err := s.GetConfig(ctx, "m1")
			if err != nil || !ok {
				t.Fatalf("get config = (%v, %v)", ok, err)
			}
			if got.Name != c.Name || got.Type != c.Type || len(got.Targets) != 2 {
				t.Fatalf("config round trip mismatch: %+v", got)
			}

			st := MinionState{
				ID:              "m1",
				Status:          StatusRunning,
				MessagesScanned: 12,
				LastItemIDs:     map[string]int64{"chat-1": 5},
				KnownMembers:    map[string][]int64{"chat-1": {1, 2, 3}},
			}
			if err := s.PutState(ctx, st); err != nil {
				t.Fatalf("put state: %v", err)
			}
			gotSt, ok, err := s.GetState(ctx, "m1")
			if err != nil || !ok {
				t.Fatalf("get state = (%v, %v)", ok, err)
			}
			if gotSt.LastItemIDs["chat-1"] != 5 || len(gotSt.KnownMembers["chat-1"]) != 3 {
				t.Fatalf("state cursors lost: %+v", gotSt)
			}

			if _, ok, _ := s.GetConfig(ctx, "missing"); ok {
				t.Fatal("phantom config")
			}
		})
	}
}

func TestAlertQueries(t *testing.T) {
	t.Parallel()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			alerts := []Alert{
				{ID: "a1", MinionID: "m1", Priority: PriorityInfo, Title: "one", CreatedAt: now.Add(-3 * time.Hour)},
				{ID: "a2", MinionID: "m1", Priority: PriorityCritical, Title: "two", CreatedAt: now.Add(-2 * time.Hour)},
				{ID: "a3", MinionID: "m2", Priority: PriorityWarning, Title: "three", Read: true, CreatedAt: now.Add(-time.Hour)},
			}
			for _, a := range alerts {
				if err := s.PutAlert(ctx, a); err != nil {
					t.Fatalf("put alert: %v", err)
				}
			}

			all, err := s.ListAlerts(ctx, AlertQuery{})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(all) != 3 {
				t.Fatalf("got %d alerts, want 3", len(all))
			}
			// Newest first.
			if all[0].ID != "a3" || all[2].ID != "a1" {
				t.Fatalf("wrong order: %s..%s", all[0].ID, all[2].ID)
			}

			byMinion, _ := s.ListAlerts(ctx, AlertQuery{MinionID: "m1"})
			if len(byMinion) != 2 {
				t.Fatalf("minion filter: got %d, want 2", len(byMinion))
			}
			byPrio, _ := s.ListAlerts(ctx, AlertQuery{Priority: PriorityCritical})
			if len(byPrio) != 1 || byPrio[0].ID != "a2" {
				t.Fatalf("priority filter: %+v", byPrio)
			}
			since, _ := s.ListAlerts(ctx, AlertQuery{Since: now.Add(-90 * time.Minute)})
			if len(since) != 1 || since[0].ID != "a3" {
				t.Fatalf("since filter: %+v", since)
			}
			unread, _ := s.ListAlerts(ctx, AlertQuery{UnreadOnly: true})
			if len(unread) != 2 {
				t.Fatalf("unread filter: got %d, want 2", len(unread))
			}
			limited, _ := s.ListAlerts(ctx, AlertQuery{Limit: 1})
			if len(limited) != 1 || limited[0].ID != "a3" {
				t.Fatalf("limit: %+v", limited)
			}

			n, err := s.CountUnreadAlerts(ctx)
			if err != nil || n != 2 {
				t.Fatalf("CountUnreadAlerts = (%d, %v), want 2", n, err)
			}
		})
	}
}

func TestLogAppendAndPrune(t *testing.T) {
	t.Parallel()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now()
			for i, e := range []LogEntry{
				{MinionID: "m1", Level: LogInfo, Message: "old", At: now.Add(-48 * time.Hour)},
				{MinionID: "m1", Level: LogError, Message: "mid", At: now.Add(-time.Hour)},
				{MinionID: "m2", Level: LogInfo, Message: "new", At: now},
			} {
				if err := s.AppendLog(ctx, e); err != nil {
					t.Fatalf("append %d: %v", i, err)
				}
			}

			all, err := s.ListLogs(ctx, LogQuery{})
			if err != nil || len(all) != 3 {
				t.Fatalf("list = (%d, %v), want 3", len(all), err)
			}
			if all[0].Message != "new" {
				t.Fatalf("logs not newest-first: %s", all[0].Message)
			}
			if all[0].Seq == 0 {
				t.Fatal("sequence not assigned")
			}

			byLevel, _ := s.ListLogs(ctx, LogQuery{Level: LogError})
			if len(byLevel) != 1 || byLevel[0].Message != "mid" {
				t.Fatalf("level filter: %+v", byLevel)
			}

			pruned, err := s.PruneLogs(ctx, now.Add(-24*time.Hour))
			if err != nil || pruned != 1 {
				t.Fatalf("PruneLogs = (%d, %v), want 1", pruned, err)
			}
			left, _ := s.ListLogs(ctx, LogQuery{})
			if len(left) != 2 {
				t.Fatalf("%d logs left after prune, want 2", len(left))
			}
		})
	}
}

func TestPruneDismissedAlerts(t *testing.T) {
	t.Parallel()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := time.Now().Add(-48 * time.Hour)
			_ = s.PutAlert(ctx, Alert{ID: "d1", MinionID: "m", Dismissed: true, CreatedAt: old})
			_ = s.PutAlert(ctx, Alert{ID: "d2", MinionID: "m", Dismissed: true, CreatedAt: time.Now()})
			_ = s.PutAlert(ctx, Alert{ID: "k1", MinionID: "m", CreatedAt: old})

			n, err := s.PruneDismissedAlerts(ctx, time.Now().Add(-24*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("prune = (%d, %v), want 1", n, err)
			}
			left, _ := s.ListAlerts(ctx, AlertQuery{})
			if len(left) != 2 {
				t.Fatalf("%d alerts left, want 2 (recent dismissed and undismissed kept)", len(left))
			}
		})
	}
}

func TestDeleteMinionCascade(t *testing.T) {
	t.Parallel()
	for name, s := range openTestStores(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_ = s.PutConfig(ctx, MinionConfig{ID: "m1", Name: "x", Type: "keyword", CreatedAt: time.Now()})
			_ = s.PutConfig(ctx, MinionConfig{ID: "m2", Name: "y", Type: "keyword", CreatedAt: time.Now()})
			_ = s.PutState(ctx, MinionState{ID: "m1"})
			_ = s.PutAlert(ctx, Alert{ID: "a1", MinionID: "m1", CreatedAt: time.Now()})
			_ = s.PutAlert(ctx, Alert{ID: "a2", MinionID: "m2", CreatedAt: time.Now()})
			_ = s.AppendLog(ctx, LogEntry{MinionID: "m1", Level: LogInfo, Message: "z", At: time.Now()})

			if err := s.DeleteMinion(ctx, "m1"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, ok, _ := s.GetConfig(ctx, "m1"); ok {
				t.Fatal("config survived cascade")
			}
			if _, ok, _ := s.GetState(ctx, "m1"); ok {
				t.Fatal("state survived cascade")
			}
			alerts, _ := s.ListAlerts(ctx, AlertQuery{})
			if len(alerts) != 1 || alerts[0].ID != "a2" {
				t.Fatalf("cascade touched the wrong alerts: %+v", alerts)
			}
			logs, _ := s.ListLogs(ctx, LogQuery{MinionID: "m1"})
			if len(logs) != 0 {
				t.Fatal("logs survived cascade")
			}
			if _, ok, _ := s.GetConfig(ctx, "m2"); !ok {
				t.Fatal("cascade deleted an unrelated minion")
			}
		})
	}
}

func TestFileStoreReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "store")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.PutConfig(ctx, MinionConfig{ID: "m1", Name: "w", Type: "keyword", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("put config: %v", err)
	}
	if err := s.PutState(ctx, MinionState{ID: "m1", Status: StatusRunning, LastItemIDs: map[string]int64{"c": 9}}); err != nil {
		t.Fatalf("put state: %v", err)
	}
	if err := s.PutAlert(ctx, Alert{ID: "a1", MinionID: "m1", Title: "t", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("put alert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, ok, _ := s2.GetConfig(ctx, "m1"); !ok {
		t.Fatal("config lost across restart")
	}
	st, ok, _ := s2.GetState(ctx, "m1")
	if !ok || st.LastItemIDs["c"] != 9 {
		t.Fatalf("state lost across restart: %+v", st)
	}
	if _, ok, _ := s2.GetAlert(ctx, "a1"); !ok {
		t.Fatal("alert lost across restart")
	}
}
