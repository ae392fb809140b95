package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "watchbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic full snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// The working set lives in an embedded memoryStore; every mutation is
// journaled and the journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger
	mem *memoryStore

	fmu          sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
}

const compactEvery = 1000

type journalRecord struct {
	Family string          `json:"family"` // config|state|alert|log|minion
	Op     string          `json:"op"`     // put|delete|prune
	ID     string          `json:"id,omitempty"`
	Before *time.Time      `json:"before,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type snapshotDoc struct {
	Configs []MinionConfig `json:"configs"`
	States  []MinionState  `json:"states"`
	Alerts  []Alert        `json:"alerts"`
	Logs    []LogEntry     `json:"logs"`
	LogSeq  int64          `json:"log_seq"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(filepath.Base(path)))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := &memoryStore{}
	mem.init()
	_ = loadSnapshot(snapPath, mem)
	_ = replayJournal(journalPath, mem)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{log: log, mem: mem, snapshotPath: snapPath, journal: jf}, nil
}

func (s *fileStore) Close() error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.journal == nil {
		return nil
	}
	// Final compact so restarts read a fresh snapshot.
	if err := s.compactLocked(); err != nil {
		s.log.Debug("final compact failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(r journalRecord) error {
	if s.journal == nil {
		return errors.New("journal closed")
	}
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) journalPut(family string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.appendLocked(journalRecord{Family: family, Op: "put", Data: b})
}

func (s *fileStore) PutConfig(ctx context.Context, c MinionConfig) error {
	if err := s.mem.PutConfig(ctx, c); err != nil {
		return err
	}
	return s.journalPut("config", c)
}

func (s *fileStore) GetConfig(ctx context.Context, id string) (MinionConfig, bool, error) {
	return s.mem.GetConfig(ctx, id)
}

func (s *fileStore) ListConfigs(ctx context.Context) ([]MinionConfig, error) {
	return s.mem.ListConfigs(ctx)
}

func (s *fileStore) PutState(ctx context.Context, st MinionState) error {
	if err := s.mem.PutState(ctx, st); err != nil {
		return err
	}
	return s.journalPut("state", st)
}

func (s *fileStore) GetState(ctx context.Context, id string) (MinionState, bool, error) {
	return s.mem.GetState(ctx, id)
}

func (s *fileStore) ListStates(ctx context.Context) ([]MinionState, error) {
	return s.mem.ListStates(ctx)
}

func (s *fileStore) PutAlert(ctx context.Context, a Alert) error {
	if err := s.mem.PutAlert(ctx, a); err != nil {
		return err
	}
	return s.journalPut("alert", a)
}

func (s *fileStore) GetAlert(ctx context.Context, id string) (Alert, bool, error) {
	return s.mem.GetAlert(ctx, id)
}

func (s *fileStore) ListAlerts(ctx context.Context, q AlertQuery) ([]Alert, error) {
	return s.mem.ListAlerts(ctx, q)
}

func (s *fileStore) CountUnreadAlerts(ctx context.Context) (int, error) {
	return s.mem.CountUnreadAlerts(ctx)
}

func (s *fileStore) AppendLog(_ context.Context, e LogEntry) error {
	// Seq is assigned here so the journaled record matches the working set.
	s.mem.mu.Lock()
	s.mem.logSeq++
	e.Seq = s.mem.logSeq
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mem.logs = append(s.mem.logs, e)
	s.mem.mu.Unlock()
	return s.journalPut("log", e)
}

func (s *fileStore) ListLogs(ctx context.Context, q LogQuery) ([]LogEntry, error) {
	return s.mem.ListLogs(ctx, q)
}

func (s *fileStore) PruneLogs(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.mem.PruneLogs(ctx, before)
	if err != nil {
		return n, err
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return n, s.appendLocked(journalRecord{Family: "log", Op: "prune", Before: &before})
}

func (s *fileStore) PruneDismissedAlerts(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.mem.PruneDismissedAlerts(ctx, before)
	if err != nil {
		return n, err
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return n, s.appendLocked(journalRecord{Family: "alert", Op: "prune", Before: &before})
}

func (s *fileStore) DeleteMinion(ctx context.Context, id string) error {
	if err := s.mem.DeleteMinion(ctx, id); err != nil {
		return err
	}
	s.fmu.Lock()
	defer s.fmu.Unlock()
	return s.appendLocked(journalRecord{Family: "minion", Op: "delete", ID: id})
}

func (s *fileStore) compactLocked() error {
	doc := snapshotDoc{}
	s.mem.mu.Lock()
	for _, c := range s.mem.configs {
		doc.Configs = append(doc.Configs, c)
	}
	for _, st := range s.mem.states {
		doc.States = append(doc.States, st)
	}
	for _, a := range s.mem.alerts {
		doc.Alerts = append(doc.Alerts, a)
	}
	doc.Logs = append(doc.Logs, s.mem.logs...)
	doc.LogSeq = s.mem.logSeq
	s.mem.mu.Unlock()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(doc); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func loadSnapshot(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var doc snapshotDoc
	if err := json.NewDecoder(f).Decode(&doc); err != nil {
		return err
	}
	for _, c := range doc.Configs {
		mem.configs[c.ID] = c
	}
	for _, st := range doc.States {
		mem.states[st.ID] = st
	}
	for _, a := range doc.Alerts {
		mem.alerts[a.ID] = a
	}
	mem.logs = append(mem.logs, doc.Logs...)
	mem.logSeq = doc.LogSeq
	return nil
}

func replayJournal(path string, mem *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx := context.Background()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		applyRecord(ctx, mem, r)
	}
	return sc.Err()
}

func applyRecord(ctx context.Context, mem *memoryStore, r journalRecord) {
	switch {
	case r.Family == "config" && r.Op == "put":
		var c MinionConfig
		if json.Unmarshal(r.Data, &c) == nil && c.ID != "" {
			mem.configs[c.ID] = c
		}
	case r.Family == "state" && r.Op == "put":
		var st MinionState
		if json.Unmarshal(r.Data, &st) == nil && st.ID != "" {
			mem.states[st.ID] = st
		}
	case r.Family == "alert" && r.Op == "put":
		var a Alert
		if json.Unmarshal(r.Data, &a) == nil && a.ID != "" {
			mem.alerts[a.ID] = a
		}
	case r.Family == "alert" && r.Op == "prune":
		if r.Before != nil {
			_, _ = mem.PruneDismissedAlerts(ctx, *r.Before)
		}
	case r.Family == "log" && r.Op == "put":
		var e LogEntry
		if json.Unmarshal(r.Data, &e) == nil {
			mem.logs = append(mem.logs, e)
			if e.Seq > mem.logSeq {
				mem.logSeq = e.Seq
			}
		}
	case r.Family == "log" && r.Op == "prune":
		if r.Before != nil {
			_, _ = mem.PruneLogs(ctx, *r.Before)
		}
	case r.Family == "minion" && r.Op == "delete":
		if r.ID != "" {
			_ = mem.DeleteMinion(ctx, r.ID)
		}
	}
}
