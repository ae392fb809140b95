package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps all record families in maps. It backs the "memory"
// driver and is embedded by the file driver for its in-RAM working set.
type memoryStore struct {
	mu      sync.Mutex
	configs map[string]MinionConfig
	states  map[string]MinionState
	alerts  map[string]Alert
	logs    []LogEntry
	logSeq  int64
}

// NewMemory returns a Store with no durability.
func NewMemory() Store { return &memoryStore{} }

func (m *memoryStore) init() {
	if m.configs == nil {
		m.configs = map[string]MinionConfig{}
	}
	if m.states == nil {
		m.states = map[string]MinionState{}
	}
	if m.alerts == nil {
		m.alerts = map[string]Alert{}
	}
}

func (m *memoryStore) PutConfig(_ context.Context, c MinionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.configs[c.ID] = c
	return nil
}

func (m *memoryStore) GetConfig(_ context.Context, id string) (MinionConfig, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	return c, ok, nil
}

func (m *memoryStore) ListConfigs(_ context.Context) ([]MinionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MinionConfig, 0, len(m.configs))
	for _, c := range m.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryStore) PutState(_ context.Context, s MinionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.states[s.ID] = s
	return nil
}

func (m *memoryStore) GetState(_ context.Context, id string) (MinionState, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[id]
	return s, ok, nil
}

func (m *memoryStore) ListStates(_ context.Context) ([]MinionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MinionState, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memoryStore) PutAlert(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.init()
	m.alerts[a.ID] = a
	return nil
}

func (m *memoryStore) GetAlert(_ context.Context, id string) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	return a, ok, nil
}

func (m *memoryStore) ListAlerts(_ context.Context, q AlertQuery) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if matchAlert(a, q) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryStore) CountUnreadAlerts(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, a := range m.alerts {
		if !a.Read && !a.Dismissed {
			n++
		}
	}
	return n, nil
}

func (m *memoryStore) AppendLog(_ context.Context, e LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logSeq++
	e.Seq = m.logSeq
	if e.At.IsZero() {
		e.At = time.Now()
	}
	m.logs = append(m.logs, e)
	return nil
}

func (m *memoryStore) ListLogs(_ context.Context, q LogQuery) ([]LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogEntry, 0, len(m.logs))
	for _, e := range m.logs {
		if matchLog(e, q) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryStore) PruneLogs(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.logs[:0]
	var removed int64
	for _, e := range m.logs {
		if e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return removed, nil
}

func (m *memoryStore) PruneDismissedAlerts(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for id, a := range m.alerts {
		if a.Dismissed && a.CreatedAt.Before(before) {
			delete(m.alerts, id)
			removed++
		}
	}
	return removed, nil
}

func (m *memoryStore) DeleteMinion(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, id)
	delete(m.states, id)
	for aid, a := range m.alerts {
		if a.MinionID == id {
			delete(m.alerts, aid)
		}
	}
	kept := m.logs[:0]
	for _, e := range m.logs {
		if e.MinionID == id {
			continue
		}
		kept = append(kept, e)
	}
	m.logs = kept
	return nil
}

func (m *memoryStore) Close() error { return nil }

func matchAlert(a Alert, q AlertQuery) bool {
	if q.MinionID != "" && a.MinionID != q.MinionID {
		return false
	}
	if q.Priority != "" && a.Priority != q.Priority {
		return false
	}
	if !q.Since.IsZero() && a.CreatedAt.Before(q.Since) {
		return false
	}
	if q.UnreadOnly && (a.Read || a.Dismissed) {
		return false
	}
	return true
}

func matchLog(e LogEntry, q LogQuery) bool {
	if q.MinionID != "" && e.MinionID != q.MinionID {
		return false
	}
	if q.Level != "" && e.Level != q.Level {
		return false
	}
	if !q.Since.IsZero() && e.At.Before(q.Since) {
		return false
	}
	return true
}
