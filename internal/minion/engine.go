// Package minion implements the autonomous monitoring scheduler: an
// arbitrary number of long-lived, independently configured background jobs
// ("minions"), each periodically invoking a pluggable monitoring strategy
// through a shared rate limiter.
package minion

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"watchbot/internal/bridge"
	"watchbot/internal/eventbus"
	"watchbot/internal/ratelimit"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

// Engine owns all minion configs/states, the scheduling loop, lifecycle
// transitions and the failure-threshold policy. It is the sole caller of
// the rate limiter and of registered strategies.
type Engine struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	limiter *ratelimit.Limiter
	sink    AlertSink
	br      bridge.Bridge

	mu         sync.Mutex
	strategies map[string]Strategy
	configs    map[string]storage.MinionConfig
	states     map[string]storage.MinionState
	timers     map[string]*time.Timer
	gens       map[string]uint64
	inflight   map[string]bool
	rng        *rand.Rand

	runCtx context.Context
	cancel context.CancelFunc

	lmu       sync.Mutex
	listeners []ChangeListener
}

func New(cfg Config, store storage.Store, limiter *ratelimit.Limiter, sink AlertSink, br bridge.Bridge, log logx.Logger, bus eventbus.Bus) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:        cfg.withDefaults(),
		log:        log,
		bus:        bus,
		store:      store,
		limiter:    limiter,
		sink:       sink,
		br:         br,
		strategies: map[string]Strategy{},
		configs:    map[string]storage.MinionConfig{},
		states:     map[string]storage.MinionState{},
		timers:     map[string]*time.Timer{},
		gens:       map[string]uint64{},
		inflight:   map[string]bool{},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register installs strategies into the type table. It fails on duplicate
// or empty type tags so wiring mistakes surface at startup, not at first
// poll.
func (e *Engine) Register(strategies ...Strategy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range strategies {
		t := s.Type()
		if t == "" {
			return fmt.Errorf("strategy with empty type tag")
		}
		if _, dup := e.strategies[t]; dup {
			return fmt.Errorf("duplicate strategy for type %q", t)
		}
		e.strategies[t] = s
	}
	return nil
}

// AddListener registers a synchronous change listener. Listeners run after
// persistence and outside the engine lock; they must not block.
func (e *Engine) AddListener(fn ChangeListener) {
	if fn == nil {
		return
	}
	e.lmu.Lock()
	e.listeners = append(e.listeners, fn)
	e.lmu.Unlock()
}

func (e *Engine) notify(ev ChangeEvent) {
	e.lmu.Lock()
	ls := append([]ChangeListener(nil), e.listeners...)
	e.lmu.Unlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (e *Engine) publish(typ, id string) {
	if e.bus != nil {
		e.bus.Publish(eventbus.Event{Type: typ, Data: id})
	}
}

// Start loads persisted records and begins scheduling.
//
// All loaded states are forced to stopped before any auto-start decision:
// the engine never resumes a job believing it is still "running" from a
// previous, now-dead, process.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.runCtx != nil {
		e.mu.Unlock()
		return nil
	}
	e.runCtx, e.cancel = context.WithCancel(context.Background())

	configs, err := e.store.ListConfigs(ctx)
	if err != nil {
		e.mu.Unlock()
		return wrapKind(KindPersistence, err)
	}
	states, err := e.store.ListStates(ctx)
	if err != nil {
		e.mu.Unlock()
		return wrapKind(KindPersistence, err)
	}

	byID := map[string]storage.MinionState{}
	for _, st := range states {
		byID[st.ID] = st
	}
	for _, c := range configs {
		e.configs[c.ID] = c
		st, ok := byID[c.ID]
		if !ok {
			st = storage.MinionState{ID: c.ID}
		}
		st.Status = storage.StatusStopped
		st.NextPollAt = time.Time{}
		st.UpdatedAt = time.Now()
		e.states[c.ID] = st
		if err := e.store.PutState(ctx, st); err != nil {
			e.log.Warn("state persist failed on load", logx.String("minion", c.ID), logx.Err(err))
		}
	}

	var autostart []string
	if e.cfg.AutoStart {
		for id, c := range e.configs {
			if c.Enabled {
				autostart = append(autostart, id)
			}
		}
		sort.Strings(autostart)
	}
	for _, id := range autostart {
		e.startLocked(ctx, id)
	}
	n := len(e.configs)
	running := 0
	for _, st := range e.states {
		if st.Status == storage.StatusRunning {
			running++
		}
	}
	e.mu.Unlock()

	e.log.Info("minion engine started", logx.Int("minions", n), logx.Int("running", running))
	return nil
}

// Stop cancels all pending timers and persists final state. In-flight
// polls are not aborted; their results are merged if they land before the
// process exits, discarded otherwise.
func (e *Engine) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if e.runCtx == nil {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.runCtx, e.cancel = nil, nil
	for id, t := range e.timers {
		t.Stop()
		e.gens[id]++
		delete(e.timers, id)
	}
	states := make([]storage.MinionState, 0, len(e.states))
	for id, st := range e.states {
		st.NextPollAt = time.Time{}
		e.states[id] = st
		states = append(states, st)
	}
	e.mu.Unlock()

	for _, st := range states {
		if err := e.store.PutState(ctx, st); err != nil {
			e.log.Warn("state persist failed on stop", logx.String("minion", st.ID), logx.Err(err))
		}
	}
	e.log.Info("minion engine stopped")
	return nil
}

// Create registers a new minion and auto-starts it when enabled.
func (e *Engine) Create(ctx context.Context, c storage.MinionConfig) (storage.MinionConfig, error) {
	if c.Name == "" {
		return storage.MinionConfig{}, fmt.Errorf("minion name is required")
	}
	if c.Type == "" {
		return storage.MinionConfig{}, fmt.Errorf("minion type is required")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now

	st := storage.MinionState{ID: c.ID, Status: storage.StatusStopped, UpdatedAt: now}

	e.mu.Lock()
	if _, dup := e.configs[c.ID]; dup {
		e.mu.Unlock()
		return storage.MinionConfig{}, fmt.Errorf("minion %s already exists", c.ID)
	}
	e.configs[c.ID] = c
	e.states[c.ID] = st
	errCfg := e.store.PutConfig(ctx, c)
	errSt := e.store.PutState(ctx, st)
	e.mu.Unlock()

	if errCfg != nil || errSt != nil {
		err := errCfg
		if err == nil {
			err = errSt
		}
		// In-memory state is not rolled back; durability is uncertain and
		// that is surfaced, not hidden.
		e.log.Warn("minion created but persistence failed", logx.String("minion", c.ID), logx.Err(err))
		return c, wrapKind(KindPersistence, err)
	}

	e.log.Info("minion created", logx.String("minion", c.ID), logx.String("name", c.Name), logx.String("type", c.Type))
	e.publish("minion.created", c.ID)
	e.notify(ChangeEvent{Op: "created", MinionID: c.ID, Status: st.Status})

	if c.Enabled {
		if _, err := e.StartMinion(ctx, c.ID); err != nil {
			return c, err
		}
	}
	return c, nil
}

// Update applies an explicit partial update and bumps UpdatedAt.
func (e *Engine) Update(ctx context.Context, id string, p ConfigPatch) (storage.MinionConfig, error) {
	e.mu.Lock()
	c, ok := e.configs[id]
	if !ok {
		e.mu.Unlock()
		return storage.MinionConfig{}, ErrNotFound
	}
	intervalChanged := false
	if p.Name != nil {
		c.Name = *p.Name
	}
	if p.Targets != nil {
		c.Targets = append([]string(nil), (*p.Targets)...)
	}
	if p.IntervalMS != nil && *p.IntervalMS != c.IntervalMS {
		c.IntervalMS = *p.IntervalMS
		intervalChanged = true
	}
	if p.Settings != nil {
		c.Settings = *p.Settings
	}
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	c.UpdatedAt = time.Now()
	e.configs[id] = c

	st := e.states[id]
	if intervalChanged && st.Status == storage.StatusRunning {
		e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
	}
	err := e.store.PutConfig(ctx, c)
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("minion updated but persistence failed", logx.String("minion", id), logx.Err(err))
		return c, wrapKind(KindPersistence, err)
	}

	e.publish("minion.updated", id)
	e.notify(ChangeEvent{Op: "updated", MinionID: id, Status: st.Status})

	if p.Enabled != nil {
		if !*p.Enabled && (st.Status == storage.StatusRunning || st.Status == storage.StatusPaused) {
			_, err = e.StopMinion(ctx, id)
		} else if *p.Enabled && st.Status == storage.StatusStopped {
			_, err = e.StartMinion(ctx, id)
		}
	}
	return c, err
}

// Delete removes a minion from any state (implicit stop first) and
// cascades to its state, alerts and logs. An in-flight poll for the id
// discards its result silently on completion.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, ok := e.configs[id]; !ok {
		e.mu.Unlock()
		return ErrNotFound
	}
	e.cancelTimerLocked(id)
	delete(e.configs, id)
	delete(e.states, id)
	delete(e.gens, id)
	err := e.store.DeleteMinion(ctx, id)
	e.mu.Unlock()

	if err != nil {
		e.log.Warn("minion deleted but cascade persist failed", logx.String("minion", id), logx.Err(err))
		return wrapKind(KindPersistence, err)
	}
	e.log.Info("minion deleted", logx.String("minion", id))
	e.publish("minion.deleted", id)
	e.notify(ChangeEvent{Op: "deleted", MinionID: id})
	return nil
}

// StartMinion transitions stopped/error -> running. Requires a registered
// strategy for the minion's type; otherwise the minion lands in error
// state with a descriptive message and no poll is scheduled.
// Starting an already-running minion is a no-op that still logs intent.
func (e *Engine) StartMinion(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	if _, ok := e.configs[id]; !ok {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	ok := e.startLocked(ctx, id)
	st := e.states[id]
	e.mu.Unlock()

	if st.Status == storage.StatusError {
		e.publish("minion.errored", id)
		e.notify(ChangeEvent{Op: "errored", MinionID: id, Status: st.Status})
		return false, nil
	}
	if ok {
		e.publish("minion.started", id)
		e.notify(ChangeEvent{Op: "started", MinionID: id, Status: st.Status})
	}
	return ok, nil
}

// startLocked performs the transition; callers hold e.mu.
func (e *Engine) startLocked(ctx context.Context, id string) bool {
	c := e.configs[id]
	st := e.states[id]

	if st.Status == storage.StatusRunning {
		e.log.Info("start requested; already running", logx.String("minion", id))
		return true
	}

	if _, registered := e.strategies[c.Type]; !registered {
		st.Status = storage.StatusError
		st.LastError = fmt.Sprintf("no strategy registered for type %q", c.Type)
		st.UpdatedAt = time.Now()
		e.states[id] = st
		e.persistStateLocked(ctx, st)
		e.appendLog(ctx, id, storage.LogError, st.LastError, "")
		e.log.Error("minion start refused", logx.String("minion", id), logx.String("type", c.Type))
		return false
	}

	now := time.Now()
	st.Status = storage.StatusRunning
	st.StartedAt = now
	st.ErrorCount = 0
	st.ConsecutiveFailures = 0
	st.LastError = ""
	st.UpdatedAt = now
	e.states[id] = st
	e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
	e.persistStateLocked(ctx, e.states[id])
	e.appendLog(ctx, id, storage.LogInfo, "minion started", "")
	e.log.Info("minion started", logx.String("minion", id), logx.String("type", c.Type))
	return true
}

// StopMinion transitions running/paused -> stopped, cancelling any pending
// timer. An in-flight poll is not aborted; it just won't reschedule.
func (e *Engine) StopMinion(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	st, ok := e.states[id]
	if !ok {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	if st.Status != storage.StatusRunning && st.Status != storage.StatusPaused {
		e.mu.Unlock()
		return false, nil
	}
	e.cancelTimerLocked(id)
	st.Status = storage.StatusStopped
	st.NextPollAt = time.Time{}
	st.UpdatedAt = time.Now()
	e.states[id] = st
	e.persistStateLocked(ctx, st)
	e.appendLog(ctx, id, storage.LogInfo, "minion stopped", "")
	e.mu.Unlock()

	e.log.Info("minion stopped", logx.String("minion", id))
	e.publish("minion.stopped", id)
	e.notify(ChangeEvent{Op: "stopped", MinionID: id, Status: storage.StatusStopped})
	return true, nil
}

// PauseMinion cancels the pending poll without touching cursors or
// counters.
func (e *Engine) PauseMinion(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	st, ok := e.states[id]
	if !ok {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	if st.Status != storage.StatusRunning {
		e.mu.Unlock()
		return false, nil
	}
	e.cancelTimerLocked(id)
	st.Status = storage.StatusPaused
	st.NextPollAt = time.Time{}
	st.UpdatedAt = time.Now()
	e.states[id] = st
	e.persistStateLocked(ctx, st)
	e.mu.Unlock()

	e.log.Info("minion paused", logx.String("minion", id))
	e.publish("minion.paused", id)
	e.notify(ChangeEvent{Op: "paused", MinionID: id, Status: storage.StatusPaused})
	return true, nil
}

// ResumeMinion re-arms scheduling immediately with a fresh interval, not
// from the point pausing occurred.
func (e *Engine) ResumeMinion(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	st, ok := e.states[id]
	if !ok {
		e.mu.Unlock()
		return false, ErrNotFound
	}
	if st.Status != storage.StatusPaused {
		e.mu.Unlock()
		return false, nil
	}
	c := e.configs[id]
	st.Status = storage.StatusRunning
	st.UpdatedAt = time.Now()
	e.states[id] = st
	e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
	e.persistStateLocked(ctx, e.states[id])
	e.mu.Unlock()

	e.log.Info("minion resumed", logx.String("minion", id))
	e.publish("minion.resumed", id)
	e.notify(ChangeEvent{Op: "resumed", MinionID: id, Status: storage.StatusRunning})
	return true, nil
}

func (e *Engine) GetConfig(id string) (storage.MinionConfig, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.configs[id]
	return c, ok
}

func (e *Engine) GetState(id string) (storage.MinionState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	return cloneState(st), ok
}

func (e *Engine) ListConfigs() []storage.MinionConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]storage.MinionConfig, 0, len(e.configs))
	for _, c := range e.configs {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (e *Engine) ListStates() []storage.MinionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]storage.MinionState, 0, len(e.states))
	for _, st := range e.states {
		out = append(out, cloneState(st))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Stats
	s.Total = len(e.states)
	for _, st := range e.states {
		switch st.Status {
		case storage.StatusRunning:
			s.Running++
		case storage.StatusPaused:
			s.Paused++
		case storage.StatusStopped:
			s.Stopped++
		case storage.StatusError:
			s.Errored++
		}
		s.MessagesScanned += st.MessagesScanned
		s.AlertsTriggered += st.AlertsTriggered
		s.ErrorCount += int64(st.ErrorCount)
	}
	return s
}

func (e *Engine) RecentAlerts(ctx context.Context, limit int) ([]storage.Alert, error) {
	return e.store.ListAlerts(ctx, storage.AlertQuery{Limit: limit})
}

func (e *Engine) RecentLogs(ctx context.Context, limit int) ([]storage.LogEntry, error) {
	return e.store.ListLogs(ctx, storage.LogQuery{Limit: limit})
}

// persistStateLocked writes a state record; persistence failures are
// logged, never rolled back (accepted risk, see package docs).
func (e *Engine) persistStateLocked(ctx context.Context, st storage.MinionState) {
	if err := e.store.PutState(ctx, st); err != nil {
		e.log.Warn("state persist failed", logx.String("minion", st.ID), logx.Err(err))
	}
}

func (e *Engine) appendLog(ctx context.Context, id string, level storage.LogLevel, msg, payload string) {
	err := e.store.AppendLog(ctx, storage.LogEntry{
		MinionID: id,
		Level:    level,
		Message:  msg,
		Payload:  payload,
		At:       time.Now(),
	})
	if err != nil {
		e.log.Debug("log append failed", logx.String("minion", id), logx.Err(err))
	}
}

func cloneState(st storage.MinionState) storage.MinionState {
	cp := st
	if st.LastItemIDs != nil {
		cp.LastItemIDs = make(map[string]int64, len(st.LastItemIDs))
		for k, v := range st.LastItemIDs {
			cp.LastItemIDs[k] = v
		}
	}
	if st.KnownMembers != nil {
		cp.KnownMembers = make(map[string][]int64, len(st.KnownMembers))
		for k, v := range st.KnownMembers {
			cp.KnownMembers[k] = append([]int64(nil), v...)
		}
	}
	return cp
}
