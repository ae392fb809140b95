package minion

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"watchbot/internal/bridge"
	"watchbot/internal/eventbus"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

// pollDelayLocked computes the effective delay before the next poll:
// max(configured, floor) plus a uniform jitter to avoid synchronized
// bursts across minions. Callers hold e.mu (rng is guarded by it).
func (e *Engine) pollDelayLocked(intervalMS int64) time.Duration {
	return effectiveInterval(intervalMS) + time.Duration(e.rng.Int63n(int64(pollJitterSpan)))
}

// effectiveInterval floor-clamps a configured interval.
func effectiveInterval(intervalMS int64) time.Duration {
	iv := time.Duration(intervalMS) * time.Millisecond
	if iv < minPollInterval {
		iv = minPollInterval
	}
	return iv
}

// armLocked schedules the next one-shot poll timer. Arming bumps the
// minion's generation counter, which invalidates callbacks from any
// previously armed timer.
func (e *Engine) armLocked(id string, delay time.Duration) {
	if e.runCtx == nil {
		return
	}
	if t, ok := e.timers[id]; ok {
		t.Stop()
	}
	e.gens[id]++
	gen := e.gens[id]
	e.timers[id] = time.AfterFunc(delay, func() { e.executePoll(id, gen) })

	st := e.states[id]
	st.NextPollAt = time.Now().Add(delay)
	e.states[id] = st
}

func (e *Engine) cancelTimerLocked(id string) {
	if t, ok := e.timers[id]; ok {
		t.Stop()
		delete(e.timers, id)
	}
	e.gens[id]++
}

// executePoll runs one poll cycle for a minion. The strategy invocation is
// routed through the shared rate limiter so calls across all minions
// compete for the same global budget.
func (e *Engine) executePoll(id string, gen uint64) {
	e.mu.Lock()
	if e.runCtx == nil || e.gens[id] != gen {
		e.mu.Unlock()
		return
	}
	c, ok := e.configs[id]
	st := e.states[id]
	if !ok || st.Status != storage.StatusRunning {
		e.mu.Unlock()
		return
	}
	if e.inflight[id] {
		// The previous poll is still in flight (slow upstream or a long
		// flood wait). Keep the schedule alive instead of dropping the
		// tick: the in-flight poll finishes stale and won't re-arm.
		e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
		e.mu.Unlock()
		return
	}
	strat := e.strategies[c.Type]
	if strat == nil {
		// Strategies can only be unregistered by a restart, so this is a
		// wiring bug; park the minion rather than loop.
		st.Status = storage.StatusError
		st.LastError = fmt.Sprintf("no strategy registered for type %q", c.Type)
		st.UpdatedAt = time.Now()
		e.states[id] = st
		e.persistStateLocked(context.Background(), st)
		e.mu.Unlock()
		return
	}
	e.inflight[id] = true
	runCtx := e.runCtx
	timeout := e.cfg.PollTimeout
	snapshot := cloneState(st)
	e.mu.Unlock()

	h := &pollHandle{e: e, cfg: c}
	var upd StateUpdate
	err := e.limiter.Execute(runCtx, func(ctx context.Context) error {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return runStrategy(pctx, strat, c, snapshot, h, &upd)
	})

	e.finishPoll(id, gen, upd, err)
}

// runStrategy guards against strategy panics: one broken minion must not
// crash the process or leak a limiter slot.
func runStrategy(ctx context.Context, strat Strategy, cfg storage.MinionConfig, st storage.MinionState, h Handle, out *StateUpdate) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy panic: %v", r)
			h.Log(ctx, storage.LogError, "strategy panicked", string(debug.Stack()))
		}
	}()
	upd, perr := strat.Poll(ctx, cfg, st, h)
	if perr != nil {
		return perr
	}
	*out = upd
	return nil
}

// finishPoll is the engine-side bookkeeping of one poll. The next poll for
// this minion is never armed before this completes.
func (e *Engine) finishPoll(id string, gen uint64, upd StateUpdate, err error) {
	now := time.Now()

	e.mu.Lock()
	e.inflight[id] = false
	c, ok := e.configs[id]
	if !ok {
		// Deleted mid-poll: discard the result silently.
		delete(e.inflight, id)
		e.mu.Unlock()
		e.log.Debug("poll result discarded: minion deleted", logx.String("minion", id))
		return
	}
	stale := e.gens[id] != gen
	st := e.states[id]

	if err == nil {
		mergeUpdate(&st, upd)
		st.LastPollAt = now
		st.ConsecutiveFailures = 0
		if upd.ResetErrorCount {
			st.ErrorCount = 0
			st.LastError = ""
		}
		st.UpdatedAt = now
		e.states[id] = st
		e.persistStateLocked(context.Background(), st)
		if st.Status == storage.StatusRunning && !stale {
			e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
		}
		e.mu.Unlock()

		e.log.Debug("poll completed", logx.String("minion", id), logx.Int64("scanned", upd.MessagesScanned))
		if e.bus != nil {
			e.bus.Publish(eventbus.Event{Type: "poll.completed", Data: id})
		}
		e.notify(ChangeEvent{Op: "polled", MinionID: id, Status: st.Status})
		return
	}

	// Engine shutdown: leave state as-is, the next Start() forces stopped.
	if errors.Is(err, context.Canceled) && e.runCtx == nil {
		e.mu.Unlock()
		return
	}

	switch kind := classify(err); kind {
	case KindRateLimited:
		// Rate-limit signals never count toward the failure threshold;
		// the limiter already adjusted its wait state. Retry on the
		// normal schedule.
		st.LastPollAt = now
		st.UpdatedAt = now
		e.states[id] = st
		e.persistStateLocked(context.Background(), st)
		if st.Status == storage.StatusRunning && !stale {
			e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
		}
		e.appendLog(context.Background(), id, storage.LogWarn, "poll rate-limited", err.Error())
		e.mu.Unlock()

		e.log.Warn("poll rate-limited", logx.String("minion", id), logx.Err(err))
		return

	default:
		st.ErrorCount++
		st.ConsecutiveFailures++
		st.LastError = err.Error()
		st.LastPollAt = now
		st.UpdatedAt = now

		// Fatal configuration errors park the minion immediately; transient
		// upstream errors only after an unbroken run of failures. Any
		// success in between restarts that run (ErrorCount keeps the
		// lifetime total).
		threshold := st.ConsecutiveFailures >= failureThreshold || kind == KindFatalConfig
		if threshold {
			st.Status = storage.StatusError
			st.NextPollAt = time.Time{}
			e.cancelTimerLocked(id)
		}
		e.states[id] = st
		e.persistStateLocked(context.Background(), st)
		e.appendLog(context.Background(), id, storage.LogError, "poll failed", err.Error())
		if st.Status == storage.StatusRunning && !stale {
			e.armLocked(id, e.pollDelayLocked(c.IntervalMS))
		}
		e.mu.Unlock()

		if threshold {
			e.log.Error("minion entered error state",
				logx.String("minion", id),
				logx.Int("consecutive_failures", st.ConsecutiveFailures),
				logx.Err(err),
			)
			if e.bus != nil {
				e.bus.Publish(eventbus.Event{Type: "minion.errored", Data: id})
			}
			e.notify(ChangeEvent{Op: "errored", MinionID: id, Status: storage.StatusError})
		} else {
			e.log.Warn("poll failed",
				logx.String("minion", id),
				logx.Int("consecutive_failures", st.ConsecutiveFailures),
				logx.Err(err),
			)
			if e.bus != nil {
				e.bus.Publish(eventbus.Event{Type: "poll.failed", Data: id})
			}
		}
	}
}

// mergeUpdate folds a partial update into the stored state. Counters are
// deltas; cursors merge per target.
func mergeUpdate(st *storage.MinionState, upd StateUpdate) {
	st.MessagesScanned += upd.MessagesScanned
	if len(upd.LastItemIDs) > 0 {
		if st.LastItemIDs == nil {
			st.LastItemIDs = make(map[string]int64, len(upd.LastItemIDs))
		}
		for k, v := range upd.LastItemIDs {
			st.LastItemIDs[k] = v
		}
	}
	if len(upd.KnownMembers) > 0 {
		if st.KnownMembers == nil {
			st.KnownMembers = make(map[string][]int64, len(upd.KnownMembers))
		}
		for k, v := range upd.KnownMembers {
			st.KnownMembers[k] = append([]int64(nil), v...)
		}
	}
}

// pollHandle is the engine handle passed to one strategy invocation.
type pollHandle struct {
	e   *Engine
	cfg storage.MinionConfig
}

func (h *pollHandle) EmitAlert(ctx context.Context, a storage.Alert) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.Priority == "" {
		a.Priority = storage.PriorityInfo
	}
	a.MinionID = h.cfg.ID
	a.MinionName = h.cfg.Name
	a.MinionType = h.cfg.Type

	h.e.mu.Lock()
	if st, ok := h.e.states[h.cfg.ID]; ok {
		st.AlertsTriggered++
		h.e.states[h.cfg.ID] = st
	}
	h.e.mu.Unlock()

	if h.e.sink != nil {
		h.e.sink.Emit(ctx, a)
	}
}

func (h *pollHandle) Log(ctx context.Context, level storage.LogLevel, msg, payload string) {
	h.e.appendLog(ctx, h.cfg.ID, level, msg, payload)
}

func (h *pollHandle) Bridge() bridge.Bridge { return h.e.br }
