package minion

import (
	"context"
	"errors"
	"testing"
	"time"

	"watchbot/internal/ratelimit"
	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

func TestEffectiveIntervalClamp(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ms   int64
		want time.Duration
	}{
		{name: "zero uses floor", ms: 0, want: minPollInterval},
		{name: "below floor clamped", ms: 5000, want: minPollInterval},
		{name: "floor exact", ms: 30000, want: 30 * time.Second},
		{name: "above floor kept", ms: 90000, want: 90 * time.Second},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := effectiveInterval(tt.ms); got != tt.want {
				t.Fatalf("effectiveInterval(%d) = %v, want %v", tt.ms, got, tt.want)
			}
		})
	}
}

func TestPollDelayJitterBounds(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{typ: "watch"})

	e.mu.Lock()
	defer e.mu.Unlock()
	for i := 0; i < 200; i++ {
		d := e.pollDelayLocked(60000)
		if d < time.Minute || d >= time.Minute+pollJitterSpan {
			t.Fatalf("delay %v out of [1m, 1m+%v)", d, pollJitterSpan)
		}
	}
}

// currentGen reads the scheduling generation for a minion.
func currentGen(e *Engine, id string) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gens[id]
}

func TestSuccessfulPollMergesState(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			return StateUpdate{
				MessagesScanned: 5,
				LastItemIDs:     map[string]int64{"chat-1": 101},
			}, nil
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	e.executePoll(c.ID, currentGen(e, c.ID))

	st, _ := e.GetState(c.ID)
	if st.MessagesScanned != 5 {
		t.Fatalf("MessagesScanned = %d, want 5", st.MessagesScanned)
	}
	if st.LastItemIDs["chat-1"] != 101 {
		t.Fatalf("cursor = %d, want 101", st.LastItemIDs["chat-1"])
	}
	if st.LastPollAt.IsZero() {
		t.Fatal("LastPollAt not set")
	}
	if st.NextPollAt.IsZero() {
		t.Fatal("next poll not re-armed after success")
	}

	// Counters are deltas across polls.
	e.executePoll(c.ID, currentGen(e, c.ID))
	st, _ = e.GetState(c.ID)
	if st.MessagesScanned != 10 {
		t.Fatalf("MessagesScanned = %d after two polls, want 10", st.MessagesScanned)
	}
}

func TestFailureThresholdParksMinion(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			return StateUpdate{}, errors.New("upstream down")
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	for i := 1; i < failureThreshold; i++ {
		e.executePoll(c.ID, currentGen(e, c.ID))
		st, _ := e.GetState(c.ID)
		if st.Status != storage.StatusRunning {
			t.Fatalf("status = %s after %d failures, want running", st.Status, i)
		}
		if st.ErrorCount != i {
			t.Fatalf("ErrorCount = %d, want %d", st.ErrorCount, i)
		}
	}

	e.executePoll(c.ID, currentGen(e, c.ID))
	st, _ := e.GetState(c.ID)
	if st.Status != storage.StatusError {
		t.Fatalf("status = %s after threshold, want error", st.Status)
	}
	if st.ErrorCount != failureThreshold {
		t.Fatalf("ErrorCount = %d, want %d", st.ErrorCount, failureThreshold)
	}
	if !st.NextPollAt.IsZero() {
		t.Fatal("errored minion must not have a scheduled poll")
	}
	if st.LastError == "" {
		t.Fatal("LastError not recorded")
	}

	// Operator restart recovers and resets the counter.
	ok, err := e.StartMinion(context.Background(), c.ID)
	if err != nil || !ok {
		t.Fatalf("restart = (%v, %v)", ok, err)
	}
	st, _ = e.GetState(c.ID)
	if st.Status != storage.StatusRunning || st.ErrorCount != 0 || st.ConsecutiveFailures != 0 || st.LastError != "" {
		t.Fatalf("restart did not reset error state: %+v", st)
	}
}

func TestSuccessAfterFailuresKeepsCount(t *testing.T) {
	t.Parallel()
	var fail bool
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			if fail {
				return StateUpdate{}, errors.New("flaky")
			}
			return StateUpdate{}, nil
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	fail = true
	e.executePoll(c.ID, currentGen(e, c.ID))
	fail = false
	e.executePoll(c.ID, currentGen(e, c.ID))

	st, _ := e.GetState(c.ID)
	if st.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1 (lifetime total survives success)", st.ErrorCount)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0 after a success", st.ConsecutiveFailures)
	}
}

func TestAlternatingFailuresDoNotPark(t *testing.T) {
	t.Parallel()
	var polls int
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			polls++
			if polls%2 == 1 {
				return StateUpdate{}, errors.New("flaky upstream")
			}
			return StateUpdate{}, nil
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	// Twice the threshold in failures, but never two in a row.
	for i := 0; i < 4*failureThreshold; i++ {
		e.executePoll(c.ID, currentGen(e, c.ID))
	}

	st, _ := e.GetState(c.ID)
	if st.Status != storage.StatusRunning {
		t.Fatalf("status = %s, want running (failures were never consecutive)", st.Status)
	}
	if st.ErrorCount != 2*failureThreshold {
		t.Fatalf("ErrorCount = %d, want %d (lifetime total)", st.ErrorCount, 2*failureThreshold)
	}
	if st.ConsecutiveFailures != 0 {
		t.Fatalf("ConsecutiveFailures = %d, want 0", st.ConsecutiveFailures)
	}
}

func TestResetErrorCountUpdate(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			return StateUpdate{ResetErrorCount: true}, nil
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	e.mu.Lock()
	st := e.states[c.ID]
	st.ErrorCount = 4
	st.LastError = "old"
	e.states[c.ID] = st
	e.mu.Unlock()

	e.executePoll(c.ID, currentGen(e, c.ID))
	got, _ := e.GetState(c.ID)
	if got.ErrorCount != 0 || got.LastError != "" {
		t.Fatalf("reset not honored: count=%d err=%q", got.ErrorCount, got.LastError)
	}
}

func TestRateLimitedPollDoesNotCount(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			return StateUpdate{}, ratelimit.FloodWait(errors.New("too fast"), time.Millisecond)
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	e.executePoll(c.ID, currentGen(e, c.ID))

	st, _ := e.GetState(c.ID)
	if st.ErrorCount != 0 {
		t.Fatalf("ErrorCount = %d, want 0 for rate-limited poll", st.ErrorCount)
	}
	if st.Status != storage.StatusRunning {
		t.Fatalf("status = %s, want running", st.Status)
	}
	if st.NextPollAt.IsZero() {
		t.Fatal("rate-limited poll must reschedule")
	}
}

func TestFatalConfigErrorParksImmediately(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			return StateUpdate{}, FatalConfig(errors.New("keywords missing"))
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	e.executePoll(c.ID, currentGen(e, c.ID))

	st, _ := e.GetState(c.ID)
	if st.Status != storage.StatusError {
		t.Fatalf("status = %s, want error on first fatal-config failure", st.Status)
	}
	if st.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", st.ErrorCount)
	}
}

func TestStrategyPanicIsAFailure(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(context.Context, storage.MinionConfig, storage.MinionState, Handle) (StateUpdate, error) {
			panic("boom")
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	e.executePoll(c.ID, currentGen(e, c.ID))

	st, _ := e.GetState(c.ID)
	if st.Status != storage.StatusRunning {
		t.Fatalf("status = %s, want running after one panic", st.Status)
	}
	if st.ErrorCount != 1 {
		t.Fatalf("ErrorCount = %d, want 1", st.ErrorCount)
	}
}

func TestDeletedMinionDiscardsPollResult(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{typ: "watch"})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	gen := currentGen(e, c.ID)
	if err := e.Delete(context.Background(), c.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	// The in-flight result lands after deletion; it must vanish silently.
	e.finishPoll(c.ID, gen, StateUpdate{MessagesScanned: 3}, nil)

	if _, ok := e.GetState(c.ID); ok {
		t.Fatal("state resurrected by late poll result")
	}
}

func TestTickDuringInflightPollReschedules(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{typ: "watch"})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	gen := currentGen(e, c.ID)
	e.mu.Lock()
	e.inflight[c.ID] = true
	e.mu.Unlock()

	// The timer tick lands while the previous poll is still in flight
	// (slow upstream, long flood wait). It must keep the schedule alive
	// rather than drop silently.
	e.executePoll(c.ID, gen)

	e.mu.Lock()
	_, armed := e.timers[c.ID]
	rearmed := e.gens[c.ID] == gen+1
	e.mu.Unlock()
	if !armed || !rearmed {
		t.Fatalf("tick dropped during in-flight poll: armed=%v rearmed=%v", armed, rearmed)
	}
	st, _ := e.GetState(c.ID)
	if st.NextPollAt.IsZero() {
		t.Fatal("NextPollAt not set after re-arm")
	}

	// The old poll finishing late is stale against the fresh timer and
	// must not disturb it.
	e.finishPoll(c.ID, gen, StateUpdate{}, nil)
	if g := currentGen(e, c.ID); g != gen+1 {
		t.Fatalf("stale finish changed the schedule: gen = %d, want %d", g, gen+1)
	}
	st, _ = e.GetState(c.ID)
	if st.Status != storage.StatusRunning || st.NextPollAt.IsZero() {
		t.Fatalf("schedule lost after stale finish: %+v", st)
	}
}

func TestPollErrorKinds(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "flood wait", err: ratelimit.FloodWait(errors.New("slow down"), time.Second), want: KindRateLimited},
		{name: "limiter reset", err: ratelimit.ErrReset, want: KindRateLimited},
		{name: "fatal config", err: FatalConfig(errors.New("bad regex")), want: KindFatalConfig},
		{name: "plain", err: errors.New("boom"), want: KindTransient},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if got := classify(tt.err); got != tt.want {
				t.Fatalf("classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStalePollDoesNotRearm(t *testing.T) {
	t.Parallel()
	e, _, _ := newTestEngine(t, fakeStrategy{typ: "watch"})
	c := mustCreate(t, e, storage.MinionConfig{Name: "m1", Type: "watch", Enabled: true})

	gen := currentGen(e, c.ID)
	// A stop/start cycle bumps the generation; the old poll is stale.
	if _, err := e.StopMinion(context.Background(), c.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	e.finishPoll(c.ID, gen, StateUpdate{MessagesScanned: 2}, nil)

	st, _ := e.GetState(c.ID)
	if st.Status != storage.StatusStopped {
		t.Fatalf("status = %s, want stopped", st.Status)
	}
	// The merge still lands (data is data), but no poll may be armed.
	if !st.NextPollAt.IsZero() {
		t.Fatal("stale poll re-armed a stopped minion")
	}
}

func TestEmitAlertFillsIdentity(t *testing.T) {
	t.Parallel()
	e, sink, _ := newTestEngine(t, fakeStrategy{
		typ: "watch",
		poll: func(ctx context.Context, cfg storage.MinionConfig, _ storage.MinionState, h Handle) (StateUpdate, error) {
			h.EmitAlert(ctx, storage.Alert{Category: "keyword", Title: "hit"})
			return StateUpdate{}, nil
		},
	})
	c := mustCreate(t, e, storage.MinionConfig{Name: "watcher", Type: "watch", Enabled: true})

	e.executePoll(c.ID, currentGen(e, c.ID))

	alerts := sink.all()
	if len(alerts) != 1 {
		t.Fatalf("got %d alerts, want 1", len(alerts))
	}
	a := alerts[0]
	if a.ID == "" || a.CreatedAt.IsZero() {
		t.Fatalf("alert identity not filled: %+v", a)
	}
	if a.MinionID != c.ID || a.MinionName != "watcher" || a.MinionType != "watch" {
		t.Fatalf("minion identity not filled: %+v", a)
	}
	if a.Priority != storage.PriorityInfo {
		t.Fatalf("priority = %s, want default info", a.Priority)
	}

	st, _ := e.GetState(c.ID)
	if st.AlertsTriggered != 1 {
		t.Fatalf("AlertsTriggered = %d, want 1", st.AlertsTriggered)
	}
}

func TestJanitorSweep(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	if err := store.AppendLog(ctx, storage.LogEntry{MinionID: "m", Level: storage.LogInfo, Message: "old", At: old}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendLog(ctx, storage.LogEntry{MinionID: "m", Level: storage.LogInfo, Message: "new", At: time.Now()}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.PutAlert(ctx, storage.Alert{ID: "a1", MinionID: "m", Dismissed: true, CreatedAt: old}); err != nil {
		t.Fatalf("put alert: %v", err)
	}
	if err := store.PutAlert(ctx, storage.Alert{ID: "a2", MinionID: "m", CreatedAt: old}); err != nil {
		t.Fatalf("put alert: %v", err)
	}

	j := NewJanitor(JanitorConfig{LogRetention: 24 * time.Hour, AlertRetention: 24 * time.Hour}, store, logx.Nop())
	j.Sweep(ctx)

	logs, _ := store.ListLogs(ctx, storage.LogQuery{})
	if len(logs) != 1 || logs[0].Message != "new" {
		t.Fatalf("logs after sweep = %+v, want only the fresh one", logs)
	}
	alerts, _ := store.ListAlerts(ctx, storage.AlertQuery{})
	if len(alerts) != 1 || alerts[0].ID != "a2" {
		t.Fatalf("alerts after sweep = %+v, want only the undismissed one", alerts)
	}
}
