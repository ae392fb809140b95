// Package ratelimit arbitrates every upstream call made by any minion.
//
// One shared Limiter enforces minimum inter-call spacing (with jitter), a
// concurrency cap with a FIFO wait queue, exponential backoff, and
// provider-issued flood-wait deadlines. Flood-wait and generic backoff
// compound rather than override each other.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	logx "watchbot/pkg/logx"
)

type Config struct {
	// MinDelay is the floor spacing between consecutive calls.
	MinDelay time.Duration
	// MaxDelay bounds the spacing jitter: jitter is in [0, MaxDelay-MinDelay).
	MaxDelay time.Duration
	// MaxConcurrent caps in-flight calls; excess callers queue FIFO.
	MaxConcurrent int

	// BackoffStep is decayed from the current backoff on each success.
	BackoffStep time.Duration
	// BackoffFactor multiplies the backoff on failure (min 1.1).
	BackoffFactor float64
	MaxBackoff    time.Duration

	// FloodMargin is added on top of provider-issued wait durations.
	FloodMargin time.Duration
}

func (c Config) withDefaults() Config {
	if c.MinDelay <= 0 {
		c.MinDelay = 2 * time.Second
	}
	if c.MaxDelay < c.MinDelay {
		c.MaxDelay = c.MinDelay
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 1
	}
	if c.BackoffStep <= 0 {
		c.BackoffStep = 500 * time.Millisecond
	}
	if c.BackoffFactor < 1.1 {
		c.BackoffFactor = 2.0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = time.Minute
	}
	if c.FloodMargin <= 0 {
		c.FloodMargin = time.Second
	}
	return c
}

// Limiter is safe for concurrent use. The zero value is not usable; use New.
type Limiter struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	rng *rand.Rand

	active     int
	waiters    []chan error // FIFO; Release sends nil, Reset sends ErrReset
	lastCall   time.Time
	backoff    time.Duration
	floodUntil time.Time
}

// Snapshot is a diagnostics view of the limiter state.
type Snapshot struct {
	Active     int
	Queued     int
	Backoff    time.Duration
	FloodUntil time.Time
	LastCall   time.Time
}

func New(cfg Config, log logx.Logger) *Limiter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Limiter{
		cfg: cfg.withDefaults(),
		log: log,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Apply swaps limiter settings at runtime. Accumulated backoff and the
// flood deadline are kept.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

// Acquire suspends the caller until it is safe to proceed.
// Every successful Acquire must be paired with exactly one Release.
func (l *Limiter) Acquire(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		l.mu.Lock()
		cfg := l.cfg
		now := time.Now()

		// Flood-wait deadline wins over everything else.
		if wait := l.floodUntil.Sub(now); wait > 0 {
			l.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		// Concurrency cap: queue FIFO and wait for a release signal.
		if l.active >= cfg.MaxConcurrent {
			ch := make(chan error, 1)
			l.waiters = append(l.waiters, ch)
			l.mu.Unlock()
			select {
			case err := <-ch:
				if err != nil {
					return err
				}
				continue
			case <-ctx.Done():
				l.abandonWaiter(ch)
				return ctx.Err()
			}
		}

		// Minimum inter-call spacing: minDelay + backoff + jitter.
		spacing := cfg.MinDelay + l.backoff + l.jitterLocked(cfg)
		if spacing > cfg.MinDelay+cfg.MaxBackoff {
			spacing = cfg.MinDelay + cfg.MaxBackoff
		}
		if wait := l.lastCall.Add(spacing).Sub(now); wait > 0 {
			l.mu.Unlock()
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
			continue
		}

		l.active++
		l.lastCall = now
		l.mu.Unlock()
		return nil
	}
}

// Release frees one slot and wakes the next queued waiter, if any.
func (l *Limiter) Release() {
	l.mu.Lock()
	if l.active > 0 {
		l.active--
	}
	l.wakeNextLocked(nil)
	l.mu.Unlock()
}

// Execute is the preferred convenience: acquire, run, release, report.
// Release happens even if fn panics.
func (l *Limiter) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()

	err := fn(ctx)

	var fw FloodWaitError
	switch {
	case err == nil:
		l.ReportSuccess()
	case errors.As(err, &fw):
		l.ReportFloodWait(fw.FloodWait())
	default:
		l.ReportFailure()
	}
	return err
}

// ReportSuccess decays the current backoff by one step (floor 0).
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	l.backoff -= l.cfg.BackoffStep
	if l.backoff < 0 {
		l.backoff = 0
	}
	l.mu.Unlock()
}

// ReportFailure multiplies the current backoff (at least MinDelay) by the
// configured factor, capped at MaxBackoff.
func (l *Limiter) ReportFailure() {
	l.mu.Lock()
	l.escalateLocked()
	l.mu.Unlock()
}

// ReportFloodWait honors a provider "slow down" directive: all calls are
// suspended until now+wait+margin, and the generic backoff escalates too.
func (l *Limiter) ReportFloodWait(wait time.Duration) {
	if wait < 0 {
		wait = 0
	}
	l.mu.Lock()
	until := time.Now().Add(wait + l.cfg.FloodMargin)
	if until.After(l.floodUntil) {
		l.floodUntil = until
	}
	l.escalateLocked()
	backoff := l.backoff
	l.mu.Unlock()

	l.log.Warn("flood wait imposed",
		logx.Duration("wait", wait),
		logx.Time("until", until),
		logx.Duration("backoff", backoff),
	)
}

func (l *Limiter) escalateLocked() {
	b := l.backoff
	if b < l.cfg.MinDelay {
		b = l.cfg.MinDelay
	}
	b = time.Duration(float64(b) * l.cfg.BackoffFactor)
	if b > l.cfg.MaxBackoff {
		b = l.cfg.MaxBackoff
	}
	l.backoff = b
}

// Reset clears all accumulated state and rejects queued waiters with
// ErrReset. In-flight calls keep their slots until they Release.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.backoff = 0
	l.floodUntil = time.Time{}
	l.lastCall = time.Time{}
	waiters := l.waiters
	l.waiters = nil
	l.mu.Unlock()

	for _, ch := range waiters {
		ch <- ErrReset
	}
}

func (l *Limiter) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Active:     l.active,
		Queued:     len(l.waiters),
		Backoff:    l.backoff,
		FloodUntil: l.floodUntil,
		LastCall:   l.lastCall,
	}
}

func (l *Limiter) jitterLocked(cfg Config) time.Duration {
	span := cfg.MaxDelay - cfg.MinDelay
	if span <= 0 {
		return 0
	}
	return time.Duration(l.rng.Int63n(int64(span)))
}

func (l *Limiter) wakeNextLocked(err error) {
	if len(l.waiters) == 0 {
		return
	}
	ch := l.waiters[0]
	l.waiters = l.waiters[1:]
	ch <- err
}

// abandonWaiter removes ch from the queue after a canceled wait. If Release
// already signaled it, the permit signal is forwarded to the next waiter.
func (l *Limiter) abandonWaiter(ch chan error) {
	l.mu.Lock()
	for i, w := range l.waiters {
		if w == ch {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			l.mu.Unlock()
			return
		}
	}
	// Not queued anymore: a signal raced with cancellation.
	select {
	case err := <-ch:
		if err == nil {
			l.wakeNextLocked(nil)
		}
	default:
	}
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
