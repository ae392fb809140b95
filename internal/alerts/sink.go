// Package alerts receives every alert emitted during polling: it persists
// them, keeps unread/priority bookkeeping, and attempts best-effort
// outward delivery. A failing delivery channel never propagates back into
// the poll that triggered the alert.
package alerts

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchbot/internal/eventbus"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	logx "watchbot/pkg/logx"
)

type Config struct {
	// Delivery settings; delivery is skipped entirely when Target is zero
	// or no adapter is wired.
	Target    kit.ChatTarget
	QueueSize int
	// RatePerSec throttles outward sends (token bucket).
	RatePerSec int
	// Timeout bounds one outward send.
	Timeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// UnreadListener receives the new unread count after every mutation
// (not a delta).
type UnreadListener func(count int)

// Sink is safe for concurrent use.
type Sink struct {
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	store   storage.Store
	adapter kit.Adapter
	limiter *rate.Limiter

	mu        sync.Mutex
	unread    int
	listeners []UnreadListener

	queue    chan storage.Alert
	stopOnce sync.Once
	done     chan struct{}
}

func New(cfg Config, store storage.Store, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Sink {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	s := &Sink{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		store:   store,
		adapter: adapter,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		queue:   make(chan storage.Alert, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	return s
}

// Start restores the unread count from storage and launches the delivery
// worker.
func (s *Sink) Start(ctx context.Context) {
	if s.store != nil {
		if n, err := s.store.CountUnreadAlerts(ctx); err == nil {
			s.mu.Lock()
			s.unread = n
			s.mu.Unlock()
		}
	}
	go s.deliveryLoop()
}

func (s *Sink) Stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// AddUnreadListener registers a listener invoked with the new count after
// every unread mutation.
func (s *Sink) AddUnreadListener(fn UnreadListener) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Sink) Unread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

// Emit handles one alert: persist, count, notify, enqueue delivery.
// It never returns an error to the poll path; failures are logged.
func (s *Sink) Emit(ctx context.Context, a storage.Alert) {
	if s.store != nil {
		if err := s.store.PutAlert(ctx, a); err != nil {
			s.log.Warn("alert persist failed", logx.String("alert", a.ID), logx.Err(err))
		}
	}

	s.mu.Lock()
	s.unread++
	count := s.unread
	s.mu.Unlock()
	s.notifyUnread(count)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "alert.emitted", Data: a})
	}
	s.log.Info("alert",
		logx.String("minion", a.MinionName),
		logx.String("category", a.Category),
		logx.String("priority", string(a.Priority)),
		logx.String("title", a.Title),
	)

	if s.adapter == nil || s.cfg.Target.ChatID == 0 {
		return
	}
	select {
	case s.queue <- a:
	default:
		// Delivery is best-effort; dropping beats blocking a poll.
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: "alert.dropped", Data: a.ID})
		}
		s.log.Warn("alert delivery queue full, dropped", logx.String("alert", a.ID))
	}
}

// MarkRead is idempotent.
func (s *Sink) MarkRead(ctx context.Context, id string) error {
	return s.setFlags(ctx, id, func(a *storage.Alert) bool {
		if a.Read {
			return false
		}
		a.Read = true
		return true
	})
}

// MarkDismissed is idempotent. Dismissing also clears unread.
func (s *Sink) MarkDismissed(ctx context.Context, id string) error {
	return s.setFlags(ctx, id, func(a *storage.Alert) bool {
		if a.Dismissed {
			return false
		}
		a.Dismissed = true
		return true
	})
}

func (s *Sink) setFlags(ctx context.Context, id string, mutate func(*storage.Alert) bool) error {
	if s.store == nil {
		return nil
	}
	a, ok, err := s.store.GetAlert(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	wasUnread := !a.Read && !a.Dismissed
	if !mutate(&a) {
		return nil
	}
	if err := s.store.PutAlert(ctx, a); err != nil {
		return err
	}
	if wasUnread {
		s.mu.Lock()
		if s.unread > 0 {
			s.unread--
		}
		count := s.unread
		s.mu.Unlock()
		s.notifyUnread(count)
	}
	return nil
}

// MarkAllRead is idempotent.
func (s *Sink) MarkAllRead(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	unread, err := s.store.ListAlerts(ctx, storage.AlertQuery{UnreadOnly: true})
	if err != nil {
		return err
	}
	for _, a := range unread {
		a.Read = true
		if err := s.store.PutAlert(ctx, a); err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()
	s.notifyUnread(0)
	return nil
}

func (s *Sink) Recent(ctx context.Context, limit int) ([]storage.Alert, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListAlerts(ctx, storage.AlertQuery{Limit: limit})
}

func (s *Sink) notifyUnread(count int) {
	s.mu.Lock()
	ls := append([]UnreadListener(nil), s.listeners...)
	s.mu.Unlock()
	for _, fn := range ls {
		fn(count)
	}
}

func (s *Sink) deliveryLoop() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in alert delivery", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	for {
		select {
		case <-s.done:
			return
		case a := <-s.queue:
			s.deliverOne(a)
		}
	}
}

func (s *Sink) deliverOne(a storage.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()

	if err := s.limiter.Wait(ctx); err != nil {
		return
	}

	// Critical alerts ring through: no silent delivery.
	opts := &kit.SendOptions{DisablePreview: true, Silent: a.Priority != storage.PriorityCritical}
	_, err := s.adapter.SendText(ctx, s.cfg.Target, formatAlert(a), opts)
	if err != nil {
		s.log.Warn("alert delivery failed", logx.String("alert", a.ID), logx.Err(err))
		return
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: "alert.delivered", Data: a.ID})
	}
}

func formatAlert(a storage.Alert) string {
	prefix := ""
	switch a.Priority {
	case storage.PriorityCritical:
		prefix = "🚨 "
	case storage.PriorityWarning:
		prefix = "⚠️ "
	}
	body := fmt.Sprintf("%s%s\n%s", prefix, a.Title, a.Message)
	if a.TargetID != "" {
		body += fmt.Sprintf("\ntarget: %s", a.TargetID)
	}
	body += fmt.Sprintf("\nminion: %s (%s)", a.MinionName, a.MinionType)
	return body
}
