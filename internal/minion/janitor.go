package minion

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"watchbot/internal/storage"
	logx "watchbot/pkg/logx"
)

// JanitorConfig controls periodic pruning. Logs are pruned by age, never
// by content; alerts are pruned only once dismissed.
type JanitorConfig struct {
	Schedule       string        // cron spec; default hourly
	LogRetention   time.Duration // default 7d
	AlertRetention time.Duration // dismissed alerts; default 30d
}

func (c JanitorConfig) withDefaults() JanitorConfig {
	if c.Schedule == "" {
		c.Schedule = "@every 1h"
	}
	if c.LogRetention <= 0 {
		c.LogRetention = 7 * 24 * time.Hour
	}
	if c.AlertRetention <= 0 {
		c.AlertRetention = 30 * 24 * time.Hour
	}
	return c
}

// Janitor runs scheduled retention sweeps against the store.
type Janitor struct {
	cfg   JanitorConfig
	store storage.Store
	log   logx.Logger
	c     *cron.Cron
}

func NewJanitor(cfg JanitorConfig, store storage.Store, log logx.Logger) *Janitor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Janitor{cfg: cfg.withDefaults(), store: store, log: log}
}

func (j *Janitor) Start() error {
	if j.c != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(j.cfg.Schedule, func() { j.Sweep(context.Background()) }); err != nil {
		return err
	}
	j.c = c
	c.Start()
	j.log.Info("janitor started", logx.String("schedule", j.cfg.Schedule))
	return nil
}

func (j *Janitor) Stop() {
	if j.c == nil {
		return
	}
	<-j.c.Stop().Done()
	j.c = nil
}

// Sweep prunes one round. Safe to call directly (used by tests and on
// demand).
func (j *Janitor) Sweep(ctx context.Context) {
	now := time.Now()
	if n, err := j.store.PruneLogs(ctx, now.Add(-j.cfg.LogRetention)); err != nil {
		j.log.Warn("log prune failed", logx.Err(err))
	} else if n > 0 {
		j.log.Debug("logs pruned", logx.Int64("removed", n))
	}
	if n, err := j.store.PruneDismissedAlerts(ctx, now.Add(-j.cfg.AlertRetention)); err != nil {
		j.log.Warn("alert prune failed", logx.Err(err))
	} else if n > 0 {
		j.log.Debug("dismissed alerts pruned", logx.Int64("removed", n))
	}
}
