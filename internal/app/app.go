// Package app wires configuration, storage, the limiter, the alert sink
// and the minion engine into one process lifecycle.
package app

import (
	"context"
	"fmt"
	"sync"

	"watchbot/internal/alerts"
	"watchbot/internal/bridge"
	"watchbot/internal/config"
	"watchbot/internal/eventbus"
	"watchbot/internal/minion"
	"watchbot/internal/ratelimit"
	"watchbot/internal/storage"
	kit "watchbot/internal/transport"
	"watchbot/internal/transport/telegram"
	logx "watchbot/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	store   storage.Store
	bus     eventbus.Bus
	limiter *ratelimit.Limiter
	adapter kit.Adapter
	sink    *alerts.Sink
	engine  *minion.Engine
	janitor *minion.Janitor

	br bridge.Bridge

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the full component graph from the config file. The bridge is
// injected by the caller; a nil bridge is valid for setups that only
// replay stored data.
func New(cfgPath string, br bridge.Bridge) (*App, error) {
	a := &App{cfgPath: cfgPath, br: br}

	a.cfgm = config.NewManager(cfgPath)
	cfg, err := a.cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	var root logx.Logger
	a.logs, root = logx.New(loggingConfig(cfg))
	a.log = root.With(logx.String("comp", "app"))
	a.cfgm.SetLogger(root.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	a.bus = eventbus.New()

	scfg, err := storageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(scfg, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if store == nil {
		store = storage.NewMemory()
		a.log.Warn("storage disabled; using in-memory store, state is lost on restart")
	}
	a.store = store

	lcfg, err := limiterConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.limiter = ratelimit.New(lcfg, root.With(logx.String("comp", "limiter")))

	if t := cfg.Telegram; t != nil {
		// telegram.New falls back to its own default when the timeout is
		// left unset.
		timeout, err := config.ParseDurationField("telegram.timeout", t.Timeout)
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: t.Token, Timeout: timeout}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		a.adapter = ad
	}

	acfg, err := alertsConfig(cfg)
	if err != nil {
		return nil, err
	}
	a.sink = alerts.New(acfg, a.store, a.adapter, root.With(logx.String("comp", "alerts")), a.bus)

	pollTimeout, err := config.ParseDurationField("engine.poll_timeout", cfg.Engine.PollTimeout)
	if err != nil {
		return nil, err
	}
	a.engine = minion.New(minion.Config{
		AutoStart:   cfg.Engine.AutoStart,
		PollTimeout: pollTimeout,
	}, a.store, a.limiter, a.sink, a.br, root.With(logx.String("comp", "engine")), a.bus)

	if j := cfg.Janitor; j != nil && j.Enabled {
		jcfg, err := janitorConfig(j)
		if err != nil {
			return nil, err
		}
		a.janitor = minion.NewJanitor(jcfg, a.store, root.With(logx.String("comp", "janitor")))
	}

	return a, nil
}

func (a *App) Engine() *minion.Engine { return a.engine }
func (a *App) Sink() *alerts.Sink     { return a.sink }
func (a *App) Bus() eventbus.Bus      { return a.bus }

// Start seeds minions from config, starts the engine and the background
// loops. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel

	a.sink.Start(ctx)

	if err := a.seedMinions(ctx); err != nil {
		return err
	}
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("engine start: %w", err)
	}
	if a.janitor != nil {
		if err := a.janitor.Start(); err != nil {
			return fmt.Errorf("janitor start: %w", err)
		}
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil {
			a.log.Warn("config watch stopped", logx.Err(err))
		}
	}()
	a.wg.Add(1)
	go a.reloadLoop(runCtx)

	a.log.Info("started", logx.String("config", a.cfgPath))
	return nil
}

// Stop shuts down in dependency order: engine first so no poll emits into
// a closed sink, then the background loops, then storage.
func (a *App) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	if err := a.engine.Stop(ctx); err != nil {
		a.log.Warn("engine stop", logx.Err(err))
	}
	a.sink.Stop()
	a.wg.Wait()
	if err := a.store.Close(); err != nil {
		a.log.Warn("storage close", logx.Err(err))
	}
	a.log.Info("stopped")
	return a.logs.Close()
}

// seedMinions creates minions declared in the config file that storage
// does not already know. Seeds never overwrite stored state.
func (a *App) seedMinions(ctx context.Context) error {
	cfg := a.cfgm.Get()
	if cfg == nil || len(cfg.Minions) == 0 {
		return nil
	}
	existing := map[string]struct{}{}
	known, err := a.store.ListConfigs(ctx)
	if err != nil {
		return fmt.Errorf("seed: list configs: %w", err)
	}
	for _, c := range known {
		existing[c.ID] = struct{}{}
	}

	for i, seed := range cfg.Minions {
		if seed.ID != "" {
			if _, ok := existing[seed.ID]; ok {
				continue
			}
		}
		interval, err := config.ParseDurationField(fmt.Sprintf("minions[%d].interval", i), seed.Interval)
		if err != nil {
			return err
		}
		mc := storage.MinionConfig{
			ID:         seed.ID,
			Name:       seed.Name,
			Type:       seed.Type,
			Enabled:    seed.Enabled,
			Targets:    append([]string(nil), seed.Targets...),
			IntervalMS: interval.Milliseconds(),
			Settings:   seed.Settings,
		}
		created, err := a.engine.Create(ctx, mc)
		if err != nil {
			return fmt.Errorf("seed minion %q: %w", seed.Name, err)
		}
		a.log.Info("seeded minion",
			logx.String("id", created.ID),
			logx.String("name", created.Name),
			logx.String("type", created.Type),
		)
	}
	return nil
}

// reloadLoop applies hot-reloadable settings when the config file changes.
// Only logging and limiter tuning reload live; structural changes (storage
// driver, telegram wiring) need a restart.
func (a *App) reloadLoop(ctx context.Context) {
	defer a.wg.Done()
	sub := a.cfgm.Subscribe(4)
	defer a.cfgm.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.logs.Apply(loggingConfig(cfg))
			if lcfg, err := limiterConfig(cfg); err != nil {
				a.log.Warn("limiter reload failed", logx.Err(err))
			} else {
				a.limiter.Apply(lcfg)
			}
			a.log.Info("runtime settings reloaded")
		}
	}
}

func loggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func storageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func limiterConfig(cfg *config.Config) (ratelimit.Config, error) {
	out := ratelimit.Config{}
	l := cfg.Limiter
	if l == nil {
		return out, nil
	}
	var err error
	if out.MinDelay, err = config.ParseDurationField("limiter.min_delay", l.MinDelay); err != nil {
		return out, err
	}
	if out.MaxDelay, err = config.ParseDurationField("limiter.max_delay", l.MaxDelay); err != nil {
		return out, err
	}
	if out.BackoffStep, err = config.ParseDurationField("limiter.backoff_step", l.BackoffStep); err != nil {
		return out, err
	}
	if out.MaxBackoff, err = config.ParseDurationField("limiter.max_backoff", l.MaxBackoff); err != nil {
		return out, err
	}
	if out.FloodMargin, err = config.ParseDurationField("limiter.flood_margin", l.FloodMargin); err != nil {
		return out, err
	}
	out.MaxConcurrent = l.MaxConcurrent
	out.BackoffFactor = l.BackoffFactor
	return out, nil
}

func alertsConfig(cfg *config.Config) (alerts.Config, error) {
	out := alerts.Config{}
	if t := cfg.Telegram; t != nil {
		out.Target = kit.ChatTarget{ChatID: t.ChatID, ThreadID: t.ThreadID}
	}
	if ac := cfg.Alerts; ac != nil {
		out.QueueSize = ac.QueueSize
		out.RatePerSec = ac.RatePerSec
		var err error
		if out.Timeout, err = config.ParseDurationField("alerts.timeout", ac.Timeout); err != nil {
			return out, err
		}
	}
	return out, nil
}

func janitorConfig(j *config.JanitorConfig) (minion.JanitorConfig, error) {
	out := minion.JanitorConfig{Schedule: j.Schedule}
	var err error
	if out.LogRetention, err = config.ParseDurationField("janitor.log_retention", j.LogRetention); err != nil {
		return out, err
	}
	if out.AlertRetention, err = config.ParseDurationField("janitor.alert_retention", j.AlertRetention); err != nil {
		return out, err
	}
	return out, nil
}
