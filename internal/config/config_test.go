package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const sampleJSON = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "storage": {"driver": "file", "path": "./data"},
  "limiter": {"min_delay": "2s", "max_concurrent": 1},
  "engine": {"auto_start": true, "poll_timeout": "90s"},
  "janitor": {"enabled": true, "log_retention": "168h"},
  "minions": [
    {"name": "kw", "type": "keyword", "enabled": true, "targets": ["chat-1"],
     "interval": "1m", "settings": {"keywords": ["alpha"]}}
  ]
}`

const sampleYAML = `logging:
  level: info
  console: true
  file:
    enabled: true
    path: ./bot.log
engine:
  auto_start: false
minions:
  - name: members
    type: memberdiff
    enabled: false
    targets: [group-1]
`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", sampleJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "file" {
		t.Fatalf("storage: %+v", cfg.Storage)
	}
	if !cfg.Engine.AutoStart || cfg.Engine.PollTimeout != "90s" {
		t.Fatalf("engine: %+v", cfg.Engine)
	}
	if len(cfg.Minions) != 1 || cfg.Minions[0].Type != "keyword" {
		t.Fatalf("minions: %+v", cfg.Minions)
	}
	if kw, ok := cfg.Minions[0].Settings["keywords"].([]any); !ok || len(kw) != 1 {
		t.Fatalf("settings: %+v", cfg.Minions[0].Settings)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get() did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logging.Level != "info" || !cfg.Logging.File.Enabled {
		t.Fatalf("logging: %+v", cfg.Logging)
	}
	if len(cfg.Minions) != 1 || cfg.Minions[0].Targets[0] != "group-1" {
		t.Fatalf("minions: %+v", cfg.Minions)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging": {}, "engine": {}, "wat": true}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{"logging": {}, "engine": {}}{"more": 1}`))
	if _, err := m.Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "empty ok", mutate: func(*Config) {}},
		{name: "bad engine duration", mutate: func(c *Config) { c.Engine.PollTimeout = "soon" }, wantErr: true},
		{name: "bad limiter duration", mutate: func(c *Config) { c.Limiter = &LimiterConfig{MinDelay: "-5s"} }, wantErr: true},
		{name: "bad limiter max delay", mutate: func(c *Config) { c.Limiter = &LimiterConfig{MaxDelay: "soon"} }, wantErr: true},
		{name: "telegram without token", mutate: func(c *Config) { c.Telegram = &TelegramConfig{ChatID: 1} }, wantErr: true},
		{name: "seed without name", mutate: func(c *Config) { c.Minions = []MinionSeed{{Type: "keyword"}} }, wantErr: true},
		{name: "seed without type", mutate: func(c *Config) { c.Minions = []MinionSeed{{Name: "x"}} }, wantErr: true},
		{name: "duplicate seed ids", mutate: func(c *Config) {
			c.Minions = []MinionSeed{
				{ID: "1", Name: "a", Type: "keyword"},
				{ID: "1", Name: "b", Type: "keyword"},
			}
		}, wantErr: true},
		{name: "bad seed interval", mutate: func(c *Config) {
			c.Minions = []MinionSeed{{Name: "a", Type: "keyword", Interval: "fast"}}
		}, wantErr: true},
		{name: "full valid", mutate: func(c *Config) {
			c.Telegram = &TelegramConfig{Token: "t", ChatID: 1, Timeout: "5s"}
			c.Janitor = &JanitorConfig{Enabled: true, LogRetention: "24h"}
			c.Minions = []MinionSeed{{Name: "a", Type: "keyword", Interval: "45s"}}
		}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var c Config
			tt.mutate(&c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", "1m30s"); err != nil || d != 90*time.Second {
		t.Fatalf("ParseDurationField = (%v, %v)", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = (%v, %v), want (0, nil)", d, err)
	}
	if _, err := ParseDurationField("x", "-1s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}

func TestSubscribePublishDropsOldest(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	first := &Config{}
	second := &Config{Engine: EngineConfig{AutoStart: true}}
	m.publish(first)
	m.publish(second)

	got := <-ch
	if got != second {
		t.Fatal("subscriber did not receive the newest config")
	}
	select {
	case extra := <-ch:
		t.Fatalf("unexpected extra config: %+v", extra)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	m := NewManager("unused")
	ch := m.Subscribe(1)
	m.Unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Fatal("channel not closed")
	}
	// Double unsubscribe must not panic.
	m.Unsubscribe(ch)
}
