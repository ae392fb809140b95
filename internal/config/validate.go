package config

import (
	"fmt"
)

// Validate checks everything that can be checked without touching the
// outside world: duration syntax and seed sanity. Reload rejects a config
// that fails here.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	durations := []struct{ path, raw string }{
		{"engine.poll_timeout", c.Engine.PollTimeout},
	}
	if s := c.Storage; s != nil {
		durations = append(durations, struct{ path, raw string }{"storage.busy_timeout", s.BusyTimeout})
	}
	if l := c.Limiter; l != nil {
		durations = append(durations,
			struct{ path, raw string }{"limiter.min_delay", l.MinDelay},
			struct{ path, raw string }{"limiter.max_delay", l.MaxDelay},
			struct{ path, raw string }{"limiter.backoff_step", l.BackoffStep},
			struct{ path, raw string }{"limiter.max_backoff", l.MaxBackoff},
			struct{ path, raw string }{"limiter.flood_margin", l.FloodMargin},
		)
	}
	if j := c.Janitor; j != nil {
		durations = append(durations,
			struct{ path, raw string }{"janitor.log_retention", j.LogRetention},
			struct{ path, raw string }{"janitor.alert_retention", j.AlertRetention},
		)
	}
	if t := c.Telegram; t != nil {
		durations = append(durations, struct{ path, raw string }{"telegram.timeout", t.Timeout})
	}
	if a := c.Alerts; a != nil {
		durations = append(durations, struct{ path, raw string }{"alerts.timeout", a.Timeout})
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	if t := c.Telegram; t != nil && t.Token == "" {
		return fmt.Errorf("telegram: token required when section present")
	}

	seen := map[string]struct{}{}
	for i, s := range c.Minions {
		path := fmt.Sprintf("minions[%d]", i)
		if s.Name == "" {
			return fmt.Errorf("%s: name required", path)
		}
		if s.Type == "" {
			return fmt.Errorf("%s: type required", path)
		}
		if s.ID != "" {
			if _, dup := seen[s.ID]; dup {
				return fmt.Errorf("%s: duplicate id %q", path, s.ID)
			}
			seen[s.ID] = struct{}{}
		}
		if _, err := ParseDurationField(path+".interval", s.Interval); err != nil {
			return err
		}
	}
	return nil
}
