package app

import (
	"testing"
	"time"

	"watchbot/internal/config"
	"watchbot/internal/ratelimit"
)

func TestLimiterConfigMapping(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Limiter: &config.LimiterConfig{
		MinDelay:      "2s",
		MaxDelay:      "5s",
		MaxConcurrent: 3,
		BackoffStep:   "250ms",
		BackoffFactor: 1.5,
		MaxBackoff:    "30s",
		FloodMargin:   "1500ms",
	}}

	got, err := limiterConfig(cfg)
	if err != nil {
		t.Fatalf("limiterConfig: %v", err)
	}
	if got.MinDelay != 2*time.Second {
		t.Fatalf("MinDelay = %v", got.MinDelay)
	}
	// MaxDelay drives the spacing jitter span; losing it collapses the
	// jitter to zero.
	if got.MaxDelay != 5*time.Second {
		t.Fatalf("MaxDelay = %v", got.MaxDelay)
	}
	if got.MaxConcurrent != 3 || got.BackoffFactor != 1.5 {
		t.Fatalf("cap/factor = %d/%v", got.MaxConcurrent, got.BackoffFactor)
	}
	if got.BackoffStep != 250*time.Millisecond || got.MaxBackoff != 30*time.Second {
		t.Fatalf("backoff = %v/%v", got.BackoffStep, got.MaxBackoff)
	}
	if got.FloodMargin != 1500*time.Millisecond {
		t.Fatalf("FloodMargin = %v", got.FloodMargin)
	}
}

func TestLimiterConfigNilSection(t *testing.T) {
	t.Parallel()
	got, err := limiterConfig(&config.Config{})
	if err != nil {
		t.Fatalf("limiterConfig: %v", err)
	}
	if got != (ratelimit.Config{}) {
		t.Fatalf("expected zero config, got %+v", got)
	}
}
