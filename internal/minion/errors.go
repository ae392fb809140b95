package minion

import (
	"errors"
	"fmt"

	"watchbot/internal/ratelimit"
)

var (
	ErrNotFound     = errors.New("minion not found")
	ErrEngineClosed = errors.New("engine not started")
)

// Kind classifies poll failures so the threshold logic never has to
// pattern-match error text.
type Kind int

const (
	// KindTransient covers network failures and generic upstream errors.
	// Counted toward the failure threshold, retried on the next poll.
	KindTransient Kind = iota
	// KindRateLimited marks provider flood-wait signals. Never counted;
	// they reconfigure the limiter instead.
	KindRateLimited
	// KindFatalConfig marks unrecoverable setup problems (e.g. no strategy
	// registered for a minion type). Transitions straight to error state.
	KindFatalConfig
	// KindPersistence marks storage failures surfaced to lifecycle callers.
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate-limited"
	case KindFatalConfig:
		return "fatal-config"
	case KindPersistence:
		return "persistence"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// FatalConfig marks err as an unrecoverable configuration problem; the
// engine parks the minion in error state immediately instead of retrying.
func FatalConfig(err error) error { return wrapKind(KindFatalConfig, err) }

// KindOf extracts the classification, defaulting to transient.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindTransient
}

// classify maps an arbitrary poll error to its Kind, recognizing the
// limiter's flood-wait and reset signals before falling back to any
// explicit wrap.
func classify(err error) Kind {
	if ratelimit.IsFloodWait(err) || errors.Is(err, ratelimit.ErrReset) {
		return KindRateLimited
	}
	return KindOf(err)
}
