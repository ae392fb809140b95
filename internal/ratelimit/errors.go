package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

// ErrReset is returned to queued waiters when the limiter is reset.
// Callers must treat it as non-retryable.
var ErrReset = errors.New("rate limiter reset")

// FloodWait wraps err with a provider-issued wait duration.
//
// The upstream bridge wraps its "rate-limited, retry after N seconds"
// responses with this so Execute() can reconfigure the limiter instead of
// treating them as ordinary failures.
//
// Example:
//
//	return ratelimit.FloodWait(fmt.Errorf("fetch %s: %w", id, err), 30*time.Second)
func FloodWait(err error, wait time.Duration) error {
	if err == nil {
		return nil
	}
	if wait < 0 {
		wait = 0
	}
	return floodWaitError{err: err, wait: wait}
}

// FloodWaitError is implemented by errors carrying an explicit provider
// wait directive.
type FloodWaitError interface {
	error
	FloodWait() time.Duration
}

// IsFloodWait reports whether err carries a flood-wait directive.
func IsFloodWait(err error) bool {
	var fw FloodWaitError
	return errors.As(err, &fw)
}

type floodWaitError struct {
	err  error
	wait time.Duration
}

func (e floodWaitError) Error() string            { return fmt.Sprintf("flood-wait(%s): %v", e.wait, e.err) }
func (e floodWaitError) Unwrap() error            { return e.err }
func (e floodWaitError) FloodWait() time.Duration { return e.wait }
