// Package transport declares the outward notification contract.
// Concrete adapters live in subpackages.
package transport

import "context"

// ChatTarget addresses an outbound destination.
type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

// SendOptions tweaks one send.
type SendOptions struct {
	DisablePreview bool
	Silent         bool
}

// Adapter is a minimal outbound sender. Delivery is best-effort: callers
// must tolerate failure without affecting their own correctness.
type Adapter interface {
	SendText(ctx context.Context, to ChatTarget, text string, opts *SendOptions) (msgID int, err error)
}
