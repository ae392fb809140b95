// Package bridge declares the upstream data-fetching contract consumed by
// monitoring strategies.
//
// The engine owns no wire protocol; a concrete bridge (Telegram MTProto,
// test fake, ...) is injected at wiring time. Rate-limit responses must be
// wrapped with ratelimit.FloodWait so the shared limiter can honor them.
package bridge

import (
	"context"
	"time"
)

// Item is one upstream message/post. IDs are monotonically increasing per
// target, which is what makes cursor-based incremental polling possible.
type Item struct {
	ID       int64
	TargetID string
	SenderID int64
	Sender   string
	Text     string
	HasMedia bool
	SentAt   time.Time
}

// Member is one entry of a target's member list snapshot.
type Member struct {
	ID       int64
	Username string
	Name     string
}

// Target is a searchable upstream resource (chat, channel, group).
type Target struct {
	ID      string
	Title   string
	Kind    string
	Members int
}

// BlobRef points at captured media. The blob itself lives outside this
// subsystem.
type BlobRef struct {
	ID   string
	Path string
	Mime string
	Size int64
}

// Bridge fetches upstream data. All methods honor ctx cancellation.
//
// Implementations signal "rate-limited, retry after N" by returning an
// error wrapped with ratelimit.FloodWait; any other error is treated as
// transient by the engine.
type Bridge interface {
	// FetchRecentItems returns up to limit items with ID > afterID,
	// oldest first. afterID 0 means "from the most recent window".
	FetchRecentItems(ctx context.Context, targetID string, limit int, afterID int64) ([]Item, error)

	// FetchMemberSnapshot returns up to limit current members of a target.
	FetchMemberSnapshot(ctx context.Context, targetID string, limit int) ([]Member, error)

	// SearchTargets finds upstream resources matching query.
	SearchTargets(ctx context.Context, query string) ([]Target, error)

	// FetchMedia captures media attached to an item. Returns nil when the
	// item has no media.
	FetchMedia(ctx context.Context, targetID string, itemID int64) (*BlobRef, error)
}
