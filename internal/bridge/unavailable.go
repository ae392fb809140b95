package bridge

import (
	"context"
	"errors"
)

// ErrUnavailable is returned by the placeholder bridge. Polls fail as
// transient errors until a real bridge is wired in.
var ErrUnavailable = errors.New("upstream bridge not configured")

// Unavailable returns a Bridge whose every call fails with ErrUnavailable.
// It keeps the engine runnable (lifecycle, alerts, storage) in builds that
// ship without an upstream client.
func Unavailable() Bridge { return unavailable{} }

type unavailable struct{}

func (unavailable) FetchRecentItems(context.Context, string, int, int64) ([]Item, error) {
	return nil, ErrUnavailable
}

func (unavailable) FetchMemberSnapshot(context.Context, string, int) ([]Member, error) {
	return nil, ErrUnavailable
}

func (unavailable) SearchTargets(context.Context, string) ([]Target, error) {
	return nil, ErrUnavailable
}

func (unavailable) FetchMedia(context.Context, string, int64) (*BlobRef, error) {
	return nil, ErrUnavailable
}
