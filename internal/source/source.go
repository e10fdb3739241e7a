// Package source defines the fetcher contract that every platform
// implementation satisfies (spec.md §4.1, §4.2). Turning a
// config.SourceConfig into a concrete Fetcher is done by the supervisor.
package source

import (
	"context"
	"fmt"

	"github.com/SpriteOvO/closely-go/internal/status"
)

// Fetcher produces one status.Status snapshot per call. A Fetcher must
// be safe to call repeatedly and concurrently with itself only insofar
// as the subscription task that owns it calls it serially; some
// fetchers keep state across calls (e.g. the last good live snapshot,
// or the sets of post ids already seen or blocked).
type Fetcher interface {
	// FetchStatus retrieves the current snapshot. A transient upstream
	// hiccup should return status.Empty() rather than stale or partial
	// data whenever the platform's response can't be trusted.
	FetchStatus(ctx context.Context) (status.Status, error)

	// String names the fetcher for logging, e.g. "bilibili.live(12345)".
	String() string
}

// PostFilterer is implemented by fetchers whose platform allows
// filtering posts after fetch (e.g. excluding reposts). Fetchers that
// don't need filtering simply don't implement it; callers type-assert.
type PostFilterer interface {
	FilterPosts(posts status.Posts) status.Posts
}

// Kind identifies which platform a SourceConfig names.
const (
	KindBilibiliLive     = "bilibili.live"
	KindBilibiliSpace    = "bilibili.space"
	KindBilibiliVideo    = "bilibili.video"
	KindBilibiliPlayback = "bilibili.playback"
	KindTwitter          = "twitter"
)

// ErrUnknownKind is returned by the supervisor when asked to build a
// fetcher for an unrecognized source kind.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("source: unknown kind %q", e.Kind)
}
