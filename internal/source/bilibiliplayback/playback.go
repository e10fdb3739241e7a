// Package bilibiliplayback adapts the shared webhook registry's
// per-room update channel into the update-driven subscription source
// named bilibili.playback in spec.md §4.2/§4.4. Unlike the polled
// fetchers, it has no Status to diff: notifications arrive already
// formed and are forwarded to the subscription task verbatim.
package bilibiliplayback

import (
	"context"
	"fmt"

	"github.com/SpriteOvO/closely-go/internal/status"
	"github.com/SpriteOvO/closely-go/internal/webhook"
)

// Source is an update-driven subscription source: it carries no
// fetch_status() of its own, only a channel of pre-built
// notifications pushed by the webhook listener.
type Source struct {
	roomID  uint64
	updates <-chan status.Notification
}

// New registers roomID with reg and returns a Source that receives
// this room's Playback/Document notifications.
func New(reg *webhook.Registry, roomID uint64) (*Source, error) {
	ch, err := reg.Register(roomID)
	if err != nil {
		return nil, fmt.Errorf("bilibili.playback: %w", err)
	}
	return &Source{roomID: roomID, updates: ch}, nil
}

func (s *Source) String() string {
	return fmt.Sprintf("bilibili.playback(%d)", s.roomID)
}

// Next blocks until the next webhook-delivered notification, or ctx
// is done. The subscription task calls this instead of FetchStatus in
// its select loop (spec.md §4.1's update-driven variant).
func (s *Source) Next(ctx context.Context) (status.Notification, error) {
	select {
	case n, ok := <-s.updates:
		if !ok {
			return status.Notification{}, fmt.Errorf("bilibili.playback: update channel closed")
		}
		n.Source = status.Source{PlatformName: "bilibili.playback"}
		return n, nil
	case <-ctx.Done():
		return status.Notification{}, ctx.Err()
	}
}
