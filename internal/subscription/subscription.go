// Package subscription implements the per-subscription task loop
// (spec.md §4.1): an interval clock drives fetch → sort → diff →
// filter → dispatch → merge, and a companion update-driven variant
// forwards webhook-sourced notifications without ever touching the
// diff engine.
package subscription

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/SpriteOvO/closely-go/internal/errs"
	"github.com/SpriteOvO/closely-go/internal/notify"
	"github.com/SpriteOvO/closely-go/internal/source"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// dispatch sends n to every notifier sequentially, logging but not
// aborting on individual failures (spec.md §4.1 step 6).
func dispatch(ctx context.Context, name string, notifiers []notify.Notifier, logger *slog.Logger, n status.Notification) {
	for _, notifier := range notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			logger.Error("notify failed", "subscription", name, "notifier", notifier.String(), "error", err)
		}
	}
}

// Task drives a polled subscription: fetch, diff against the stored
// snapshot, dispatch notifications, and fold the new snapshot in.
type Task struct {
	name      string
	interval  time.Duration
	fetcher   source.Fetcher
	notifiers []notify.Notifier
	logger    *slog.Logger

	last status.Status
}

// New constructs a polled subscription task. last_status starts empty
// (spec.md §3 "Lifecycle").
func New(name string, interval time.Duration, fetcher source.Fetcher, notifiers []notify.Notifier, logger *slog.Logger) *Task {
	return &Task{
		name:      name,
		interval:  interval,
		fetcher:   fetcher,
		notifiers: notifiers,
		logger:    logger,
		last:      status.Empty(),
	}
}

// Run drives the tick loop until ctx is done. time.Ticker's single-slot
// buffered channel gives the missed-tick policy spec.md §4.1 calls
// "Delay" for free: if tick() is still running when the next tick is
// due, the ticker drops it rather than queuing a backlog.
//
// A fetch/send error never stops the loop; a kind-mismatch invariant
// violation does, returning it to the caller (spec.md §7: "fatal to
// the task; the supervisor logs and the process continues with other
// tasks").
func (t *Task) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := t.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (t *Task) tick(ctx context.Context) error {
	newStatus, err := t.fetcher.FetchStatus(ctx)
	if err != nil {
		t.logger.Warn("fetch_status failed, skipping tick", "subscription", t.name, "error", err)
		return nil
	}
	newStatus.Posts.SortNewestFirst()

	notifications, err := status.GenerateNotifications(newStatus, t.last)
	if err != nil {
		if errors.Is(err, errs.ErrKindMismatch) {
			return err
		}
		t.logger.Error("generate_notifications failed", "subscription", t.name, "error", err)
		return nil
	}

	for _, n := range t.applyPostFilter(notifications) {
		dispatch(ctx, t.name, t.notifiers, t.logger, n)
	}

	if err := t.last.UpdateIncrementally(newStatus); err != nil {
		t.logger.Error("update_incrementally failed", "subscription", t.name, "error", err)
	}
	return nil
}

// applyPostFilter lets a fetcher that implements source.PostFilterer
// suppress or shrink a Posts notification it knows to be spurious
// (spec.md §4.1 step 5, §4.2 "post_filter"). A notification whose
// posts are filtered down to nothing is dropped entirely.
func (t *Task) applyPostFilter(in []status.Notification) []status.Notification {
	filterer, ok := t.fetcher.(source.PostFilterer)
	if !ok {
		return in
	}

	out := make([]status.Notification, 0, len(in))
	for _, n := range in {
		if n.Kind != status.NotificationPosts {
			out = append(out, n)
			continue
		}
		filtered := filterer.FilterPosts(n.Posts)
		if len(filtered) == 0 {
			continue
		}
		n.Posts = filtered
		out = append(out, n)
	}
	return out
}

// updateSource is the subset of bilibiliplayback.Source a Task needs;
// declared locally to avoid a dependency on that concrete package.
type updateSource interface {
	Next(ctx context.Context) (status.Notification, error)
	String() string
}

// UpdateTask drives an update-driven subscription (spec.md §4.1 "A
// separate update-driven subscription variant"): each value received
// from src is already a complete Notification and bypasses the diff
// engine entirely.
type UpdateTask struct {
	name      string
	source    updateSource
	notifiers []notify.Notifier
	logger    *slog.Logger
}

// NewUpdateDriven constructs an update-driven subscription task.
func NewUpdateDriven(name string, src updateSource, notifiers []notify.Notifier, logger *slog.Logger) *UpdateTask {
	return &UpdateTask{name: name, source: src, notifiers: notifiers, logger: logger}
}

// Run blocks, forwarding each received Update as one Notification,
// until src.Next returns an error (including ctx cancellation).
func (t *UpdateTask) Run(ctx context.Context) error {
	for {
		n, err := t.source.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Warn("update source stopped", "subscription", t.name, "error", err)
			return err
		}
		dispatch(ctx, t.name, t.notifiers, t.logger, n)
	}
}
