// Package reporter implements the liveness-heartbeat task and the
// log-forwarding sink (spec.md §4.6).
package reporter

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/notify"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// Heartbeat periodically GETs a configured URL, logging but never
// failing on a non-2xx response or transport error. With a zero-value
// URL, Run starts no ticker and just blocks until ctx is done (spec.md
// §4.6 "does not consume CPU").
type Heartbeat struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// New constructs a Heartbeat. An empty url disables the ping.
func New(url string, interval time.Duration, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{url: url, interval: interval, client: httpkit.NewClient(), logger: logger}
}

// Run drives the heartbeat loop until ctx is done.
func (h *Heartbeat) Run(ctx context.Context) error {
	if h.url == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			h.ping(ctx)
		}
	}
}

func (h *Heartbeat) ping(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		h.logger.Error("heartbeat: build request failed", "error", err)
		return
	}
	resp, err := h.client.Do(req)
	if err != nil {
		h.logger.Warn("heartbeat: request failed", "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 1024)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.logger.Warn("heartbeat: non-2xx response", "status", resp.Status)
	}
}

// LogForwarder is an slog.Handler wrapper that forwards records at
// level >= Warn to a fixed set of notifiers as Log notifications. A
// re-entrancy guard (spec.md §4.6) prevents a notifier's own failure
// logging from recursing back into the forwarder.
type LogForwarder struct {
	slog.Handler
	notifiers  []notify.Notifier
	logger     *slog.Logger
	inDispatch *atomic.Bool
}

// NewLogForwarder wraps base, forwarding Warn+ records to notifiers.
func NewLogForwarder(base slog.Handler, notifiers []notify.Notifier, logger *slog.Logger) *LogForwarder {
	return &LogForwarder{Handler: base, notifiers: notifiers, logger: logger, inDispatch: &atomic.Bool{}}
}

// Handle implements slog.Handler: it always delegates to the wrapped
// handler, then best-effort forwards qualifying records.
func (f *LogForwarder) Handle(ctx context.Context, record slog.Record) error {
	err := f.Handler.Handle(ctx, record)

	if record.Level >= slog.LevelWarn && len(f.notifiers) > 0 {
		f.forward(ctx, record)
	}

	return err
}

func (f *LogForwarder) forward(ctx context.Context, record slog.Record) {
	if !f.inDispatch.CompareAndSwap(false, true) {
		return
	}
	defer f.inDispatch.Store(false)

	n := status.Notification{
		Kind:       status.NotificationLog,
		LogMessage: formatRecord(record),
	}
	for _, notifier := range f.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			f.logger.Error("log forwarding failed", "notifier", notifier.String(), "error", err)
		}
	}
}

func formatRecord(r slog.Record) string {
	msg := "[" + r.Level.String() + "] " + r.Message
	r.Attrs(func(a slog.Attr) bool {
		msg += " " + a.Key + "=" + a.Value.String()
		return true
	})
	return msg
}

// WithAttrs/WithGroup satisfy slog.Handler by delegating to the
// wrapped handler and preserving the forwarding behavior.
func (f *LogForwarder) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogForwarder{Handler: f.Handler.WithAttrs(attrs), notifiers: f.notifiers, logger: f.logger, inDispatch: f.inDispatch}
}

func (f *LogForwarder) WithGroup(name string) slog.Handler {
	return &LogForwarder{Handler: f.Handler.WithGroup(name), notifiers: f.notifiers, logger: f.logger, inDispatch: f.inDispatch}
}
