// Package supervisor wires a loaded config.Config into running
// subscription tasks (spec.md §4.7): it builds one fetcher and one
// notifier set per subscription, fans each out into its own goroutine,
// and keeps the remaining tasks running when one of them fails.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/SpriteOvO/closely-go/internal/config"
	"github.com/SpriteOvO/closely-go/internal/notify"
	"github.com/SpriteOvO/closely-go/internal/notify/qq"
	"github.com/SpriteOvO/closely-go/internal/notify/telegram"
	"github.com/SpriteOvO/closely-go/internal/notifyref"
	"github.com/SpriteOvO/closely-go/internal/reporter"
	"github.com/SpriteOvO/closely-go/internal/source"
	"github.com/SpriteOvO/closely-go/internal/source/bilibililive"
	"github.com/SpriteOvO/closely-go/internal/source/bilibiliplayback"
	"github.com/SpriteOvO/closely-go/internal/source/bilibilispace"
	"github.com/SpriteOvO/closely-go/internal/source/bilibilivideo"
	"github.com/SpriteOvO/closely-go/internal/source/twitter"
	"github.com/SpriteOvO/closely-go/internal/subscription"
	"github.com/SpriteOvO/closely-go/internal/webhook"
)

// runnable is the common shape of subscription.Task and
// subscription.UpdateTask; the supervisor only needs to start and name
// each task, not drive its internals.
type runnable interface {
	Run(ctx context.Context) error
}

type namedRunnable struct {
	name string
	task runnable
}

// Supervisor owns every running subscription task plus the shared
// webhook listener and reporter, built once from a loaded config.
type Supervisor struct {
	cfg    *config.Config
	logger *slog.Logger

	webhookRegistry *webhook.Registry

	mu             sync.Mutex
	sharedNotifier map[string]notify.Notifier

	tasks []namedRunnable
}

// New builds a Supervisor from cfg, constructing every fetcher,
// notifier, and (lazily) the shared webhook listener that the
// configured subscriptions need. It does not start anything yet.
func New(cfg *config.Config, logger *slog.Logger) (*Supervisor, error) {
	s := &Supervisor{
		cfg:            cfg,
		logger:         logger,
		sharedNotifier: make(map[string]notify.Notifier),
	}

	if needsWebhook(cfg) {
		s.webhookRegistry = webhook.New(
			cfg.Platform.Webhook.ListenAddress,
			cfg.Platform.Webhook.WorkingDirectory,
			logger,
		)
	}

	for group, subs := range cfg.Subscribes {
		for _, sub := range subs {
			task, err := s.buildTask(group, sub)
			if err != nil {
				logger.Error("supervisor: failed to build subscription, skipping it",
					"group", group, "subscription", sub.Name, "error", err)
				continue
			}
			s.tasks = append(s.tasks, task)
		}
	}

	return s, nil
}

// needsWebhook reports whether any configured subscription requires
// the shared recording-webhook listener (spec.md §4.7: "wired only
// when at least one bilibili.playback subscription exists").
func needsWebhook(cfg *config.Config) bool {
	for _, subs := range cfg.Subscribes {
		for _, sub := range subs {
			if sub.Source.Kind == source.KindBilibiliPlayback {
				return true
			}
		}
	}
	return false
}

func (s *Supervisor) buildTask(group string, sub config.Subscription) (namedRunnable, error) {
	name := group + "/" + sub.Name

	notifiers := make([]notify.Notifier, 0, len(sub.Notify))
	for _, ref := range sub.Notify {
		n, err := s.notifierFor(ref)
		if err != nil {
			return namedRunnable{}, err
		}
		notifiers = append(notifiers, n)
	}

	if sub.Source.Kind == source.KindBilibiliPlayback {
		roomID, err := strconv.ParseUint(sub.Source.ID, 10, 64)
		if err != nil {
			return namedRunnable{}, fmt.Errorf("bilibili.playback: invalid room id %q: %w", sub.Source.ID, err)
		}
		src, err := bilibiliplayback.New(s.webhookRegistry, roomID)
		if err != nil {
			return namedRunnable{}, err
		}
		return namedRunnable{name: name, task: subscription.NewUpdateDriven(name, src, notifiers, s.logger)}, nil
	}

	fetcher, err := s.buildFetcher(sub.Source)
	if err != nil {
		return namedRunnable{}, err
	}

	interval := s.cfg.Interval.Duration
	if sub.Interval != nil {
		interval = sub.Interval.Duration
	}

	return namedRunnable{name: name, task: subscription.New(name, interval, fetcher, notifiers, s.logger)}, nil
}

func (s *Supervisor) buildFetcher(src config.SourceConfig) (source.Fetcher, error) {
	bili := s.cfg.Platform.Bilibili

	switch src.Kind {
	case source.KindBilibiliLive:
		uid, err := strconv.ParseUint(src.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bilibili.live: invalid id %q: %w", src.ID, err)
		}
		return bilibililive.New(bili.APIBaseURL, uid), nil

	case source.KindBilibiliSpace:
		uid, err := strconv.ParseUint(src.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bilibili.space: invalid id %q: %w", src.ID, err)
		}
		return bilibilispace.New(bili.APIBaseURL, uid, bili.GuestCookie), nil

	case source.KindBilibiliVideo:
		userID, seriesID, err := parseVideoID(src.ID)
		if err != nil {
			return nil, fmt.Errorf("bilibili.video: %w", err)
		}
		return bilibilivideo.New(bili.APIBaseURL, userID, seriesID), nil

	case source.KindTwitter:
		return twitter.New(s.cfg.Platform.Twitter.MirrorHost, src.ID), nil

	default:
		return nil, &source.ErrUnknownKind{Kind: src.Kind}
	}
}

// parseVideoID splits a bilibili.video source id of the form
// "<user id>/<series id>" (config.go's SourceConfig.ID doc comment).
func parseVideoID(id string) (userID, seriesID uint64, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid id %q, want \"<user id>/<series id>\"", id)
	}
	userID, err = strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid user id %q: %w", parts[0], err)
	}
	seriesID, err = strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid series id %q: %w", parts[1], err)
	}
	return userID, seriesID, nil
}

// notifierFor resolves one notify reference to a Notifier, merging any
// sparse overrides (spec.md Design Note §9) onto the base destination
// config. Unoverridden references share one Notifier instance per
// destination name; an override always builds a private instance,
// since toggles and any current-live state it owns are per-destination
// (spec.md §5 "Shared resources").
func (s *Supervisor) notifierFor(ref config.NotifyRefSpec) (notify.Notifier, error) {
	base := s.cfg.Notify[ref.To]

	if len(ref.Overrides) == 0 {
		s.mu.Lock()
		defer s.mu.Unlock()
		if n, ok := s.sharedNotifier[ref.To]; ok {
			return n, nil
		}
		n, err := buildNotifier(base, s.logger)
		if err != nil {
			return nil, fmt.Errorf("notify %q: %w", ref.To, err)
		}
		s.sharedNotifier[ref.To] = n
		return n, nil
	}

	merged, err := notifyref.Merge(base, ref.Overrides)
	if err != nil {
		return nil, fmt.Errorf("notify %q: merge overrides: %w", ref.To, err)
	}
	n, err := buildNotifier(merged, s.logger)
	if err != nil {
		return nil, fmt.Errorf("notify %q: %w", ref.To, err)
	}
	return n, nil
}

func buildNotifier(cfg config.NotifierConfig, logger *slog.Logger) (notify.Notifier, error) {
	switch cfg.Kind {
	case "telegram":
		return telegram.New(cfg.Telegram, cfg.Toggles, logger)
	case "qq":
		return qq.New(cfg.QQ, cfg.Toggles, logger), nil
	default:
		return nil, fmt.Errorf("unknown notifier kind %q", cfg.Kind)
	}
}

// buildLogForwardNotifiers resolves the reporter's log_forward names
// to already-built shared notifiers (spec.md §4.6). A name not backed
// by any subscription's notify references is still resolved on demand
// via notifierFor, so log forwarding works even for an otherwise-idle
// destination.
func (s *Supervisor) buildLogForwardNotifiers(names []string) ([]notify.Notifier, error) {
	notifiers := make([]notify.Notifier, 0, len(names))
	for _, name := range names {
		n, err := s.notifierFor(config.NotifyRefSpec{To: name})
		if err != nil {
			return nil, fmt.Errorf("log_forward %q: %w", name, err)
		}
		notifiers = append(notifiers, n)
	}
	return notifiers, nil
}

// Run starts the webhook listener (if wired), the reporter, and every
// subscription task, and blocks until ctx is cancelled or every task
// has exited. A single task's fetch/send error never terminates the
// task (subscription.Task/UpdateTask already loop through those); a
// task returning an invariant-violation error (kind mismatch) ends only
// that task, logged here, while the rest keep running; a duplicate room
// id is caught earlier, in New, which logs and skips that subscription.
// A panic anywhere is never recovered: it crosses the
// goroutine boundary and takes the whole process down (spec.md §4.7
// "propagates panics as process exit").
func (s *Supervisor) Run(ctx context.Context) error {
	if s.webhookRegistry != nil {
		if err := s.webhookRegistry.Listen(); err != nil {
			return fmt.Errorf("supervisor: start webhook listener: %w", err)
		}
		defer s.webhookRegistry.Shutdown(context.Background())
	}

	var wg sync.WaitGroup

	if s.cfg.Reporter != nil {
		logForward, err := s.buildLogForwardNotifiers(s.cfg.Reporter.LogForward)
		if err != nil {
			return fmt.Errorf("supervisor: %w", err)
		}
		hb := reporter.New(s.cfg.Reporter.HeartbeatURL, s.cfg.Reporter.Interval.Duration, s.logger)
		s.wireLogForwarder(logForward)
		s.runSupervised(ctx, &wg, "reporter.heartbeat", hb)
	}

	for _, t := range s.tasks {
		s.runSupervised(ctx, &wg, t.name, t.task)
	}

	wg.Wait()
	return ctx.Err()
}

// wireLogForwarder installs a reporter.LogForwarder in front of the
// supervisor's logger handler so that level >= warn records reach
// notifiers, then swaps s.logger for the wrapped one so every task
// started afterward logs through it too.
func (s *Supervisor) wireLogForwarder(notifiers []notify.Notifier) {
	if len(notifiers) == 0 {
		return
	}
	wrapped := reporter.NewLogForwarder(s.logger.Handler(), notifiers, s.logger)
	s.logger = slog.New(wrapped)
}

// runSupervised runs task in its own goroutine. Its return error, if any
// and not just ctx cancellation, is an invariant violation that is fatal
// to this one task; it is logged and the goroutine exits, leaving the
// rest of the supervisor's tasks running. A panic is deliberately left
// unrecovered, so it propagates past this goroutine and crashes the
// process.
func (s *Supervisor) runSupervised(ctx context.Context, wg *sync.WaitGroup, name string, task runnable) {
	wg.Add(1)
	go func() {
		defer wg.Done()

		if err := task.Run(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("subscription task exited", "task", name, "error", err)
		}
	}()
}
