package subscription

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/SpriteOvO/closely-go/internal/errs"
	"github.com/SpriteOvO/closely-go/internal/notify"
	"github.com/SpriteOvO/closely-go/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	mu       sync.Mutex
	statuses []status.Status
	index    int
	err      error
}

func (f *fakeFetcher) FetchStatus(ctx context.Context) (status.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return status.Status{}, f.err
	}
	if f.index >= len(f.statuses) {
		return f.statuses[len(f.statuses)-1], nil
	}
	s := f.statuses[f.index]
	f.index++
	return s, nil
}

func (f *fakeFetcher) String() string { return "fake" }

type filteringFetcher struct {
	fakeFetcher
	drop map[string]bool
}

func (f *filteringFetcher) FilterPosts(posts status.Posts) status.Posts {
	var out status.Posts
	for _, p := range posts {
		if !f.drop[p.UniqueID()] {
			out = append(out, p)
		}
	}
	return out
}

type spyNotifier struct {
	mu            sync.Mutex
	notifications []status.Notification
	failNext      bool
}

func (s *spyNotifier) Notify(ctx context.Context, n status.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext {
		s.failNext = false
		return errors.New("boom")
	}
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *spyNotifier) String() string { return "spy" }

func (s *spyNotifier) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.notifications)
}

func mkLiveStatus(title string, kind status.LiveKind) status.Status {
	return status.Status{
		Kind:   status.KindLive,
		Source: status.Source{PlatformName: "bilibili.live"},
		Live:   status.LiveStatus{Title: title, Kind: kind},
	}
}

func TestTask_BootstrapTickEmitsNothing(t *testing.T) {
	fetcher := &fakeFetcher{statuses: []status.Status{mkLiveStatus("hello", status.LiveOnline)}}
	spy := &spyNotifier{}
	task := New("sub", time.Hour, fetcher, []notify.Notifier{spy}, testLogger())

	task.tick(context.Background())

	if spy.count() != 0 {
		t.Fatalf("got %d notifications on bootstrap tick, want 0", spy.count())
	}
}

func TestTask_TitleAndStateChangeDispatchesBothInOrder(t *testing.T) {
	fetcher := &fakeFetcher{statuses: []status.Status{
		mkLiveStatus("A", status.LiveOnline),
		mkLiveStatus("B", status.LiveOffline),
	}}
	spy := &spyNotifier{}
	task := New("sub", time.Hour, fetcher, []notify.Notifier{spy}, testLogger())

	task.tick(context.Background()) // bootstrap
	task.tick(context.Background()) // title + state change

	if spy.count() != 2 {
		t.Fatalf("got %d notifications, want 2", spy.count())
	}
	if spy.notifications[0].Kind != status.NotificationLiveTitle {
		t.Fatalf("first notification kind = %v, want LiveTitle", spy.notifications[0].Kind)
	}
	if spy.notifications[1].Kind != status.NotificationLiveOnline {
		t.Fatalf("second notification kind = %v, want LiveOnline", spy.notifications[1].Kind)
	}
}

func TestTask_FetchErrorSkipsTickWithoutMutatingState(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("network down")}
	spy := &spyNotifier{}
	task := New("sub", time.Hour, fetcher, []notify.Notifier{spy}, testLogger())

	task.tick(context.Background())

	if !task.last.IsEmpty() {
		t.Fatalf("last status mutated despite fetch error")
	}
	if spy.count() != 0 {
		t.Fatalf("got %d notifications after fetch error, want 0", spy.count())
	}
}

func TestTask_NotifierFailureDoesNotAbortRemainingNotifiers(t *testing.T) {
	fetcher := &fakeFetcher{statuses: []status.Status{
		mkLiveStatus("A", status.LiveOnline),
		mkLiveStatus("B", status.LiveOnline),
	}}
	failing := &spyNotifier{failNext: true}
	ok := &spyNotifier{}
	task := New("sub", time.Hour, fetcher, []notify.Notifier{failing, ok}, testLogger())

	task.tick(context.Background()) // bootstrap
	task.tick(context.Background()) // title change; failing notifier errors, ok still gets it

	if ok.count() != 1 {
		t.Fatalf("ok notifier got %d notifications, want 1", ok.count())
	}
}

func TestTask_PostFilterDropsNotificationWhenEmptied(t *testing.T) {
	mkPosts := func(urls ...string) status.Status {
		var posts status.Posts
		for _, u := range urls {
			posts = append(posts, status.Post{URLs: []status.PostURL{{Clickable: true, URL: u}}})
		}
		return status.Status{Kind: status.KindPosts, Source: status.Source{PlatformName: "bilibili.space"}, Posts: posts}
	}

	fetcher := &filteringFetcher{
		fakeFetcher: fakeFetcher{statuses: []status.Status{
			mkPosts(),
			mkPosts("https://x/1"),
		}},
		drop: map[string]bool{"https://x/1": true},
	}
	spy := &spyNotifier{}
	task := New("sub", time.Hour, fetcher, []notify.Notifier{spy}, testLogger())

	task.tick(context.Background()) // bootstrap
	task.tick(context.Background()) // post filtered out entirely

	if spy.count() != 0 {
		t.Fatalf("got %d notifications, want 0 (post_filter dropped the only post)", spy.count())
	}
}

func TestTask_KindMismatchStopsRunWithErrKindMismatch(t *testing.T) {
	mkPostsStatus := func() status.Status {
		return status.Status{Kind: status.KindPosts, Source: status.Source{PlatformName: "bilibili.space"}}
	}
	fetcher := &fakeFetcher{statuses: []status.Status{
		mkLiveStatus("A", status.LiveOnline),
		mkPostsStatus(),
	}}
	spy := &spyNotifier{}
	task := New("sub", time.Millisecond, fetcher, []notify.Notifier{spy}, testLogger())

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()

	select {
	case err := <-done:
		if !errors.Is(err, errs.ErrKindMismatch) {
			t.Fatalf("Run() error = %v, want errs.ErrKindMismatch", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Run() to stop on kind mismatch")
	}
}

type channelSource struct {
	ch chan status.Notification
}

func (c *channelSource) Next(ctx context.Context) (status.Notification, error) {
	select {
	case n := <-c.ch:
		return n, nil
	case <-ctx.Done():
		return status.Notification{}, ctx.Err()
	}
}

func (c *channelSource) String() string { return "channel-source" }

func TestUpdateTask_ForwardsUntilContextCancelled(t *testing.T) {
	ch := make(chan status.Notification, 1)
	ch <- status.Notification{Kind: status.NotificationPlayback}
	src := &channelSource{ch: ch}
	spy := &spyNotifier{}
	task := NewUpdateDriven("playback-sub", src, []notify.Notifier{spy}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- task.Run(ctx) }()

	deadline := time.After(time.Second)
	for spy.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for forwarded notification")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-done
}
