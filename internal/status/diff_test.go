package status

import (
	"errors"
	"testing"
	"time"

	"github.com/SpriteOvO/closely-go/internal/errs"
)

func mkPost(url string, t time.Time) Post {
	return Post{
		URLs: []PostURL{{Clickable: true, URL: url}},
		Time: t,
	}
}

var t0 = time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)

// Property 1: bootstrap never notifies.
func TestGenerateNotifications_BootstrapIsSilent(t *testing.T) {
	new := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "hello"}}
	notes, err := GenerateNotifications(new, Empty())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("bootstrap produced %d notifications, want 0", len(notes))
	}
}

// Property 2: an empty new snapshot (transient fetch glitch) never
// notifies and never looks like a state change.
func TestGenerateNotifications_EmptyNewIsSilent(t *testing.T) {
	last := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "hello"}}
	notes, err := GenerateNotifications(Empty(), last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("empty new produced %d notifications, want 0", len(notes))
	}
}

// Property 3: a kind mismatch between two non-empty snapshots is an
// invariant violation, surfaced via errs.ErrKindMismatch.
func TestGenerateNotifications_KindMismatchIsError(t *testing.T) {
	last := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline}}
	new := Status{Kind: KindPosts, Posts: Posts{mkPost("https://x/1", t0)}}
	_, err := GenerateNotifications(new, last)
	if !errors.Is(err, errs.ErrKindMismatch) {
		t.Fatalf("err = %v, want errs.ErrKindMismatch", err)
	}
}

// Property 4: title changes and online/offline transitions are
// reported as distinct notifications, title first, within one tick
// (spec.md §4.3 "Live/Live").
func TestGenerateNotifications_TitleBeforeOnline(t *testing.T) {
	last := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOffline, Title: "old title"}}
	new := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "new title"}}

	notes, err := GenerateNotifications(new, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 2 {
		t.Fatalf("got %d notifications, want 2: %+v", len(notes), notes)
	}
	if notes[0].Kind != NotificationLiveTitle {
		t.Fatalf("notes[0].Kind = %v, want NotificationLiveTitle", notes[0].Kind)
	}
	if notes[0].PreviousTitle != "old title" {
		t.Fatalf("PreviousTitle = %q, want %q", notes[0].PreviousTitle, "old title")
	}
	if notes[1].Kind != NotificationLiveOnline {
		t.Fatalf("notes[1].Kind = %v, want NotificationLiveOnline", notes[1].Kind)
	}
}

// A title-only change with no state transition produces exactly one
// notification.
func TestGenerateNotifications_TitleOnlyChange(t *testing.T) {
	last := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "old"}}
	new := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "new"}}

	notes, err := GenerateNotifications(new, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != NotificationLiveTitle {
		t.Fatalf("got %+v, want single NotificationLiveTitle", notes)
	}
}

// No change at all produces no notifications.
func TestGenerateNotifications_NoChangeIsSilent(t *testing.T) {
	last := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "same"}}
	new := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline, Title: "same"}}

	notes, err := GenerateNotifications(new, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("got %d notifications, want 0", len(notes))
	}
}

// Property 5 / Scenario S2: Posts/Posts diffing is identity-keyed and
// additive — only posts absent from last are reported, in new's order.
func TestGenerateNotifications_PostsDiffIsIdentityKeyed(t *testing.T) {
	last := Status{Kind: KindPosts, Posts: Posts{
		mkPost("https://x/1", t0),
	}}
	new := Status{Kind: KindPosts, Posts: Posts{
		mkPost("https://x/2", t0.Add(time.Hour)),
		mkPost("https://x/1", t0),
	}}

	notes, err := GenerateNotifications(new, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("got %d notifications, want 1", len(notes))
	}
	if notes[0].Kind != NotificationPosts {
		t.Fatalf("Kind = %v, want NotificationPosts", notes[0].Kind)
	}
	if len(notes[0].Posts) != 1 || notes[0].Posts[0].UniqueID() != "https://x/2" {
		t.Fatalf("Posts = %+v, want exactly the new post", notes[0].Posts)
	}
}

// No new posts produces no notification at all (not an empty-Posts one).
func TestGenerateNotifications_NoNewPostsIsSilent(t *testing.T) {
	last := Status{Kind: KindPosts, Posts: Posts{mkPost("https://x/1", t0)}}
	new := Status{Kind: KindPosts, Posts: Posts{mkPost("https://x/1", t0)}}

	notes, err := GenerateNotifications(new, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("got %d notifications, want 0", len(notes))
	}
}

// Property 9: UpdateIncrementally is additive-only for posts — a
// shrunken new snapshot (e.g. the author deleted an old post, or the
// API page only returned a subset) never drops previously observed
// posts from the stored snapshot.
func TestUpdateIncrementally_PostsAreAdditiveOnly(t *testing.T) {
	s := Status{Kind: KindPosts, Posts: Posts{
		mkPost("https://x/1", t0),
		mkPost("https://x/2", t0.Add(time.Hour)),
	}}
	shrunk := Status{Kind: KindPosts, Source: Source{PlatformName: "twitter"}, Posts: Posts{
		mkPost("https://x/2", t0.Add(time.Hour)),
	}}

	if err := s.UpdateIncrementally(shrunk); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Posts) != 2 {
		t.Fatalf("Posts = %+v, want both originals retained", s.Posts)
	}
}

// UpdateIncrementally appends genuinely new posts without duplicating
// existing ones, and never overwrites state with an empty snapshot.
func TestUpdateIncrementally_AppendsNewAndIgnoresEmpty(t *testing.T) {
	s := Status{Kind: KindPosts, Posts: Posts{mkPost("https://x/1", t0)}}

	if err := s.UpdateIncrementally(Empty()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Posts) != 1 {
		t.Fatalf("empty update mutated state: %+v", s.Posts)
	}

	new := Status{Kind: KindPosts, Source: Source{PlatformName: "twitter"}, Posts: Posts{
		mkPost("https://x/1", t0),
		mkPost("https://x/2", t0.Add(time.Hour)),
	}}
	if err := s.UpdateIncrementally(new); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(s.Posts) != 2 {
		t.Fatalf("Posts = %+v, want one new post appended", s.Posts)
	}
}

// UpdateIncrementally rejects a kind mismatch against stored state.
func TestUpdateIncrementally_KindMismatchIsError(t *testing.T) {
	s := Status{Kind: KindLive, Live: LiveStatus{Kind: LiveOnline}}
	new := Status{Kind: KindPosts, Posts: Posts{mkPost("https://x/1", t0)}}

	err := s.UpdateIncrementally(new)
	if !errors.Is(err, errs.ErrKindMismatch) {
		t.Fatalf("err = %v, want errs.ErrKindMismatch", err)
	}
}

// Scenario S1: bootstrap then first real change — first tick stores
// silently, second tick (state actually changes) notifies exactly once.
func TestScenario_BootstrapThenFirstChange(t *testing.T) {
	var last Status
	tick1 := Status{Kind: KindLive, Source: Source{PlatformName: "bilibili"}, Live: LiveStatus{Kind: LiveOffline, Title: "t"}}

	notes, err := GenerateNotifications(tick1, last)
	if err != nil || len(notes) != 0 {
		t.Fatalf("bootstrap tick notified: %+v, err=%v", notes, err)
	}
	if err := last.UpdateIncrementally(tick1); err != nil {
		t.Fatalf("update error: %v", err)
	}

	tick2 := Status{Kind: KindLive, Source: Source{PlatformName: "bilibili"}, Live: LiveStatus{Kind: LiveOnline, Title: "t"}}
	notes, err = GenerateNotifications(tick2, last)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(notes) != 1 || notes[0].Kind != NotificationLiveOnline {
		t.Fatalf("got %+v, want single NotificationLiveOnline", notes)
	}
}

// SortNewestFirst orders by Time descending and is stable on ties.
func TestPosts_SortNewestFirst(t *testing.T) {
	p := Posts{
		mkPost("https://x/old", t0),
		mkPost("https://x/new", t0.Add(2 * time.Hour)),
		mkPost("https://x/mid", t0.Add(time.Hour)),
	}
	p.SortNewestFirst()

	want := []string{"https://x/new", "https://x/mid", "https://x/old"}
	for i, id := range want {
		if p[i].UniqueID() != id {
			t.Fatalf("p[%d] = %q, want %q", i, p[i].UniqueID(), id)
		}
	}
}
