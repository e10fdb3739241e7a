package twitter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

const fixtureHTML = `
<html><body>
<div class="profile-card-fullname" title="NASA"></div>
<div class="timeline-item">
  <a class="tweet-link" href="/nasa/status/1#m"></a>
  <div class="tweet-body">
    <div class="tweet-date"><a title="Jan 2, 2024 · 3:04 PM UTC"></a></div>
    <div class="tweet-content">Hello from orbit</div>
    <div class="attachment image"><a class="still-image" href="/pic/a.jpg"></a></div>
  </div>
</div>
<div class="timeline-item">
  <a class="tweet-link" href="/nasa/status/2#m"></a>
  <div class="tweet-body">
    <div class="retweet-header"></div>
    <div class="tweet-date"><a title="Jan 1, 2024 · 1:00 PM UTC"></a></div>
    <div class="tweet-content"></div>
  </div>
</div>
</body></html>`

func TestFetchStatus_ParsesTimeline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureHTML))
	}))
	defer srv.Close()

	f := New(srv.URL, "nasa")
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}
	if got.Source.User == nil || got.Source.User.Name != "NASA" {
		t.Fatalf("Source.User = %+v, want Name=NASA", got.Source.User)
	}
	if len(got.Posts) != 2 {
		t.Fatalf("got %d posts, want 2", len(got.Posts))
	}
	if got.Posts[0].UniqueID() != "https://twitter.com/nasa/status/1" {
		t.Fatalf("Posts[0].UniqueID() = %q", got.Posts[0].UniqueID())
	}
	if len(got.Posts[0].Attachments) != 1 {
		t.Fatalf("Posts[0].Attachments = %+v, want 1", got.Posts[0].Attachments)
	}
}

func TestFilterPosts_DropsEmptyRetweets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(fixtureHTML))
	}))
	defer srv.Close()

	f := New(srv.URL, "nasa")
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}

	filtered := f.FilterPosts(got.Posts)
	if len(filtered) != 1 {
		t.Fatalf("got %d posts after filtering, want 1 (retweet dropped)", len(filtered))
	}
}
