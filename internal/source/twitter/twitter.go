// Package twitter scrapes a user's timeline from a Nitter-style HTML
// mirror, grounded on original_source/src/platform/twitter_com.rs —
// the Rust original parses the same mirror's markup with the `scraper`
// crate; here goquery (github.com/PuerkitoBio/goquery, backed by
// github.com/andybalholm/cascadia selectors) plays that role.
package twitter

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// tweetDateLayout matches the mirror's rendered tweet timestamp, e.g.
// "Jan 2, 2024 · 3:04 PM UTC".
const tweetDateLayout = "Jan 2, 2006 · 3:04 PM MST"

// Fetcher scrapes one user's timeline from a Nitter-style mirror.
type Fetcher struct {
	mirrorHost string
	username   string
	client     *http.Client
}

// New builds a Fetcher. mirrorHost defaults to https://nitter.net when
// empty, matching the Rust original's default (config's
// Design Note §9 allows overriding it per-platform).
func New(mirrorHost, username string) *Fetcher {
	if mirrorHost == "" {
		mirrorHost = "https://nitter.net"
	}
	return &Fetcher{
		mirrorHost: strings.TrimSuffix(mirrorHost, "/"),
		username:   username,
		client:     httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
	}
}

func (f *Fetcher) String() string {
	return fmt.Sprintf("twitter(%s)", f.username)
}

// FetchStatus implements source.Fetcher.
func (f *Fetcher) FetchStatus(ctx context.Context) (status.Status, error) {
	posts, fullname, err := f.fetchTimeline(ctx)
	if err != nil {
		return status.Empty(), err
	}

	return status.Status{
		Kind: status.KindPosts,
		Source: status.Source{
			PlatformName: "twitter",
			User: &status.UserRef{
				Name:       fullname,
				ProfileURL: fmt.Sprintf("https://twitter.com/%s", f.username),
			},
		},
		Posts: posts,
	}, nil
}

// FilterPosts implements source.PostFilterer: retweets (reposts with
// no caption of their own) are excluded from notification, matching
// this platform's noisier timeline compared to bilibili's.
func (f *Fetcher) FilterPosts(posts status.Posts) status.Posts {
	var out status.Posts
	for _, p := range posts {
		if p.RepostFrom != nil && len(p.Content) == 0 {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (f *Fetcher) fetchTimeline(ctx context.Context) (status.Posts, string, error) {
	reqURL := fmt.Sprintf("%s/%s", f.mirrorHost, f.username)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("twitter: build request: %w", err)
	}
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("twitter: send request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("twitter: unexpected status %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("twitter: parse html: %w", err)
	}

	fullname, ok := doc.Find(".profile-card-fullname").First().Attr("title")
	if !ok {
		return nil, "", fmt.Errorf("twitter: profile-card-fullname not found")
	}

	var posts status.Posts
	var parseErr error
	doc.Find(".timeline-item").EachWithBreak(func(_ int, item *goquery.Selection) bool {
		post, err := parseTimelineItem(item)
		if err != nil {
			parseErr = err
			return false
		}
		posts = append(posts, post)
		return true
	})
	if parseErr != nil {
		return nil, "", parseErr
	}

	// Pinned tweet always renders first; re-sort by date so diffing
	// sees chronological order (spec.md §4.1 step 3).
	posts.SortNewestFirst()

	return posts, fullname, nil
}

func parseTimelineItem(item *goquery.Selection) (status.Post, error) {
	link, ok := item.Find(".tweet-link").First().Attr("href")
	if !ok {
		return status.Post{}, fmt.Errorf("twitter: tweet-link not found")
	}
	link = strings.TrimSuffix(link, "#m")

	body := item.Find(".tweet-body").First()
	if body.Length() == 0 {
		return status.Post{}, fmt.Errorf("twitter: tweet-body not found for %q", link)
	}

	isPinned := body.Find(".pinned").Length() > 0
	isRetweet := body.Find(".retweet-header").Length() > 0

	dateAttr, ok := body.Find(".tweet-date > a").First().Attr("title")
	if !ok {
		return status.Post{}, fmt.Errorf("twitter: tweet-date not found for %q", link)
	}
	tweetTime, err := time.Parse(tweetDateLayout, dateAttr)
	if err != nil {
		return status.Post{}, fmt.Errorf("twitter: parse tweet date %q: %w", dateAttr, err)
	}

	content := strings.TrimSpace(body.Find(".tweet-content").First().Text())

	var attachments []status.Attachment
	body.Find(".attachment.image > .still-image").Each(func(_ int, img *goquery.Selection) {
		if href, ok := img.Attr("href"); ok {
			attachments = append(attachments, status.Attachment{
				Kind: status.AttachmentImage,
				URL:  resolveMirrorURL(href),
			})
		}
	})
	body.Find(".attachment.video-container > img").Each(func(_ int, img *goquery.Selection) {
		if src, ok := img.Attr("src"); ok {
			// No way to obtain the video's own URL from the mirror; the
			// preview frame is reported as an image attachment instead.
			attachments = append(attachments, status.Attachment{
				Kind: status.AttachmentImage,
				URL:  resolveMirrorURL(src),
			})
		}
	})

	var post status.Post
	if content != "" {
		post.Content = []status.ContentPart{{Kind: status.ContentText, Text: content}}
	}
	post.URLs = []status.PostURL{{Clickable: true, URL: fmt.Sprintf("https://twitter.com%s", link)}}
	post.Time = tweetTime
	post.IsPinned = isPinned
	post.Attachments = attachments
	if isRetweet {
		post.RepostFrom = &status.Post{}
	}

	return post, nil
}

// resolveMirrorURL expands a mirror-relative media path into an
// absolute nitter.net URL; the original app always resolves attachment
// URLs against nitter.net regardless of which mirror host served the
// page, since media isn't re-hosted per mirror.
func resolveMirrorURL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return "https://nitter.net" + path
}
