// Package bilibilispace polls a user's bilibili space (profile) post
// timeline, grounded on
// original_source/src/platform/space_bilibili_com.rs. Unlike the
// original, this fetcher also turns forwarded ("repost") cards into
// status.Post.RepostFrom rather than discarding them. It also
// implements source.PostFilterer, tracking a blocked-id set (fans-only
// posts) and a fetched-id cache (API oscillation) alongside the
// subscription task's own diff against the last snapshot.
package bilibilispace

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/SpriteOvO/closely-go/internal/errs"
	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/status"
)

const apiPath = "/dynamic_svr/v1/dynamic_svr/space_history"

// Card kinds from the dynamic_svr response, per original_source.
const (
	cardForwardPost = 1
	cardPostText    = 2
	cardPublishVideo = 8
	// cardBlocked is the card kind the API returns for a fans-only post
	// hidden from this caller: no content, just a sentinel saying the
	// post is restricted (original_source's ModuleDynamicMajor::Blocked).
	cardBlocked = 10000
)

// codeAuthExpired is the API's "guest cookie expired" response code
// (spec.md "Guest-cookie bootstrap"). The original implementation mints
// a fresh guest cookie via a headless browser; since this isn't
// reasonable to carry as a Go dependency, the operator supplies a
// standing guest cookie in config. On this code fetchHistory drops the
// cached cookie and retries once without it; if that also fails, the
// tick fails with errs.ErrAuthExpired.
const codeAuthExpired = -352

type apiResponse struct {
	Code int      `json:"code"`
	Data apiSpace `json:"data"`
}

type apiSpace struct {
	HasMore int       `json:"has_more"`
	Cards   []apiCard `json:"cards"`
}

type apiCard struct {
	Desc apiCardDesc `json:"desc"`
	Card string      `json:"card"`
}

type apiCardDesc struct {
	Kind         int    `json:"type"`
	DynamicIDStr string `json:"dynamic_id_str"`
	Timestamp    int64  `json:"timestamp"`
	UserProfile  struct {
		Info struct {
			Uname string `json:"uname"`
		} `json:"info"`
	} `json:"user_profile"`
}

type cardForwardPostPayload struct {
	Item struct {
		Content  string `json:"content"`
		OrigType int    `json:"orig_type"`
	} `json:"item"`
	Origin string `json:"origin"`
}

type cardPostTextPayload struct {
	Item struct {
		Description string `json:"description"`
		Pictures    []struct {
			ImgSrc string `json:"img_src"`
		} `json:"pictures"`
	} `json:"item"`
}

type cardPublishVideoPayload struct {
	Desc        string `json:"desc"`
	Pic         string `json:"pic"`
	Title       string `json:"title"`
	ShortLinkV2 string `json:"short_link_v2"`
}

// Fetcher polls one user's space post timeline by uid.
type Fetcher struct {
	baseURL string
	uid     uint64
	client  *http.Client

	mu          sync.Mutex
	guestCookie string

	// blocked records ids that have ever appeared as cardBlocked, so a
	// later oscillation back to a "normal" card kind for the same id is
	// still dropped (spec.md §4.2 "Fans-only filter", scenario S5).
	blocked map[string]bool
	// fetched records every id that has survived FilterPosts, so a page
	// that drops then re-adds an item doesn't look new a second time
	// (spec.md §4.2 "post_filter").
	fetched map[string]bool
}

// New builds a Fetcher. baseURL defaults to https://api.vc.bilibili.com
// when empty. guestCookie is sent as the Cookie header on every
// request; an empty value sends no cookie at all.
func New(baseURL string, uid uint64, guestCookie string) *Fetcher {
	if baseURL == "" {
		baseURL = "https://api.vc.bilibili.com"
	}
	return &Fetcher{
		baseURL:     baseURL,
		uid:         uid,
		client:      httpkit.NewClient(),
		guestCookie: guestCookie,
		blocked:     make(map[string]bool),
		fetched:     make(map[string]bool),
	}
}

func (f *Fetcher) String() string {
	return fmt.Sprintf("bilibili.space(%d)", f.uid)
}

// FetchStatus implements source.Fetcher.
func (f *Fetcher) FetchStatus(ctx context.Context) (status.Status, error) {
	posts, err := f.fetchHistory(ctx, true)
	if err != nil {
		return status.Empty(), err
	}
	return status.Status{
		Kind:   status.KindPosts,
		Source: status.Source{PlatformName: "bilibili.space"},
		Posts:  posts,
	}, nil
}

// fetchHistory issues the request, retrying once after invalidating the
// cached guest cookie if the API reports auth expiry (spec.md
// "Guest-cookie bootstrap"). The retry only happens when allowRetry is
// true, so a second failure is reported rather than looping.
func (f *Fetcher) fetchHistory(ctx context.Context, allowRetry bool) (status.Posts, error) {
	f.mu.Lock()
	cookie := f.guestCookie
	f.mu.Unlock()

	reqURL := fmt.Sprintf("%s%s?host_uid=%d", f.baseURL, apiPath, f.uid)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bilibili.space: build request: %w", err)
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bilibili.space: send request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bilibili.space: unexpected status %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("bilibili.space: decode response: %w", err)
	}
	if parsed.Code == codeAuthExpired {
		f.mu.Lock()
		f.guestCookie = ""
		f.mu.Unlock()
		if allowRetry {
			return f.fetchHistory(ctx, false)
		}
		return nil, fmt.Errorf("bilibili.space: already retried once: %w", errs.ErrAuthExpired)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("bilibili.space: response code %d", parsed.Code)
	}

	var posts status.Posts
	for _, card := range parsed.Data.Cards {
		id := card.Desc.DynamicIDStr

		f.mu.Lock()
		if card.Desc.Kind == cardBlocked {
			f.blocked[id] = true
		}
		skip := f.blocked[id]
		f.mu.Unlock()
		if skip {
			continue
		}

		post, ok := parseCard(card)
		if !ok {
			continue
		}
		posts = append(posts, post)
	}
	return posts, nil
}

// FilterPosts implements source.PostFilterer (spec.md §4.2
// "post_filter"): a post whose id has already survived a previous
// tick's filter is dropped, mitigating the API's observed oscillation
// of dropping then re-adding an item across pages. Every post that
// survives is recorded, so the subscription task's own last-seen diff
// is backed by a cache that never forgets, not just last tick's set.
func (f *Fetcher) FilterPosts(posts status.Posts) status.Posts {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make(status.Posts, 0, len(posts))
	for _, p := range posts {
		id := p.UniqueID()
		if f.fetched[id] {
			continue
		}
		f.fetched[id] = true
		out = append(out, p)
	}
	return out
}

// parseCard decodes one dynamic_svr card into a Post. Unknown or
// malformed cards are skipped rather than failing the whole fetch.
func parseCard(card apiCard) (status.Post, bool) {
	cardTime := time.Unix(card.Desc.Timestamp, 0).UTC()
	postURL := fmt.Sprintf("https://t.bilibili.com/%s", card.Desc.DynamicIDStr)

	switch card.Desc.Kind {
	case cardPostText:
		var payload cardPostTextPayload
		if err := json.Unmarshal([]byte(card.Card), &payload); err != nil {
			return status.Post{}, false
		}
		var attachments []status.Attachment
		for _, pic := range payload.Item.Pictures {
			attachments = append(attachments, status.Attachment{Kind: status.AttachmentImage, URL: pic.ImgSrc})
		}
		return status.Post{
			Content:     []status.ContentPart{{Kind: status.ContentText, Text: payload.Item.Description}},
			URLs:        []status.PostURL{{Clickable: true, URL: postURL}},
			Time:        cardTime,
			Attachments: attachments,
		}, true

	case cardPublishVideo:
		var payload cardPublishVideoPayload
		if err := json.Unmarshal([]byte(card.Card), &payload); err != nil {
			return status.Post{}, false
		}
		return status.Post{
			Content: []status.ContentPart{{Kind: status.ContentText, Text: fmt.Sprintf("投稿了视频 %s", payload.Title)}},
			URLs:    []status.PostURL{{Clickable: true, URL: payload.ShortLinkV2}},
			Time:    cardTime,
			Attachments: []status.Attachment{
				{Kind: status.AttachmentImage, URL: payload.Pic},
			},
		}, true

	case cardForwardPost:
		var payload cardForwardPostPayload
		if err := json.Unmarshal([]byte(card.Card), &payload); err != nil {
			return status.Post{}, false
		}
		var origin apiCard
		if err := json.Unmarshal([]byte(payload.Origin), &origin); err != nil {
			// Origin card missing or unparseable: still report the
			// repost's own comment, with no inner post.
			return status.Post{
				Content: []status.ContentPart{{Kind: status.ContentText, Text: payload.Item.Content}},
				URLs:    []status.PostURL{{Clickable: true, URL: postURL}},
				Time:    cardTime,
			}, true
		}
		inner, ok := parseCard(origin)
		var repostFrom *status.Post
		if ok {
			repostFrom = &inner
		}
		return status.Post{
			Content:    []status.ContentPart{{Kind: status.ContentText, Text: payload.Item.Content}},
			URLs:       []status.PostURL{{Clickable: true, URL: postURL}},
			Time:       cardTime,
			RepostFrom: repostFrom,
		}, true

	default:
		return status.Post{}, false
	}
}
