// Package bilibililive polls a bilibili live room's status via the
// get_status_info_by_uids API (spec.md §4.2 "bilibili.live"), grounded
// on original_source/src/platform/live_bilibili_com.rs.
package bilibililive

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// apiPath is relative to the configured API base URL, so the bilibili
// platform block's api_base_url override (spec.md Design Note, §9)
// applies uniformly across all bilibili fetchers.
const apiPath = "/room/v1/Room/get_status_info_by_uids"

// liveStatusCode mirrors the upstream live_status integer: 0 offline,
// 1 online, 2 "round" (replay loop, treated as offline).
const (
	liveStatusOffline = 0
	liveStatusOnline  = 1
	liveStatusRound   = 2
)

// coverPlaceholderURL is bilibili's well-known default face image,
// substituted when the API reports no cover at all (spec.md §4.2
// "bilibili.live specifics": "A missing cover falls back to a fixed
// placeholder URL").
const coverPlaceholderURL = "https://i0.hdslb.com/bfs/face/member/noface.jpg"

type apiResponse struct {
	Code int                         `json:"code"`
	Data map[string]apiResponseRoom `json:"data"`
}

type apiResponseRoom struct {
	Title          string `json:"title"`
	RoomID         uint64 `json:"room_id"`
	LiveStatus     int    `json:"live_status"`
	Uname          string `json:"uname"`
	CoverFromUser  string `json:"cover_from_user"`
	LiveTime       int64  `json:"live_time"` // unix seconds; <= 0 when offline
}

// Fetcher polls one live room by uid.
type Fetcher struct {
	baseURL string
	uid     uint64
	client  *http.Client

	mu       sync.Mutex
	lastGood *apiResponseRoom
}

// New builds a Fetcher. baseURL defaults to https://api.live.bilibili.com
// when empty.
func New(baseURL string, uid uint64) *Fetcher {
	if baseURL == "" {
		baseURL = "https://api.live.bilibili.com"
	}
	return &Fetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		uid:     uid,
		client:  httpkit.NewClient(),
	}
}

func (f *Fetcher) String() string {
	return fmt.Sprintf("bilibili.live(%d)", f.uid)
}

// FetchStatus implements source.Fetcher. When the room is banned (the
// API returns no room entry at all) it reports status.LiveBanned
// carrying the last non-banned snapshot's title/cover/room-id rather
// than erroring (spec.md §4.2 "bilibili.live specifics"). A ban
// observed before any snapshot has ever been retained has nothing to
// carry and is reported as an error instead.
func (f *Fetcher) FetchStatus(ctx context.Context) (status.Status, error) {
	room, banned, err := f.fetchRoom(ctx)
	if err != nil {
		return status.Empty(), err
	}

	if banned {
		f.mu.Lock()
		last := f.lastGood
		f.mu.Unlock()
		if last == nil {
			return status.Empty(), fmt.Errorf("bilibili.live: uid %d reported banned with no prior snapshot to fall back to", f.uid)
		}
		return f.buildStatus(*last, status.LiveBanned, nil), nil
	}

	f.mu.Lock()
	roomCopy := room
	f.lastGood = &roomCopy
	f.mu.Unlock()

	kind := status.LiveOffline
	var startTime *time.Time
	switch room.LiveStatus {
	case liveStatusOnline:
		kind = status.LiveOnline
		if room.LiveTime > 0 {
			t := time.Unix(room.LiveTime, 0).UTC()
			startTime = &t
		}
	case liveStatusOffline, liveStatusRound:
		kind = status.LiveOffline
	}

	return f.buildStatus(room, kind, startTime), nil
}

// buildStatus renders a Status from room, falling back to
// coverPlaceholderURL when the API supplied no cover and upgrading any
// http:// URL to https:// (spec.md §4.2, property 8).
func (f *Fetcher) buildStatus(room apiResponseRoom, kind status.LiveKind, startTime *time.Time) status.Status {
	cover := room.CoverFromUser
	if cover == "" {
		cover = coverPlaceholderURL
	}

	return status.Status{
		Kind: status.KindLive,
		Source: status.Source{
			PlatformName: "bilibili.live",
			User: &status.UserRef{
				Name:       room.Uname,
				ProfileURL: fmt.Sprintf("https://space.bilibili.com/%d", f.uid),
			},
		},
		Live: status.LiveStatus{
			Kind:          kind,
			Title:         room.Title,
			StreamerName:  room.Uname,
			CoverImageURL: upgradeToHTTPS(cover),
			LiveURL:       upgradeToHTTPS(fmt.Sprintf("https://live.bilibili.com/%d", room.RoomID)),
			StartTime:     startTime,
		},
	}
}

// upgradeToHTTPS rewrites an http:// URL to https://, leaving any other
// scheme (including an already-https URL) untouched.
func upgradeToHTTPS(rawURL string) string {
	if strings.HasPrefix(rawURL, "http://") {
		return "https://" + strings.TrimPrefix(rawURL, "http://")
	}
	return rawURL
}

// fetchRoom issues the status request and reports whether the room is
// banned: the API responds with no entry for the uid at all rather
// than a distinct status code (spec.md §4.2).
func (f *Fetcher) fetchRoom(ctx context.Context) (room apiResponseRoom, banned bool, err error) {
	body := fmt.Sprintf(`{"uids":[%d]}`, f.uid)

	reqURL := f.baseURL + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(body))
	if err != nil {
		return apiResponseRoom{}, false, fmt.Errorf("bilibili.live: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return apiResponseRoom{}, false, fmt.Errorf("bilibili.live: send request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return apiResponseRoom{}, false, fmt.Errorf("bilibili.live: unexpected status %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return apiResponseRoom{}, false, fmt.Errorf("bilibili.live: decode response: %w", err)
	}
	if parsed.Code != 0 {
		return apiResponseRoom{}, false, fmt.Errorf("bilibili.live: response code %d", parsed.Code)
	}

	got, ok := parsed.Data[strconv.FormatUint(f.uid, 10)]
	if !ok {
		for _, v := range parsed.Data {
			got, ok = v, true
			break
		}
	}
	if !ok {
		return apiResponseRoom{}, true, nil
	}

	return got, false, nil
}
