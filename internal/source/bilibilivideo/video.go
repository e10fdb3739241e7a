// Package bilibilivideo polls a bilibili video series (合集) archive
// list, grounded on original_source/src/source/bilibili/video.rs.
package bilibilivideo

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/status"
)

const apiPath = "/x/series/archives"

type apiResponse struct {
	Code int             `json:"code"`
	Data apiSeriesArchives `json:"data"`
}

type apiSeriesArchives struct {
	Archives []apiArchive `json:"archives"`
}

type apiArchive struct {
	AID   uint64 `json:"aid"`
	Title string `json:"title"`
	Pic   string `json:"pic"`
	BVID  string `json:"bvid"`
}

// Fetcher polls one video series by (userID, seriesID).
type Fetcher struct {
	baseURL  string
	userID   uint64
	seriesID uint64
	client   *http.Client
}

// New builds a Fetcher. baseURL defaults to https://api.bilibili.com
// when empty.
func New(baseURL string, userID, seriesID uint64) *Fetcher {
	if baseURL == "" {
		baseURL = "https://api.bilibili.com"
	}
	return &Fetcher{baseURL: baseURL, userID: userID, seriesID: seriesID, client: httpkit.NewClient()}
}

func (f *Fetcher) String() string {
	return fmt.Sprintf("bilibili.video(%d,series%d)", f.userID, f.seriesID)
}

// FetchStatus implements source.Fetcher.
func (f *Fetcher) FetchStatus(ctx context.Context) (status.Status, error) {
	posts, err := f.fetchArchives(ctx)
	if err != nil {
		return status.Empty(), err
	}
	return status.Status{
		Kind:   status.KindPosts,
		Source: status.Source{PlatformName: "bilibili.video"},
		Posts:  posts,
	}, nil
}

func (f *Fetcher) fetchArchives(ctx context.Context) (status.Posts, error) {
	reqURL := fmt.Sprintf("%s%s?mid=%d&series_id=%d", f.baseURL, apiPath, f.userID, f.seriesID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("bilibili.video: build request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("bilibili.video: send request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("bilibili.video: unexpected status %s: %s", resp.Status, httpkit.ReadErrorBody(resp.Body, 4096))
	}

	var parsed apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("bilibili.video: decode response: %w", err)
	}
	if parsed.Code != 0 {
		return nil, fmt.Errorf("bilibili.video: response code %d", parsed.Code)
	}

	posts := make(status.Posts, 0, len(parsed.Data.Archives))
	for _, a := range parsed.Data.Archives {
		posts = append(posts, status.Post{
			Content: []status.ContentPart{{Kind: status.ContentText, Text: a.Title}},
			URLs: []status.PostURL{{
				Clickable: true,
				URL:       fmt.Sprintf("https://www.bilibili.com/video/%s", a.BVID),
				Display:   "查看视频",
			}},
			Attachments: []status.Attachment{{Kind: status.AttachmentImage, URL: a.Pic}},
		})
	}
	return posts, nil
}
