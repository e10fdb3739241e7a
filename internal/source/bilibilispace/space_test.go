package bilibilispace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/SpriteOvO/closely-go/internal/errs"
	"github.com/SpriteOvO/closely-go/internal/status"
)

func TestFetchStatus_TextAndVideoCards(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"has_more":1,"cards":[
			{"desc":{"type":2,"dynamic_id_str":"111","timestamp":1700000000},
			 "card":"{\"item\":{\"description\":\"hello\",\"pictures\":[{\"img_src\":\"https://x/1.jpg\"}]}}"},
			{"desc":{"type":8,"dynamic_id_str":"222","timestamp":1700000100},
			 "card":"{\"desc\":\"d\",\"pic\":\"https://x/2.jpg\",\"title\":\"my video\",\"short_link_v2\":\"https://b23.tv/x\"}"}
		]}}`)
	}))
	defer srv.Close()

	f := New(srv.URL, 1, "")
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}
	if got.Kind != status.KindPosts {
		t.Fatalf("Kind = %v, want KindPosts", got.Kind)
	}
	if len(got.Posts) != 2 {
		t.Fatalf("got %d posts, want 2: %+v", len(got.Posts), got.Posts)
	}
	if got.Posts[0].UniqueID() != "https://t.bilibili.com/111" {
		t.Fatalf("Posts[0].UniqueID() = %q", got.Posts[0].UniqueID())
	}
	if got.Posts[1].UniqueID() != "https://b23.tv/x" {
		t.Fatalf("Posts[1].UniqueID() = %q", got.Posts[1].UniqueID())
	}
}

func TestFetchStatus_UnknownCardKindIsSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"has_more":0,"cards":[
			{"desc":{"type":99,"dynamic_id_str":"1"},"card":"{}"}
		]}}`)
	}))
	defer srv.Close()

	f := New(srv.URL, 1, "")
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}
	if len(got.Posts) != 0 {
		t.Fatalf("got %d posts, want 0 for an unknown card kind", len(got.Posts))
	}
}

func TestFetchStatus_ForwardCardCarriesRepostFrom(t *testing.T) {
	innerCardJSON := `{"item":{"description":"orig text","pictures":[]}}`
	originJSON, err := json.Marshal(apiCard{
		Desc: apiCardDesc{Kind: cardPostText, DynamicIDStr: "100", Timestamp: 1700000000},
		Card: innerCardJSON,
	})
	if err != nil {
		t.Fatalf("marshal origin: %v", err)
	}
	forwardCardJSON, err := json.Marshal(cardForwardPostPayload{
		Origin: string(originJSON),
	})
	if err != nil {
		t.Fatalf("marshal forward card: %v", err)
	}

	resp := apiResponse{
		Code: 0,
		Data: apiSpace{Cards: []apiCard{{
			Desc: apiCardDesc{Kind: cardForwardPost, DynamicIDStr: "200", Timestamp: 1700000100},
			Card: string(forwardCardJSON),
		}}},
	}
	body, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	f := New(srv.URL, 1, "")
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}
	if len(got.Posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(got.Posts))
	}
	if got.Posts[0].RepostFrom == nil {
		t.Fatalf("RepostFrom = nil, want the inner post")
	}
}

func TestFetchStatus_BlockedPostIsDroppedAndStaysBlockedOnOscillation(t *testing.T) {
	var tick int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&tick, 1) == 1 {
			// P1 blocked, P2 normal.
			fmt.Fprint(w, `{"code":0,"data":{"has_more":0,"cards":[
				{"desc":{"type":10000,"dynamic_id_str":"P1","timestamp":1700000000},"card":"{}"},
				{"desc":{"type":2,"dynamic_id_str":"P2","timestamp":1700000100},
				 "card":"{\"item\":{\"description\":\"hi\"}}"}
			]}}`)
			return
		}
		// P1 oscillates back to a "normal" card kind; it must still be dropped.
		fmt.Fprint(w, `{"code":0,"data":{"has_more":0,"cards":[
			{"desc":{"type":2,"dynamic_id_str":"P1","timestamp":1700000000},
			 "card":"{\"item\":{\"description\":\"back again\"}}"},
			{"desc":{"type":2,"dynamic_id_str":"P2","timestamp":1700000100},
			 "card":"{\"item\":{\"description\":\"hi\"}}"}
		]}}`)
	}))
	defer srv.Close()

	f := New(srv.URL, 1, "")

	got1, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("tick 1 FetchStatus() error: %v", err)
	}
	if len(got1.Posts) != 1 || got1.Posts[0].UniqueID() != "https://t.bilibili.com/P2" {
		t.Fatalf("tick 1 posts = %+v, want only P2", got1.Posts)
	}

	got2, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("tick 2 FetchStatus() error: %v", err)
	}
	if len(got2.Posts) != 1 || got2.Posts[0].UniqueID() != "https://t.bilibili.com/P2" {
		t.Fatalf("tick 2 posts = %+v, want P1 still dropped as blocked", got2.Posts)
	}
}

func TestFilterPosts_DropsAlreadyFetchedIDs(t *testing.T) {
	f := New("http://unused", 1, "")

	p1 := status.Post{URLs: []status.PostURL{{Clickable: true, URL: "https://t.bilibili.com/1"}}}
	p2 := status.Post{URLs: []status.PostURL{{Clickable: true, URL: "https://t.bilibili.com/2"}}}

	first := f.FilterPosts(status.Posts{p1})
	if len(first) != 1 {
		t.Fatalf("first FilterPosts() = %d posts, want 1 (p1 is new)", len(first))
	}

	second := f.FilterPosts(status.Posts{p1, p2})
	if len(second) != 1 || second[0].UniqueID() != p2.UniqueID() {
		t.Fatalf("second FilterPosts() = %+v, want only p2 (p1 already fetched)", second)
	}
}

func TestFetchStatus_AuthExpiredRetriesOnceThenFails(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprint(w, `{"code":-352,"data":null}`)
	}))
	defer srv.Close()

	f := New(srv.URL, 1, "stale-cookie")
	_, err := f.FetchStatus(context.Background())
	if !errors.Is(err, errs.ErrAuthExpired) {
		t.Fatalf("FetchStatus() error = %v, want errs.ErrAuthExpired", err)
	}
	if calls != 2 {
		t.Fatalf("got %d requests, want 2 (one retry)", calls)
	}
	if f.guestCookie != "" {
		t.Fatalf("guestCookie = %q, want cleared after expiry", f.guestCookie)
	}
}
