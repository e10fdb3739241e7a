package bilibilivideo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/SpriteOvO/closely-go/internal/status"
)

func TestFetchStatus_ParsesArchives(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"aids":[1],"archives":[
			{"aid":1,"title":"ep1","pic":"https://x/1.jpg","bvid":"BV1xx"}
		]}}`)
	}))
	defer srv.Close()

	f := New(srv.URL, 100, 200)
	got, err := f.FetchStatus(context.Background())
	if err != nil {
		t.Fatalf("FetchStatus() error: %v", err)
	}
	if got.Kind != status.KindPosts {
		t.Fatalf("Kind = %v, want KindPosts", got.Kind)
	}
	if len(got.Posts) != 1 {
		t.Fatalf("got %d posts, want 1", len(got.Posts))
	}
	if got.Posts[0].UniqueID() != "https://www.bilibili.com/video/BV1xx" {
		t.Fatalf("UniqueID() = %q", got.Posts[0].UniqueID())
	}
}
