package bilibiliplayback

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/SpriteOvO/closely-go/internal/webhook"
)

func TestNew_DuplicateRegistrationFails(t *testing.T) {
	reg := webhook.New("127.0.0.1:0", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := New(reg, 1); err != nil {
		t.Fatalf("first New() error: %v", err)
	}
	if _, err := New(reg, 1); err == nil {
		t.Fatalf("second New() error = nil, want duplicate-room error")
	}
}

func TestNext_CancelsWithContext(t *testing.T) {
	reg := webhook.New("127.0.0.1:0", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	src, err := New(reg, 2)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := src.Next(ctx); err == nil {
		t.Fatalf("Next() error = nil, want context deadline error")
	}
}
