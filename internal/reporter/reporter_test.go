package reporter

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SpriteOvO/closely-go/internal/notify"
	"github.com/SpriteOvO/closely-go/internal/status"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHeartbeat_PingsConfiguredURL(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	hb := New(srv.URL, 10*time.Millisecond, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	hb.Run(ctx)

	if atomic.LoadInt32(&hits) == 0 {
		t.Fatalf("heartbeat never hit the configured URL")
	}
}

func TestHeartbeat_EmptyURLIsNoOp(t *testing.T) {
	hb := New("", time.Millisecond, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := hb.Run(ctx); err == nil {
		t.Fatalf("Run() error = nil, want context deadline error")
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	count int
	fail  bool
}

func (r *recordingNotifier) Notify(ctx context.Context, n status.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	if r.fail {
		return errInternal
	}
	return nil
}

func (r *recordingNotifier) String() string { return "recording" }

var errInternal = &testError{"notifier failed"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestLogForwarder_ForwardsWarnAndAbove(t *testing.T) {
	rn := &recordingNotifier{}
	fwd := NewLogForwarder(slog.NewTextHandler(io.Discard, nil), []notify.Notifier{rn}, testLogger())
	logger := slog.New(fwd)

	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	if rn.count != 2 {
		t.Fatalf("got %d forwarded records, want 2 (warn+error only)", rn.count)
	}
}

func TestLogForwarder_ReentrancyGuardPreventsRecursion(t *testing.T) {
	fwd := NewLogForwarder(slog.NewTextHandler(io.Discard, nil), nil, testLogger())
	rn := &recordingNotifier{fail: true}
	fwd.notifiers = []notify.Notifier{rn}
	logger := slog.New(fwd)

	// A notifier failure logs through the *same* logger it was invoked
	// from in production wiring; here we simulate it directly by
	// calling forward reentrantly and confirming the guard short-circuits.
	fwd.inDispatch.Store(true)
	logger.Warn("warn while already dispatching")

	if rn.count != 0 {
		t.Fatalf("got %d notifier calls while guard held, want 0", rn.count)
	}
}
