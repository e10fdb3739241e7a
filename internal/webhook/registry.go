// Package webhook implements the single shared recording-webhook
// listener (spec.md §4.4): it demultiplexes bililive-recorder events
// by room id to per-subscription channels and turns FileClosed events
// into status.Notification Playback/Document updates.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/SpriteOvO/closely-go/internal/errs"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// updateChanSize bounds each registered subscription's channel;
// beyond this, a burst of events is dropped rather than queued
// indefinitely (spec.md §5 "Backpressure").
const updateChanSize = 16

// session tracks the bookkeeping a SessionStarted/SessionEnded pair
// carries for the FileClosed events in between.
type session struct {
	liveStartTime *time.Time
}

// Registry demultiplexes inbound recording-webhook events by room id
// and is also the http.Handler for the single shared listener.
type Registry struct {
	listenAddress    string
	workingDirectory string
	logger           *slog.Logger

	mu       sync.Mutex
	senders  map[uint64]chan status.Notification
	sessions map[uint64]session

	startOnce sync.Once
	server    *http.Server
}

// New builds a Registry. It does not start listening until Listen is
// called, which the supervisor does once when it starts running
// (spec.md §4.4 "started lazily").
func New(listenAddress, workingDirectory string, logger *slog.Logger) *Registry {
	return &Registry{
		listenAddress:    listenAddress,
		workingDirectory: workingDirectory,
		logger:           logger,
		senders:          make(map[uint64]chan status.Notification),
		sessions:         make(map[uint64]session),
	}
}

// Register binds roomID to a freshly created bounded channel and
// returns it. Registering the same room id twice is a startup error
// (spec.md §4.4 "Duplicate room-id registrations are a startup error").
func (r *Registry) Register(roomID uint64) (<-chan status.Notification, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.senders[roomID]; exists {
		return nil, fmt.Errorf("webhook: room %d already registered: %w", roomID, errs.ErrDuplicateRoom)
	}

	ch := make(chan status.Notification, updateChanSize)
	r.senders[roomID] = ch
	return ch, nil
}

// Listen starts the shared HTTP server on the first call; subsequent
// calls are no-ops (spec.md §4.4).
func (r *Registry) Listen() error {
	var startErr error
	r.startOnce.Do(func() {
		mux := http.NewServeMux()
		mux.HandleFunc("POST /webhook", r.handleWebhook)

		r.server = &http.Server{
			Addr:    r.listenAddress,
			Handler: mux,
		}

		ln, err := net.Listen("tcp", r.listenAddress)
		if err != nil {
			startErr = fmt.Errorf("webhook: listen on %s: %w", r.listenAddress, err)
			return
		}

		go func() {
			r.logger.Info("webhook listener started", "address", r.listenAddress)
			if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
				r.logger.Error("webhook listener stopped", "error", err)
			}
		}()
	})
	return startErr
}

// Shutdown stops the HTTP server, if it was ever started.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}

func (r *Registry) handleWebhook(w http.ResponseWriter, req *http.Request) {
	// Always reply 200: the recorder retries indefinitely on error, and
	// a malformed body is not actionable (spec.md §4.4).
	w.WriteHeader(http.StatusOK)

	defer req.Body.Close()
	body, err := io.ReadAll(req.Body)
	if err != nil {
		r.logger.Warn("webhook: failed to read request body", "error", err)
		return
	}

	event, err := ParseEvent(body)
	if err != nil {
		r.logger.Warn("webhook: failed to parse event", "error", err, "body", string(body))
		return
	}

	if err := r.handleEvent(event); err != nil {
		r.logger.Warn("webhook: handler error", "error", err, "event_id", event.ID)
	}
}

func (r *Registry) handleEvent(event Event) error {
	switch event.Kind {
	case EventSessionStarted:
		r.mu.Lock()
		if _, exists := r.sessions[event.RoomID]; exists {
			r.logger.Warn("webhook: started an existing session", "room_id", event.RoomID)
		}
		ts := event.Timestamp
		r.sessions[event.RoomID] = session{liveStartTime: &ts}
		r.mu.Unlock()
		return nil

	case EventSessionEnded:
		r.mu.Lock()
		if _, exists := r.sessions[event.RoomID]; !exists {
			r.logger.Warn("webhook: ended a non-existing session", "room_id", event.RoomID)
		}
		delete(r.sessions, event.RoomID)
		r.mu.Unlock()
		return nil

	case EventFileClosed:
		return r.handleFileClosed(event)

	default:
		// FileOpening, StreamStarted, StreamEnded: acknowledged without
		// action (spec.md §4.4).
		return nil
	}
}

func (r *Registry) handleFileClosed(event Event) error {
	r.mu.Lock()
	sess, ok := r.sessions[event.RoomID]
	ch := r.senders[event.RoomID]
	r.mu.Unlock()
	if !ok {
		r.logger.Warn("webhook: file closed with an unknown session", "room_id", event.RoomID)
	}

	filePath := filepath.Join(r.workingDirectory, event.RelativePath)
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(filePath), "."))

	var format status.PlaybackFormat
	var isVideo bool
	switch ext {
	case "flv":
		format, isVideo = status.PlaybackFLV, true
	case "mp4":
		format, isVideo = status.PlaybackMP4, true
	case "xml":
		isVideo = false
	default:
		return fmt.Errorf("webhook: unknown file extension %q for %q", ext, filePath)
	}

	if isVideo {
		r.dispatch(ch, event.RoomID, status.Notification{
			Kind: status.NotificationPlayback,
			Playback: status.PlaybackInfo{
				Format:        format,
				FilePath:      filePath,
				LiveStartTime: sess.liveStartTime,
			},
		})

		sibling := strings.TrimSuffix(filePath, filepath.Ext(filePath)) + ".xml"
		if _, err := os.Stat(sibling); err == nil {
			r.dispatch(ch, event.RoomID, status.Notification{
				Kind:     status.NotificationDocument,
				Document: status.DocumentInfo{FilePath: sibling},
			})
		}
	} else {
		r.dispatch(ch, event.RoomID, status.Notification{
			Kind:     status.NotificationDocument,
			Document: status.DocumentInfo{FilePath: filePath},
		})
	}

	return nil
}

// dispatch sends n to ch without blocking; a full channel means the
// subscription task is falling behind, so the event is logged and
// dropped rather than queued (spec.md §5 "Backpressure").
func (r *Registry) dispatch(ch chan status.Notification, roomID uint64, n status.Notification) {
	if ch == nil {
		r.logger.Warn("webhook: no subscriber registered for room", "room_id", roomID)
		return
	}
	select {
	case ch <- n:
	default:
		r.logger.Warn("webhook: subscriber channel full, dropping update", "room_id", roomID)
	}
}
