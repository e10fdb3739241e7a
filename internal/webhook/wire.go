package webhook

import (
	"encoding/json"
	"fmt"
	"time"
)

// eventEnvelope is the recording-webhook wire envelope (spec.md §6
// "Webhook wire format"), grounded on
// original_source/src/platform/bilibili/source/playback/bililive_recorder.rs's
// WebhookV2/EventKind types.
type eventEnvelope struct {
	EventType      string          `json:"EventType"`
	EventTimestamp string          `json:"EventTimestamp"`
	EventID        string          `json:"EventId"`
	EventData      json.RawMessage `json:"EventData"`
}

// EventKind tags which of the six recording-webhook event types was
// received.
type EventKind int

const (
	EventSessionStarted EventKind = iota
	EventSessionEnded
	EventFileOpening
	EventFileClosed
	EventStreamStarted
	EventStreamEnded
)

// Event is a parsed recording-webhook call.
type Event struct {
	Kind      EventKind
	ID        string
	Timestamp time.Time

	// RoomID is populated for every kind except FileOpening/StreamStarted
	// /StreamEnded, which carry no EventData fields we act on.
	RoomID uint64

	// RelativePath is valid only for EventFileClosed.
	RelativePath string
}

type sessionStartedData struct {
	RoomID uint64 `json:"RoomId"`
}

type sessionEndedData struct {
	RoomID uint64 `json:"RoomId"`
}

type fileClosedData struct {
	RoomID       uint64 `json:"RoomId"`
	RelativePath string `json:"RelativePath"`
}

// recorderTimestampLayout matches bililive-recorder's EventTimestamp,
// e.g. "2021-05-14T17:52:44.4960899+08:00".
const recorderTimestampLayout = "2006-01-02T15:04:05.999999999Z07:00"

// ParseEvent decodes one webhook POST body. An error here means the
// body is not a recognizable envelope at all; the caller logs and
// drops it without ever surfacing the error to the sender (spec.md
// §4.4: "the listener always responds HTTP 200").
func ParseEvent(body []byte) (Event, error) {
	var envelope eventEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return Event{}, fmt.Errorf("webhook: decode envelope: %w", err)
	}

	ts, err := time.Parse(recorderTimestampLayout, envelope.EventTimestamp)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: parse timestamp %q: %w", envelope.EventTimestamp, err)
	}

	event := Event{ID: envelope.EventID, Timestamp: ts}

	switch envelope.EventType {
	case "SessionStarted":
		var data sessionStartedData
		if err := json.Unmarshal(envelope.EventData, &data); err != nil {
			return Event{}, fmt.Errorf("webhook: decode SessionStarted: %w", err)
		}
		event.Kind = EventSessionStarted
		event.RoomID = data.RoomID

	case "SessionEnded":
		var data sessionEndedData
		if err := json.Unmarshal(envelope.EventData, &data); err != nil {
			return Event{}, fmt.Errorf("webhook: decode SessionEnded: %w", err)
		}
		event.Kind = EventSessionEnded
		event.RoomID = data.RoomID

	case "FileClosed":
		var data fileClosedData
		if err := json.Unmarshal(envelope.EventData, &data); err != nil {
			return Event{}, fmt.Errorf("webhook: decode FileClosed: %w", err)
		}
		event.Kind = EventFileClosed
		event.RoomID = data.RoomID
		event.RelativePath = data.RelativePath

	case "FileOpening":
		event.Kind = EventFileOpening
	case "StreamStarted":
		event.Kind = EventStreamStarted
	case "StreamEnded":
		event.Kind = EventStreamEnded

	default:
		return Event{}, fmt.Errorf("webhook: unknown event type %q", envelope.EventType)
	}

	return event, nil
}
