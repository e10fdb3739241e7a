// Package qq implements the QQ group-chat destination notifier
// (spec.md §4.5), talking OneBot v11's JSON-over-HTTP wire protocol to
// a local bridge process (a Lagrange-OneBot-compatible implementation),
// grounded on the original implementation's notify/platform/qq/lagrange
// module. There is no Go client library for this bridge protocol in the
// ecosystem, so the request/response envelope is hand-rolled on
// internal/httpkit the same way every other outbound HTTP call in this
// module is: a bounded client, JSON bodies, and a retcode check.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/SpriteOvO/closely-go/internal/config"
	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/status"
)

// response is the envelope every OneBot action reply is wrapped in.
type response struct {
	Status  string          `json:"status"`
	Retcode int64           `json:"retcode"`
	Data    json.RawMessage `json:"data"`
}

type sendMsgResult struct {
	MessageID int64 `json:"message_id"`
}

// segment is one OneBot message segment: {"type": "...", "data": {...}}.
type segment struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type textSegmentData struct {
	Text string `json:"text"`
}

type imageSegmentData struct {
	File string `json:"file"`
}

// atSegmentData's QQ field is always a string per the OneBot spec,
// including the literal "all" for an at-everyone mention.
type atSegmentData struct {
	QQ string `json:"qq"`
}

// messageBuilder accumulates OneBot segments for one outgoing message.
type messageBuilder struct {
	segments []segment
}

func (b *messageBuilder) text(s string) *messageBuilder {
	if s == "" {
		return b
	}
	b.segments = append(b.segments, segment{Type: "text", Data: textSegmentData{Text: s}})
	return b
}

func (b *messageBuilder) image(url string) *messageBuilder {
	b.segments = append(b.segments, segment{Type: "image", Data: imageSegmentData{File: url}})
	return b
}

func (b *messageBuilder) images(urls []string) *messageBuilder {
	for _, u := range urls {
		b.image(u)
	}
	return b
}

func (b *messageBuilder) mentionAll(leadingNewline bool) *messageBuilder {
	if leadingNewline {
		b.text("\n")
	}
	b.segments = append(b.segments, segment{Type: "at", Data: atSegmentData{QQ: "all"}})
	return b
}

// Notifier delivers Notifications to a single QQ group via an OneBot
// HTTP bridge.
type Notifier struct {
	bridgeURL   string
	accessToken string
	groupID     int64
	toggles     config.Toggles
	mentionAll  bool
	client      *http.Client
	logger      *slog.Logger
}

// New constructs a Notifier from a destination's QQ bridge settings.
func New(cfg config.QQDestConfig, toggles config.Toggles, logger *slog.Logger) *Notifier {
	return &Notifier{
		bridgeURL: cfg.BridgeURL,
		groupID:   cfg.GroupID,
		toggles:   toggles,
		client:    httpkit.NewClient(),
		logger:    logger,
	}
}

func (n *Notifier) String() string {
	return fmt.Sprintf("qq(%d)", n.groupID)
}

func (n *Notifier) Notify(ctx context.Context, note status.Notification) error {
	switch note.Kind {
	case status.NotificationLiveOnline:
		if !n.toggles.LiveOnline || note.Live.Kind != status.LiveOnline {
			return nil
		}
		return n.notifyLiveOnline(ctx, note)
	case status.NotificationLiveTitle:
		if !n.toggles.LiveTitle {
			return nil
		}
		return n.notifyLiveTitle(ctx, note)
	case status.NotificationPosts:
		if !n.toggles.Post {
			return nil
		}
		return n.notifyPosts(ctx, note)
	case status.NotificationLog:
		if !n.toggles.Log {
			return nil
		}
		return n.notifyLog(ctx, note)
	default:
		// Playback/Document recordings have no natural OneBot rendering
		// (no video segment type in the bridge's message schema) and are
		// silently skipped, matching the original's unimplemented() arms.
		return nil
	}
}

func (n *Notifier) authorPrefix(name string) string {
	if !n.toggles.AuthorName || name == "" {
		return ""
	}
	return fmt.Sprintf("[%s] ", name)
}

func (n *Notifier) notifyLiveOnline(ctx context.Context, note status.Notification) error {
	text := fmt.Sprintf("[%s] 🟢 %s%s\n%s",
		note.Source.PlatformName, n.authorPrefix(note.Live.StreamerName), note.Live.Title, note.Live.LiveURL)

	var b messageBuilder
	b.image(note.Live.CoverImageURL).text(text).mentionAll(n.mentionAll)
	return n.send(ctx, b.segments)
}

func (n *Notifier) notifyLiveTitle(ctx context.Context, note status.Notification) error {
	text := fmt.Sprintf("[%s] ✏️ %s%s",
		note.Source.PlatformName, n.authorPrefix(note.Live.StreamerName), note.Live.Title)

	var b messageBuilder
	b.text(text).mentionAll(n.mentionAll)
	return n.send(ctx, b.segments)
}

func (n *Notifier) notifyPosts(ctx context.Context, note status.Notification) error {
	var firstErr error
	failed := 0
	for _, p := range note.Posts {
		if err := n.notifyPost(ctx, note.Source, p); err != nil {
			n.logger.Error("qq: failed to notify post", "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("qq: %d of %d posts failed: %w", failed, len(note.Posts), firstErr)
	}
	return nil
}

func plainContent(parts []status.ContentPart) string {
	var s string
	for _, c := range parts {
		switch c.Kind {
		case status.ContentText:
			s += c.Text
		case status.ContentLink:
			s += c.LinkDisplay
		}
	}
	return s
}

func (n *Notifier) notifyPost(ctx context.Context, source status.Source, p status.Post) error {
	content := fmt.Sprintf("[%s] ", source.PlatformName)

	if p.RepostFrom != nil {
		if len(p.Content) > 0 {
			content += "💬 "
			if p.User != nil {
				content += n.authorPrefix(p.User.Name)
			}
			content += plainContent(p.Content) + "\n\n"
		}
		content += "🔁 "
		if p.RepostFrom.User != nil {
			content += p.RepostFrom.User.Name + ": "
		}
		content += plainContent(p.RepostFrom.Content)
	} else {
		if p.User != nil {
			content += n.authorPrefix(p.User.Name)
		}
		content += plainContent(p.Content)
	}
	content += "\n"

	for _, u := range p.URLs {
		if u.Clickable {
			content += fmt.Sprintf("\n%s: %s", u.Display, u.URL)
		}
	}

	var imageURLs []string
	for _, a := range collectImages(p) {
		imageURLs = append(imageURLs, a.URL)
	}

	var b messageBuilder
	b.images(imageURLs).text(content).mentionAll(n.mentionAll)
	return n.send(ctx, b.segments)
}

// collectImages gathers only image attachments; the bridge's message
// schema has no video segment, matching the original's "TODO: Handle
// videos" gap.
func collectImages(p status.Post) []status.Attachment {
	var out []status.Attachment
	for _, a := range p.Attachments {
		if a.Kind == status.AttachmentImage {
			out = append(out, a)
		}
	}
	if p.RepostFrom != nil {
		out = append(out, collectImages(*p.RepostFrom)...)
	}
	return out
}

func (n *Notifier) notifyLog(ctx context.Context, note status.Notification) error {
	var b messageBuilder
	b.text(note.LogMessage).mentionAll(n.mentionAll)
	return n.send(ctx, b.segments)
}

func (n *Notifier) send(ctx context.Context, segments []segment) error {
	args := map[string]any{
		"message_type": "group",
		"group_id":     n.groupID,
		"message":      segments,
	}
	_, err := n.request(ctx, "send_msg", args, &sendMsgResult{})
	return err
}

// request POSTs one OneBot action to the bridge and validates its
// retcode, mirroring lagrange.rs's request() helper.
func (n *Notifier) request(ctx context.Context, method string, args any, out any) (*response, error) {
	body, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("qq: marshal %s arguments: %w", method, err)
	}

	url := fmt.Sprintf("%s/%s", n.bridgeURL, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("qq: build request for %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if n.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.accessToken)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("qq: request to bridge for %s: %w", method, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("qq: bridge response status %s for %s", resp.Status, method)
	}

	var env response
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("qq: decode response for %s: %w", method, err)
	}
	if env.Retcode != 0 {
		return nil, fmt.Errorf("qq: bridge returned retcode %d for %s", env.Retcode, method)
	}

	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return nil, fmt.Errorf("qq: decode data for %s: %w", method, err)
		}
	}

	return &env, nil
}
