// Package telegram implements the Telegram destination notifier
// (spec.md §4.5), grounded on the original implementation's
// notify/platform/telegram module: a live message is created once and
// edited in place as the room's title changes and as it goes offline,
// posts are dispatched to sendMessage/sendPhoto/sendVideo/sendMediaGroup
// depending on how many attachments they carry, and playback uploads
// retry through a placeholder message before giving up.
package telegram

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "gopkg.in/telegram-bot-api.v4"

	"golang.org/x/image/draw"

	"github.com/SpriteOvO/closely-go/internal/config"
	"github.com/SpriteOvO/closely-go/internal/httpkit"
	"github.com/SpriteOvO/closely-go/internal/notify/playbackcache"
	"github.com/SpriteOvO/closely-go/internal/notify/richtext"
	"github.com/SpriteOvO/closely-go/internal/status"
)

const (
	titleHistorySeparator  = " ⬅️ "
	playbackUploadAttempts = 3
	playbackRetryWait      = 60 * time.Second
	maxImageDimensionSum   = 10000
	maxAttachmentBytes     = 50 << 20

	// playbackTargetFormat is what the Bot API wants for inline video
	// playback; a recording stored in any other container is converted
	// before upload (spec.md §4.5 "Playback" step 2).
	playbackTargetFormat = status.PlaybackMP4
)

var retryAfterPattern = regexp.MustCompile(`retry after (\d+)`)

// playback is shared by every telegram Notifier in the process, so two
// destinations uploading the same recording converge on one
// conversion instead of each running their own ffmpeg/ffprobe pass
// (spec.md §5 "Shared resources").
var playback = playbackcache.New()

// urlFetchErrorSubstrings are Telegram error messages seen when it
// refuses to fetch a remote URL itself (blocked host, content-type
// mismatch, transient fetch failure). On these we fall back to
// downloading the attachment ourselves and uploading it as multipart.
var urlFetchErrorSubstrings = []string{
	"wrong file identifier/http url specified",
	"failed to get http url content",
	"wrong type of the web page content",
}

// liveState is the notifier-owned memory of an in-progress live
// session: the message it created, and the running history of titles
// observed since it went online (spec.md §4.5 "current_live").
type liveState struct {
	startTime    *time.Time
	messageID    int
	titleHistory []string
}

// Notifier delivers Notifications to a single Telegram chat.
type Notifier struct {
	bot     *tgbotapi.BotAPI
	chatID  int64
	toggles config.Toggles
	logger  *slog.Logger

	mu   sync.Mutex
	live *liveState
}

// New constructs a Notifier from a destination's Telegram settings.
func New(cfg config.TelegramDestConfig, toggles config.Toggles, logger *slog.Logger) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, httpkit.NewClient())
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Notifier{bot: bot, chatID: cfg.ChatID, toggles: toggles, logger: logger}, nil
}

func (n *Notifier) String() string {
	return fmt.Sprintf("telegram(%d)", n.chatID)
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, note status.Notification) error {
	switch note.Kind {
	case status.NotificationLiveOnline:
		if !n.toggles.LiveOnline {
			return nil
		}
		if note.Live.Kind == status.LiveOnline {
			return n.notifyLiveStarted(ctx, note)
		}
		return n.notifyLiveEnded(ctx, note)
	case status.NotificationLiveTitle:
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
	case status.NotificationPlayback:
		if !n.toggles.Playback {
			return nil
		}
		return n.notifyPlayback(ctx, note)
	case status.NotificationDocument:
		if !n.toggles.Document {
			return nil
		}
		return n.notifyDocument(ctx, note)
	default:
		return nil
	}
}

// send wraps bot.Send with a single retry when Telegram's reply
// indicates a rate limit ("Too Many Requests: retry after N").
func (n *Notifier) send(ctx context.Context, c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg, err := n.bot.Send(c)
	if err == nil {
		return msg, nil
	}
	wait, ok := retryAfterSeconds(err)
	if !ok {
		return msg, err
	}

	n.logger.Warn("telegram rate limited, retrying", "retry_after_seconds", wait)
	select {
	case <-time.After(time.Duration(wait+1) * time.Second):
	case <-ctx.Done():
		return tgbotapi.Message{}, ctx.Err()
	}
	return n.bot.Send(c)
}

func retryAfterSeconds(err error) (int, bool) {
	m := retryAfterPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	secs, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return secs, true
}

func liveEmoji(kind status.LiveKind) string {
	switch kind {
	case status.LiveOnline:
		return "🔴"
	case status.LiveBanned:
		return "🚫"
	default:
		return "⚫"
	}
}

// renderLiveText builds the live-room message body: status emoji,
// optional streamer name, the title history newest-first, an optional
// elapsed-time suffix (set only when going offline/banned), then the
// room URL as a link.
func renderLiveText(titleHistory []string, live status.LiveStatus, source status.Source, elapsed *time.Duration) *richtext.Text {
	var t richtext.Text
	t.Plain(liveEmoji(live.Kind) + " ")
	if source.User != nil {
		t.Bold(source.User.Name).Plain(" ")
	} else if live.StreamerName != "" {
		t.Bold(live.StreamerName).Plain(" ")
	}
	t.Plain(strings.Join(titleHistory, titleHistorySeparator))
	if elapsed != nil {
		t.Plain(fmt.Sprintf(" (%s)", elapsed.Round(time.Second)))
	}
	t.Plain("\n")
	t.Link(live.LiveURL, live.LiveURL)
	return &t
}

func (n *Notifier) notifyLiveStarted(ctx context.Context, note status.Notification) error {
	titleHistory := []string{note.Live.Title}
	text := renderLiveText(titleHistory, note.Live, note.Source, nil)

	photo := tgbotapi.NewPhotoShare(n.chatID, note.Live.CoverImageURL)
	photo.Caption = text.HTML()
	photo.ParseMode = "HTML"

	msg, err := n.send(ctx, photo)
	if err != nil {
		return fmt.Errorf("telegram: send live-online: %w", err)
	}

	n.mu.Lock()
	n.live = &liveState{startTime: note.Live.StartTime, messageID: msg.MessageID, titleHistory: titleHistory}
	n.mu.Unlock()
	return nil
}

func (n *Notifier) notifyLiveEnded(ctx context.Context, note status.Notification) error {
	n.mu.Lock()
	live := n.live
	n.live = nil
	n.mu.Unlock()

	if live == nil {
		return nil
	}

	var elapsed *time.Duration
	if live.startTime != nil {
		d := time.Since(*live.startTime)
		elapsed = &d
	}
	text := renderLiveText(live.titleHistory, note.Live, note.Source, elapsed)

	edit := tgbotapi.NewEditMessageCaption(n.chatID, live.messageID, text.HTML())
	edit.ParseMode = "HTML"
	if _, err := n.send(ctx, edit); err != nil {
		return fmt.Errorf("telegram: edit live-offline: %w", err)
	}
	return nil
}

// notifyLiveTitle has two independent phases (spec.md §4.5 "title
// change"): the stored live message's history is kept coherent
// unconditionally, and a standalone notice is sent only when the
// title toggle is on.
func (n *Notifier) notifyLiveTitle(ctx context.Context, note status.Notification) error {
	n.mu.Lock()
	var editMsgID int
	var editHTML string
	if n.live != nil {
		n.live.titleHistory = append([]string{note.Live.Title}, n.live.titleHistory...)
		editHTML = renderLiveText(n.live.titleHistory, note.Live, note.Source, nil).HTML()
		editMsgID = n.live.messageID
	}
	n.mu.Unlock()

	if editMsgID != 0 {
		edit := tgbotapi.NewEditMessageCaption(n.chatID, editMsgID, editHTML)
		edit.ParseMode = "HTML"
		if _, err := n.send(ctx, edit); err != nil {
			n.logger.Warn("telegram: failed to update live caption for title change", "error", err)
		}
	}

	if !n.toggles.LiveTitle {
		return nil
	}

	var t richtext.Text
	t.Plain(fmt.Sprintf("[%s] title changed: ", note.Source.PlatformName))
	t.Plain(note.PreviousTitle + " → ")
	t.Bold(note.Live.Title)

	msg := tgbotapi.NewMessage(n.chatID, t.HTML())
	msg.ParseMode = "HTML"
	if _, err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("telegram: send live-title: %w", err)
	}
	return nil
}

func (n *Notifier) notifyPosts(ctx context.Context, note status.Notification) error {
	var firstErr error
	failed := 0
	for _, p := range note.Posts {
		if err := n.notifyPost(ctx, note.Source, p); err != nil {
			n.logger.Error("telegram: failed to notify post", "error", err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("telegram: %d of %d posts failed: %w", failed, len(note.Posts), firstErr)
	}
	return nil
}

func collectAttachments(p status.Post) []status.Attachment {
	out := append([]status.Attachment(nil), p.Attachments...)
	if p.RepostFrom != nil {
		out = append(out, collectAttachments(*p.RepostFrom)...)
	}
	return out
}

func appendContentParts(t *richtext.Text, parts []status.ContentPart) {
	for _, c := range parts {
		switch c.Kind {
		case status.ContentText:
			t.Plain(c.Text)
		case status.ContentLink:
			t.Link(c.LinkDisplay, c.LinkURL)
		case status.ContentInlineAttachment:
			// The media itself travels as the message's own
			// photo/video/media group; nothing to render inline.
		}
	}
}

func buildPostText(source status.Source, p status.Post) *richtext.Text {
	var t richtext.Text
	t.Plain(fmt.Sprintf("[%s] ", source.PlatformName))

	if p.RepostFrom != nil {
		if len(p.Content) > 0 {
			t.Plain("💬 ")
			appendContentParts(&t, p.Content)
			t.Plain("\n\n")
		}
		t.Plain("🔁 ")
		if p.RepostFrom.User != nil {
			t.Link(p.RepostFrom.User.Name, p.RepostFrom.User.ProfileURL)
		}
		t.Plain(": ")
		appendContentParts(&t, p.RepostFrom.Content)
	} else {
		appendContentParts(&t, p.Content)
	}
	return &t
}

func postURL(p status.Post) string {
	if len(p.URLs) == 0 || !p.URLs[0].Clickable {
		return ""
	}
	return p.URLs[0].URL
}

func viewPostMarkup(url string) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL("View Post", url)),
	)
}

func (n *Notifier) notifyPost(ctx context.Context, source status.Source, p status.Post) error {
	text := buildPostText(source, p)
	attachments := collectAttachments(p)
	url := postURL(p)

	switch len(attachments) {
	case 0:
		msg := tgbotapi.NewMessage(n.chatID, text.HTML())
		msg.ParseMode = "HTML"
		if url != "" {
			markup := viewPostMarkup(url)
			msg.ReplyMarkup = &markup
		}
		_, err := n.send(ctx, msg)
		if err != nil {
			return fmt.Errorf("telegram: send post: %w", err)
		}
		return nil

	case 1:
		return n.sendSingleAttachment(ctx, text, attachments[0], url)

	default:
		return n.sendMediaGroup(ctx, text, attachments, url)
	}
}

func (n *Notifier) sendSingleAttachment(ctx context.Context, text *richtext.Text, a status.Attachment, viewURL string) error {
	var chat tgbotapi.Chattable
	var markup *tgbotapi.InlineKeyboardMarkup
	if viewURL != "" {
		m := viewPostMarkup(viewURL)
		markup = &m
	}

	switch a.Kind {
	case status.AttachmentVideo:
		cfg := tgbotapi.NewVideoShare(n.chatID, a.URL)
		cfg.Caption = text.HTML()
		cfg.ParseMode = "HTML"
		cfg.ReplyMarkup = markup
		chat = cfg
	default:
		cfg := tgbotapi.NewPhotoShare(n.chatID, a.URL)
		cfg.Caption = text.HTML()
		cfg.ParseMode = "HTML"
		cfg.ReplyMarkup = markup
		chat = cfg
	}

	_, err := n.send(ctx, chat)
	if err == nil {
		return nil
	}
	return n.retryAsMultipart(ctx, err, a, text, markup)
}

func (n *Notifier) retryAsMultipart(ctx context.Context, sendErr error, a status.Attachment, text *richtext.Text, markup *tgbotapi.InlineKeyboardMarkup) error {
	if !isURLFetchError(sendErr) {
		return fmt.Errorf("telegram: send attachment: %w", sendErr)
	}
	n.logger.Warn("telegram: url upload rejected, retrying as multipart", "url", a.URL, "error", sendErr)

	data, name, err := downloadAttachment(ctx, a.URL)
	if err != nil {
		return fmt.Errorf("telegram: download attachment for multipart retry: %w", err)
	}
	if a.Kind == status.AttachmentImage {
		data = downscaleIfOversized(data)
	}

	file := tgbotapi.FileBytes{Name: name, Bytes: data}
	var chat tgbotapi.Chattable
	switch a.Kind {
	case status.AttachmentVideo:
		cfg := tgbotapi.NewVideoUpload(n.chatID, file)
		cfg.Caption = text.HTML()
		cfg.ParseMode = "HTML"
		cfg.ReplyMarkup = markup
		chat = cfg
	default:
		cfg := tgbotapi.NewPhotoUpload(n.chatID, file)
		cfg.Caption = text.HTML()
		cfg.ParseMode = "HTML"
		cfg.ReplyMarkup = markup
		chat = cfg
	}

	if _, err := n.send(ctx, chat); err != nil {
		return fmt.Errorf("telegram: multipart retry: %w", err)
	}
	return nil
}

func isURLFetchError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, s := range urlFetchErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

func downloadAttachment(ctx context.Context, rawURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := httpkit.NewClient().Do(req)
	if err != nil {
		return nil, "", err
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAttachmentBytes))
	if err != nil {
		return nil, "", err
	}
	return data, path.Base(rawURL), nil
}

// downscaleIfOversized shrinks an image so width+height fits within
// maxImageDimensionSum, the rough limit at which Telegram starts
// rejecting multipart photo uploads. Non-image or already-small data
// is returned unchanged.
func downscaleIfOversized(data []byte) []byte {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width+cfg.Height <= maxImageDimensionSum {
		return data
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return data
	}

	scale := float64(maxImageDimensionSum) / float64(cfg.Width+cfg.Height)
	dstW := max(1, int(float64(cfg.Width)*scale))
	dstH := max(1, int(float64(cfg.Height)*scale))
	dst := image.NewRGBA(image.Rect(0, 0, dstW, dstH))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Over, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: 90}); err != nil {
		return data
	}
	return buf.Bytes()
}

func (n *Notifier) sendMediaGroup(ctx context.Context, text *richtext.Text, attachments []status.Attachment, viewURL string) error {
	var caption richtext.Text
	caption.Append(text)
	if viewURL != "" {
		caption.Plain("\n\n")
		caption.Link(">> View Post <<", viewURL)
	}

	// A media group holds at most 10 items; larger sets go out as
	// consecutive groups and only the last group carries the caption.
	const maxGroupSize = 10
	for start := 0; start < len(attachments); start += maxGroupSize {
		end := min(start+maxGroupSize, len(attachments))
		isLast := end == len(attachments)

		media := make([]interface{}, 0, end-start)
		for i, a := range attachments[start:end] {
			var item interface{}
			switch a.Kind {
			case status.AttachmentVideo:
				v := tgbotapi.NewInputMediaVideo(a.URL)
				if isLast && i == 0 {
					v.Caption = caption.HTML()
					v.ParseMode = "HTML"
				}
				item = v
			default:
				p := tgbotapi.NewInputMediaPhoto(a.URL)
				if isLast && i == 0 {
					p.Caption = caption.HTML()
					p.ParseMode = "HTML"
				}
				item = p
			}
			media = append(media, item)
		}

		group := tgbotapi.NewMediaGroup(n.chatID, media)
		if _, err := n.send(ctx, group); err != nil {
			return fmt.Errorf("telegram: send media group: %w", err)
		}
	}
	return nil
}

func (n *Notifier) notifyLog(ctx context.Context, note status.Notification) error {
	msg := tgbotapi.NewMessage(n.chatID, note.LogMessage)
	if _, err := n.send(ctx, msg); err != nil {
		return fmt.Errorf("telegram: send log: %w", err)
	}
	return nil
}

// notifyPlayback uploads a recorded file (spec.md §4.5 "Playback"): up
// to playbackUploadAttempts tries separated by a 60-second wait, then
// one final attempt. A fresh placeholder message is (re-)posted before
// each try; a non-last failure deletes it to allow a clean retry, the
// last failure edits it to a failure caption, and success replaces it
// with the uploaded video (the Bot API cannot edit text into a video).
//
// If the recording's format differs from playbackTargetFormat, it is
// converted into a temporary file first; the temporary file (if any)
// is removed once the whole upload (every attempt) has completed.
// Resolution is probed from the uploaded (possibly converted) file and
// folded into the caption, memoized across this function's own
// retries rather than reprobed on every attempt.
func (n *Notifier) notifyPlayback(ctx context.Context, note status.Notification) error {
	name := note.Source.PlatformName
	recordingName := path.Base(note.Playback.FilePath)
	sizeSuffix := ""
	if info, err := os.Stat(note.Playback.FilePath); err == nil {
		sizeSuffix = fmt.Sprintf(" (%s)", formatByteSize(info.Size()))
	}

	loaded, release, err := playback.Acquire(ctx, note.Playback.FilePath, note.Playback.Format, playbackTargetFormat)
	if err != nil {
		return fmt.Errorf("telegram: load playback file: %w", err)
	}
	defer release()

	var caption richtext.Text
	caption.Plain(fmt.Sprintf("[%s] 🎥 %s", name, recordingName))
	if loaded.Width > 0 && loaded.Height > 0 {
		caption.Plain(fmt.Sprintf(" (%dx%d)", loaded.Width, loaded.Height))
	}

	totalAttempts := playbackUploadAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= totalAttempts; attempt++ {
		lastTry := attempt == totalAttempts

		placeholder := tgbotapi.NewMessage(n.chatID, fmt.Sprintf("[%s] ⏳ %s%s", name, recordingName, sizeSuffix))
		sent, err := n.send(ctx, placeholder)
		if err != nil {
			lastErr = fmt.Errorf("send playback placeholder: %w", err)
			n.logger.Warn("telegram: playback placeholder failed", "attempt", attempt, "error", err)
			if !lastTry {
				if waitErr := waitOrDone(ctx, playbackRetryWait); waitErr != nil {
					return fmt.Errorf("telegram: playback upload: %w", waitErr)
				}
			}
			continue
		}

		video := tgbotapi.NewVideoUpload(n.chatID, tgbotapi.FilePath(loaded.Path))
		video.Caption = caption.HTML()
		video.ParseMode = "HTML"

		if _, err := n.send(ctx, video); err != nil {
			lastErr = err
			n.logger.Warn("telegram: playback upload attempt failed", "attempt", attempt, "last_try", lastTry, "error", err)

			if lastTry {
				edit := tgbotapi.NewEditMessageText(n.chatID, sent.MessageID,
					fmt.Sprintf("[%s] ❌ %s%s", name, recordingName, sizeSuffix))
				if _, editErr := n.send(ctx, edit); editErr != nil {
					n.logger.Warn("telegram: failed to mark playback placeholder as failed", "error", editErr)
				}
				return fmt.Errorf("telegram: playback upload: %w", lastErr)
			}

			del := tgbotapi.NewDeleteMessage(n.chatID, sent.MessageID)
			if _, delErr := n.send(ctx, del); delErr != nil {
				n.logger.Warn("telegram: failed to delete playback placeholder", "error", delErr)
			}
			if waitErr := waitOrDone(ctx, playbackRetryWait); waitErr != nil {
				return fmt.Errorf("telegram: playback upload: %w", waitErr)
			}
			continue
		}

		del := tgbotapi.NewDeleteMessage(n.chatID, sent.MessageID)
		if _, err := n.send(ctx, del); err != nil {
			n.logger.Warn("telegram: failed to delete playback placeholder", "error", err)
		}
		return nil
	}

	return fmt.Errorf("telegram: playback upload: %w", lastErr)
}

// waitOrDone sleeps for d or returns ctx.Err() if ctx is cancelled first.
func waitOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func formatByteSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func (n *Notifier) notifyDocument(ctx context.Context, note status.Notification) error {
	doc := tgbotapi.NewDocumentUpload(n.chatID, tgbotapi.FilePath(note.Document.FilePath))
	doc.Caption = fmt.Sprintf("[%s] recording metadata", note.Source.PlatformName)
	if _, err := n.send(ctx, doc); err != nil {
		return fmt.Errorf("telegram: send document: %w", err)
	}
	return nil
}
