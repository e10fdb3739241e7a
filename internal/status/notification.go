package status

import "time"

// NotificationKind tags a Notification variant (spec.md §3 "NotificationKind").
type NotificationKind int

const (
	NotificationLiveOnline NotificationKind = iota
	NotificationLiveTitle
	NotificationPosts
	NotificationLog
	NotificationPlayback
	NotificationDocument
)

// PlaybackFormat is the recorded-file container format.
type PlaybackFormat int

const (
	PlaybackFLV PlaybackFormat = iota
	PlaybackMP4
)

// PlaybackInfo is the payload of a Playback notification, produced from
// a webhook FileClosed event (spec.md §3 "Update", §4.4).
type PlaybackInfo struct {
	Format        PlaybackFormat
	FilePath      string
	LiveStartTime *time.Time
}

// DocumentInfo is the payload of a Document notification.
type DocumentInfo struct {
	FilePath string
}

// Notification is a single typed value emitted by the diff engine or by
// an update-driven subscription, consumed by one or more notifiers.
type Notification struct {
	Kind   NotificationKind
	Source Source

	// Live is valid for NotificationLiveOnline and NotificationLiveTitle.
	Live LiveStatus
	// PreviousTitle is valid for NotificationLiveTitle.
	PreviousTitle string

	// Posts is valid for NotificationPosts: the subset of a new
	// snapshot not present in the previous one, in new's order.
	Posts Posts

	// LogMessage is valid for NotificationLog.
	LogMessage string

	// Playback is valid for NotificationPlayback.
	Playback PlaybackInfo
	// Document is valid for NotificationDocument.
	Document DocumentInfo
}
