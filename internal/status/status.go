// Package status implements the snapshot data model (spec.md §3) and its
// incremental merge / diff semantics (spec.md §4.3). A Status flows by
// value from a source fetcher into a subscription task, which diffs it
// against the previously stored snapshot to produce Notifications and
// then folds it into that stored snapshot.
package status

import "time"

// Kind tags which variant a non-empty Status carries. Once a
// subscription observes one Kind, every later snapshot must carry the
// same one (spec.md §3's invariant); GenerateNotifications and
// UpdateIncrementally both enforce this.
type Kind int

const (
	KindEmpty Kind = iota
	KindLive
	KindPosts
)

// UserRef is an optional user descriptor: display name plus profile URL.
type UserRef struct {
	Name       string
	ProfileURL string
}

// Source carries the platform display name and an optional user
// descriptor, shared by all Status and Notification values.
type Source struct {
	PlatformName string
	User         *UserRef
}

// Status is the tagged snapshot value produced by one fetch_status()
// call: either empty, or carrying a Live or Posts payload plus Source.
type Status struct {
	Kind   Kind
	Source Source
	Live   LiveStatus
	Posts  Posts
}

// Empty returns the zero Status, used as a subscription's initial
// last-known state (spec.md §3 "Lifecycle").
func Empty() Status {
	return Status{Kind: KindEmpty}
}

// IsEmpty reports whether s carries no payload.
func (s Status) IsEmpty() bool {
	return s.Kind == KindEmpty
}

// LiveKind is the three-way state of a live room.
type LiveKind int

const (
	LiveOffline LiveKind = iota
	LiveOnline
	LiveBanned
)

// LiveStatus is the live-room snapshot payload.
type LiveStatus struct {
	Kind          LiveKind
	Title         string
	StreamerName  string
	CoverImageURL string
	LiveURL       string
	// StartTime is set only when Kind == LiveOnline and the platform
	// reported a stream start time.
	StartTime *time.Time
}

// Posts is an ordered sequence of posts. SortNewestFirst normalizes the
// order so that diffing and rendering are stable (spec.md §4.1 step 3).
type Posts []Post

// Post is a single timeline entry.
type Post struct {
	User        *UserRef
	Content     []ContentPart
	URLs        []PostURL // non-empty; URLs[0] is the major URL
	Time        time.Time
	IsPinned    bool
	RepostFrom  *Post
	Attachments []Attachment
}

// UniqueID returns the platform-unique id of the post: the unique_id()
// of its major URL (spec.md §3, §4.2 "Post identity rule").
func (p Post) UniqueID() string {
	if len(p.URLs) == 0 {
		return ""
	}
	return p.URLs[0].UniqueID()
}

// ContentPartKind tags a ContentPart variant.
type ContentPartKind int

const (
	ContentText ContentPartKind = iota
	ContentLink
	ContentInlineAttachment
)

// ContentPart is one piece of a post's body: plain text, an inline
// link, or an inline attachment.
type ContentPart struct {
	Kind ContentPartKind

	// Text is valid when Kind == ContentText.
	Text string

	// LinkDisplay/LinkURL are valid when Kind == ContentLink.
	LinkDisplay string
	LinkURL     string

	// Attachment is valid when Kind == ContentInlineAttachment.
	Attachment Attachment
}

// PostURL is either a clickable permalink or a synthetic identity used
// when a post has no canonical URL (e.g. the inner post of a repost).
type PostURL struct {
	Clickable bool

	// URL/Display are valid when Clickable is true.
	URL     string
	Display string

	// Identity is valid when Clickable is false.
	Identity string
}

// UniqueID returns the identity used for set-equality of posts.
func (u PostURL) UniqueID() string {
	if u.Clickable {
		return u.URL
	}
	return u.Identity
}

// AttachmentKind tags an Attachment variant.
type AttachmentKind int

const (
	AttachmentImage AttachmentKind = iota
	AttachmentVideo
)

// Attachment is an image or video attached to a post.
type Attachment struct {
	Kind       AttachmentKind
	URL        string
	HasSpoiler bool
}
