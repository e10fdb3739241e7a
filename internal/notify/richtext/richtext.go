// Package richtext builds notifier message bodies as a sequence of
// typed chunks, tracking link/quote entity offsets in UTF-16 code
// units rather than bytes or runes — the unit Telegram's Bot API (and
// every other platform wire format we target) actually uses for
// entity offset/length (spec.md §4.5 "Text offsets").
package richtext

import (
	"strings"
	"unicode/utf16"
)

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EntityKind tags a Text's entity variant.
type EntityKind int

const (
	EntityLink EntityKind = iota
	EntityBold
	EntityItalic
)

// Entity is a single styled span over Text's rendered string, with
// Offset/Length measured in UTF-16 code units.
type Entity struct {
	Kind   EntityKind
	Offset int
	Length int
	URL    string // valid for EntityLink
}

// Text accumulates a rendered string plus the entities describing it.
// Builder methods append to both in lockstep so offsets always line
// up with the final String().
type Text struct {
	b        strings.Builder
	html     strings.Builder
	entities []Entity
	units    int // running UTF-16 code-unit length of b
}

// Len16 returns the UTF-16 code-unit length of s, the unit every
// Offset/Length in Entity is expressed in.
func Len16(s string) int {
	return len(utf16.Encode([]rune(s)))
}

// Plain appends s with no entity.
func (t *Text) Plain(s string) *Text {
	t.b.WriteString(s)
	t.html.WriteString(htmlEscaper.Replace(s))
	t.units += Len16(s)
	return t
}

// Link appends display text with a link entity pointing at url.
func (t *Text) Link(display, url string) *Text {
	start := t.units
	t.b.WriteString(display)
	length := Len16(display)
	t.units += length
	t.entities = append(t.entities, Entity{Kind: EntityLink, Offset: start, Length: length, URL: url})
	t.html.WriteString(`<a href="`)
	t.html.WriteString(htmlEscaper.Replace(url))
	t.html.WriteString(`">`)
	t.html.WriteString(htmlEscaper.Replace(display))
	t.html.WriteString(`</a>`)
	return t
}

// Bold appends s wrapped in a bold entity.
func (t *Text) Bold(s string) *Text {
	start := t.units
	t.b.WriteString(s)
	length := Len16(s)
	t.units += length
	t.entities = append(t.entities, Entity{Kind: EntityBold, Offset: start, Length: length})
	t.html.WriteString("<b>")
	t.html.WriteString(htmlEscaper.Replace(s))
	t.html.WriteString("</b>")
	return t
}

// Italic appends s wrapped in an italic entity.
func (t *Text) Italic(s string) *Text {
	start := t.units
	t.b.WriteString(s)
	length := Len16(s)
	t.units += length
	t.entities = append(t.entities, Entity{Kind: EntityItalic, Offset: start, Length: length})
	t.html.WriteString("<i>")
	t.html.WriteString(htmlEscaper.Replace(s))
	t.html.WriteString("</i>")
	return t
}

// Append splices other's string and entities onto t, shifting other's
// offsets by t's current length.
func (t *Text) Append(other *Text) *Text {
	base := t.units
	t.b.WriteString(other.b.String())
	t.html.WriteString(other.html.String())
	t.units += other.units
	for _, e := range other.entities {
		e.Offset += base
		t.entities = append(t.entities, e)
	}
	return t
}

// String returns the rendered plain text (no markup).
func (t *Text) String() string {
	return t.b.String()
}

// HTML returns the text rendered with Telegram-flavored HTML markup
// (<a>, <b>, <i>), suitable for a message sent with ParseMode "HTML".
func (t *Text) HTML() string {
	return t.html.String()
}

// Entities returns the accumulated entity list, in append order.
func (t *Text) Entities() []Entity {
	return t.entities
}
