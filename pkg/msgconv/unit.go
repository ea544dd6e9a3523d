// Copyright 2024-2026 Aiku AI

// Package msgconv holds the platform-neutral message content model shared by
// both rich-text converters, the part mapper and the edit reconciler.
package msgconv

import (
	"errors"
	"fmt"
)

// ErrSectionOrder is returned when a converter emits units out of the fixed
// section order. It indicates a bug in the converter, not bad input.
var ErrSectionOrder = errors.New("content units are not in section order")

// Section is the position class of a unit inside one bridged message.
// Units are always emitted in ascending section order.
type Section int

const (
	SectionText Section = iota
	SectionForwarded
	SectionAttachments
	SectionComponents
	SectionPoll
	SectionEmbeds
	SectionStickers
)

var sectionNames = [...]string{
	SectionText:        "text",
	SectionForwarded:   "forwarded",
	SectionAttachments: "attachments",
	SectionComponents:  "components",
	SectionPoll:        "poll",
	SectionEmbeds:      "embeds",
	SectionStickers:    "stickers",
}

func (s Section) String() string {
	if s < 0 || int(s) >= len(sectionNames) {
		return fmt.Sprintf("section(%d)", int(s))
	}
	return sectionNames[s]
}

// Kind names the variant of a Content value.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindFile    Kind = "file"
	KindSticker Kind = "sticker"
	KindPoll    Kind = "poll"
	KindNotice  Kind = "notice"
)

// Content is the closed set of things one platform-native send can carry.
// The only implementations are Text, Notice, Media, Sticker and Poll.
type Content interface {
	Kind() Kind
	isContent()
}

// Text is a normal user text message. HTML is optional; when it is empty the
// body is sent as plain text. Markdown targets only use Body.
type Text struct {
	Body  string
	HTML  string
	Emote bool
}

// Notice is bot-style text, used for quoted/forwarded content, embeds and
// component listings.
type Notice struct {
	Body string
	HTML string
}

// Media is an uploaded file. MediaKind is one of KindImage, KindVideo,
// KindAudio or KindFile. Ref is the source-side reference (a Mattermost file
// ID or an mxc:// URI) that the target resolves when sending.
type Media struct {
	MediaKind Kind
	Ref       string
	Name      string
	MimeType  string
	Size      int64
	Width     int
	Height    int
	Caption   string
	// Data is set when the bytes are already in memory, e.g. a composited
	// emoji sheet.
	Data []byte
}

// Sticker is a single image sent as a sticker.
type Sticker struct {
	Ref      string
	Name     string
	MimeType string
	Width    int
	Height   int
}

// PollAnswer is one option of a Poll.
type PollAnswer struct {
	ID   string
	Text string
}

// Poll is a question with a fixed list of answers.
type Poll struct {
	Question      string
	Answers       []PollAnswer
	MaxSelections int
}

func (Text) Kind() Kind    { return KindText }
func (Notice) Kind() Kind  { return KindNotice }
func (Sticker) Kind() Kind { return KindSticker }
func (Poll) Kind() Kind    { return KindPoll }

func (m Media) Kind() Kind {
	switch m.MediaKind {
	case KindImage, KindVideo, KindAudio:
		return m.MediaKind
	default:
		return KindFile
	}
}

func (Text) isContent()    {}
func (Notice) isContent()  {}
func (Media) isContent()   {}
func (Sticker) isContent() {}
func (Poll) isContent()    {}

// Platform-native send types used in Category.Type.
const (
	TypeMessage = "message"
	TypeSticker = "sticker"
	TypePoll    = "poll"
)

// Message subkinds used in Category.Subkind.
const (
	SubkindText   = "text"
	SubkindEmote  = "emote"
	SubkindNotice = "notice"
)

// Category is the (kind, subkind) pair used to pair old parts with new units.
type Category struct {
	Type    string
	Subkind string
}

func (c Category) String() string {
	if c.Subkind == "" {
		return c.Type
	}
	return c.Type + "/" + c.Subkind
}

// IsPrimaryType reports whether the category is a regular message send.
func (c Category) IsPrimaryType() bool {
	return c.Type == TypeMessage
}

// IsPlainText reports whether the category is a regular user text message.
func (c Category) IsPlainText() bool {
	return c.Type == TypeMessage && c.Subkind == SubkindText
}

// IsText reports whether the category carries an editable text body.
func (c Category) IsText() bool {
	return c.Type == TypeMessage && (c.Subkind == SubkindText || c.Subkind == SubkindEmote || c.Subkind == SubkindNotice)
}

// CategoryOf returns the pairing category of a content value.
func CategoryOf(content Content) Category {
	switch c := content.(type) {
	case Text:
		if c.Emote {
			return Category{Type: TypeMessage, Subkind: SubkindEmote}
		}
		return Category{Type: TypeMessage, Subkind: SubkindText}
	case Notice:
		return Category{Type: TypeMessage, Subkind: SubkindNotice}
	case Media:
		return Category{Type: TypeMessage, Subkind: string(c.Kind())}
	case Sticker:
		return Category{Type: TypeSticker}
	case Poll:
		return Category{Type: TypePoll}
	default:
		panic(fmt.Sprintf("msgconv: unknown content type %T", content))
	}
}

// Unit is one content unit: a single platform-native send.
type Unit struct {
	Section Section
	Content Content
	// Mentions lists who this unit notifies, in the form the target
	// platform addresses users: Matrix user IDs on the Matrix side,
	// usernames on the Mattermost side.
	Mentions []string
	// MentionsRoom is set when the unit pings the whole room/channel.
	MentionsRoom bool
}

// Category returns the pairing category of the unit's content.
func (u Unit) Category() Category {
	return CategoryOf(u.Content)
}

// Body returns the text body of text-like units and the caption of media.
func (u Unit) Body() string {
	switch c := u.Content.(type) {
	case Text:
		return c.Body
	case Notice:
		return c.Body
	case Media:
		return c.Caption
	case Sticker:
		return c.Name
	case Poll:
		return c.Question
	default:
		return ""
	}
}

// CheckOrder verifies that units are in non-decreasing section order.
func CheckOrder(units []Unit) error {
	for i := 1; i < len(units); i++ {
		if units[i].Section < units[i-1].Section {
			return fmt.Errorf("%w: unit %d (%s) follows %s", ErrSectionOrder, i, units[i].Section, units[i-1].Section)
		}
	}
	return nil
}

// Converted is the output of one converter run.
type Converted struct {
	Units []Unit
	Reply ReplyLink
}
