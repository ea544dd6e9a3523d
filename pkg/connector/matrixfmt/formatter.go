// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix messages to Mattermost content units.
package matrixfmt

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/mention"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// Message is one Matrix event to convert.
type Message struct {
	Type    event.Type
	Content *event.MessageEventContent
	// Poll is set instead of Content for poll start events.
	Poll *msgconv.Poll
	// ReplyTo is the event being replied to, if any.
	ReplyTo id.EventID
}

// Params are the collaborators and settings of one conversion. Roster
// entries are keyed by Matrix user ID and identified by Mattermost username.
type Params struct {
	Roster     msgconv.Roster
	Replies    msgconv.ReplyResolver
	Assets     msgconv.AssetRegistrar
	Compositor msgconv.Compositor
	// Destination is the Mattermost channel ID the message is bridged into.
	Destination   string
	ChunkSize     int
	FuzzyMentions bool
	// MediaURL turns an mxc:// URI into a public link for textual fallbacks.
	MediaURL func(mxc string) string
}

type converter struct {
	Params
	roster []mention.Entry
}

func (c *converter) mediaURL(mxc string) string {
	if c.MediaURL == nil || mxc == "" {
		return mxc
	}
	return c.MediaURL(mxc)
}

// ChunkLimit is the text budget of one Mattermost post.
func ChunkLimit(configured int) int {
	if configured <= 0 {
		configured = msgconv.DefaultChunkSize
	}
	return min(configured, model.PostMessageMaxRunesV2)
}

// Convert turns a Matrix message into Mattermost content units.
func Convert(ctx context.Context, msg Message, p Params) (*msgconv.Converted, error) {
	c := &converter{Params: p}
	if p.FuzzyMentions && p.Roster != nil {
		members, err := p.Roster.ListMembers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list room members: %w", err)
		}
		c.roster = members
	}

	out := &msgconv.Converted{}
	switch {
	case msg.Poll != nil:
		out.Units = []msgconv.Unit{{Section: msgconv.SectionPoll, Content: *msg.Poll}}
	case msg.Content == nil:
		return nil, errors.New("message has no content")
	case msg.Type == event.EventSticker:
		info := msg.Content.GetInfo()
		out.Units = []msgconv.Unit{{
			Section: msgconv.SectionStickers,
			Content: msgconv.Sticker{
				Ref:      string(msg.Content.URL),
				Name:     msg.Content.Body,
				MimeType: info.MimeType,
				Width:    info.Width,
				Height:   info.Height,
			},
		}}
	default:
		if err := c.message(ctx, msg, out); err != nil {
			return nil, err
		}
	}

	reply, err := msgconv.LinkReply(ctx, p.Replies, msgconv.ReplyRef{SourceID: string(msg.ReplyTo), Destination: p.Destination})
	if err != nil {
		return nil, err
	}
	out.Reply = reply
	out.Units = msgconv.WithQuote(out.Units, reply)
	return out, nil
}

func (c *converter) message(ctx context.Context, msg Message, out *msgconv.Converted) error {
	content := msg.Content
	switch content.MsgType {
	case event.MsgImage, event.MsgVideo, event.MsgAudio, event.MsgFile:
		return c.media(ctx, msg, out)
	}

	w := newWalker(ctx, c)
	text, err := c.markdown(w, msg)
	if err != nil {
		return err
	}
	text, trailing := w.splitTrailing(text)
	var composite *msgconv.Media
	if len(trailing) > 0 && c.Compositor != nil {
		composite, err = c.Compositor.Composite(ctx, trailing)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Int("emoji_count", len(trailing)).Msg("Failed to composite trailing emoji")
			composite = nil
		}
	}
	if composite == nil && len(trailing) > 0 {
		links := make([]string, len(trailing))
		for i, ref := range trailing {
			links[i] = linkToken(ref)
		}
		text = strings.TrimSpace(text + " " + strings.Join(links, " "))
	}
	text, err = w.expand(text)
	if err != nil {
		return err
	}

	emote := content.MsgType == event.MsgEmote
	for i, chunk := range msgconv.ChunkMarkdown(text, ChunkLimit(c.ChunkSize)) {
		unit := msgconv.Unit{Section: msgconv.SectionText, Mentions: w.mentionsIn(chunk)}
		switch {
		case content.MsgType == event.MsgNotice:
			unit.Content = msgconv.Notice{Body: chunk}
		case emote && i == 0:
			unit.Content = msgconv.Text{Body: "/me " + chunk, Emote: true}
		default:
			unit.Content = msgconv.Text{Body: chunk, Emote: emote}
		}
		out.Units = append(out.Units, unit)
	}
	if composite != nil {
		out.Units = append(out.Units, msgconv.Unit{Section: msgconv.SectionAttachments, Content: *composite})
	}
	return nil
}

// markdown renders the body of msg, preferring the HTML body.
func (c *converter) markdown(w *walker, msg Message) (string, error) {
	content := msg.Content
	if content.Format == event.FormatHTML && content.FormattedBody != "" {
		return w.html(content.FormattedBody)
	}
	body := content.Body
	if msg.ReplyTo != "" {
		body = msgconv.StripReplyFallback(body)
	}
	return w.plain(body), nil
}

func (c *converter) media(ctx context.Context, msg Message, out *msgconv.Converted) error {
	content := msg.Content
	info := content.GetInfo()
	name := content.FileName
	var caption string
	if name == "" {
		name = content.Body
	} else if content.Body != "" && content.Body != name {
		w := newWalker(ctx, c)
		text, err := c.markdown(w, msg)
		if err != nil {
			return err
		}
		if caption, err = w.expand(text); err != nil {
			return err
		}
	}
	uri := content.URL
	if content.File != nil {
		uri = content.File.URL
	}
	out.Units = append(out.Units, msgconv.Unit{
		Section: msgconv.SectionAttachments,
		Content: msgconv.Media{
			MediaKind: mediaKinds[content.MsgType],
			Ref:       string(uri),
			Name:      name,
			MimeType:  info.MimeType,
			Size:      int64(info.Size),
			Width:     info.Width,
			Height:    info.Height,
			Caption:   caption,
		},
	})
	return nil
}

var mediaKinds = map[event.MessageType]msgconv.Kind{
	event.MsgImage: msgconv.KindImage,
	event.MsgVideo: msgconv.KindVideo,
	event.MsgAudio: msgconv.KindAudio,
	event.MsgFile:  msgconv.KindFile,
}

var trailingRe = regexp.MustCompile(`\x{E000}([0-9]+)\x{E001}\s*$`)

// splitTrailing removes custom emoji at the end of text and returns them.
func (w *walker) splitTrailing(text string) (string, []msgconv.EmojiRef) {
	var refs []msgconv.EmojiRef
	for {
		m := trailingRe.FindStringSubmatchIndex(text)
		if m == nil {
			break
		}
		idx, err := strconv.Atoi(text[m[2]:m[3]])
		if err != nil || idx >= len(w.tokens) || w.tokens[idx].emoji == nil {
			break
		}
		refs = append([]msgconv.EmojiRef{*w.tokens[idx].emoji}, refs...)
		text = text[:m[0]]
	}
	return strings.TrimRightFunc(text, unicode.IsSpace), refs
}

// expand replaces placeholders, registering custom emoji that are still in
// the text.
func (w *walker) expand(text string) (string, error) {
	var firstErr error
	out := placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		idx, err := strconv.Atoi(m[len(phOpen) : len(m)-len(phClose)])
		if err != nil || idx >= len(w.tokens) {
			return m
		}
		tok := w.tokens[idx]
		if tok.emoji == nil {
			return tok.literal
		}
		s, err := w.c.registerEmoji(w.ctx, *tok.emoji)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return s
	})
	return out, firstErr
}

func (c *converter) registerEmoji(ctx context.Context, ref msgconv.EmojiRef) (string, error) {
	if c.Assets == nil {
		return linkToken(ref), nil
	}
	asset, err := c.Assets.EnsureRegistered(ctx, ref)
	if errors.Is(err, msgconv.ErrAssetUnavailable) {
		return linkToken(ref), nil
	} else if err != nil {
		return "", fmt.Errorf("failed to register emoji %s: %w", ref.Name, err)
	}
	return ":" + asset.Name + ":", nil
}

func linkToken(ref msgconv.EmojiRef) string {
	if ref.URL == "" {
		return ":" + ref.Name + ":"
	}
	return "[:" + ref.Name + ":](" + ref.URL + ")"
}

// mentionsIn returns the usernames mentioned in chunk.
func (w *walker) mentionsIn(chunk string) []string {
	var out []string
	for _, username := range w.mentions {
		if containsMention(chunk, username) {
			out = append(out, username)
		}
	}
	return out
}

// containsMention reports whether chunk has @username as a whole word. A
// trailing dot only continues the name when more name characters follow.
func containsMention(chunk, username string) bool {
	needle := "@" + username
	for start := 0; ; {
		i := strings.Index(chunk[start:], needle)
		if i < 0 {
			return false
		}
		i += start
		end := i + len(needle)
		before, _ := utf8.DecodeLastRuneInString(chunk[:i])
		after, size := utf8.DecodeRuneInString(chunk[end:])
		if after == '.' {
			after, _ = utf8.DecodeRuneInString(chunk[end+size:])
		}
		if (i == 0 || !isNameRune(before)) && (end == len(chunk) || !isNameRune(after)) {
			return true
		}
		start = end
	}
}

func isNameRune(r rune) bool {
	return r == '_' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
