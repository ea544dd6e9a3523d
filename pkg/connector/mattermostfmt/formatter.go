// Copyright 2024-2026 Aiku AI

// Package mattermostfmt converts Mattermost posts to Matrix content units.
package mattermostfmt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"

	"github.com/aiku/mattermost-bridge/pkg/connector/emoji"
	"github.com/aiku/mattermost-bridge/pkg/mention"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// FileSource fetches attachment metadata that is missing from the post.
type FileSource interface {
	GetFileInfo(ctx context.Context, fileID string) (*model.FileInfo, error)
}

// EmojiSource looks up custom emoji on the Mattermost server. It returns nil
// without error when no custom emoji has the name.
type EmojiSource interface {
	LookupEmoji(ctx context.Context, name string) (*msgconv.EmojiRef, error)
}

// Params are the collaborators and settings of one conversion.
type Params struct {
	Roster  msgconv.Roster
	Replies msgconv.ReplyResolver
	Emoji   EmojiSource
	Assets  msgconv.AssetRegistrar
	Files   FileSource
	// Destination is the channel ID the post is bridged from; replies into
	// the same channel become native Matrix replies.
	Destination string
	// ServerURL is used to build links to files and posts.
	ServerURL     string
	ChunkSize     int
	MaxFileSize   int64
	FuzzyMentions bool
}

// Convert turns a Mattermost post into Matrix content units.
func Convert(ctx context.Context, post *model.Post, p Params) (*msgconv.Converted, error) {
	c := &converter{Params: p, emojiCache: make(map[string]*token)}
	if p.Roster != nil {
		members, err := p.Roster.ListMembers(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list channel members: %w", err)
		}
		c.roster = members
	}

	var units []msgconv.Unit
	if post.Message != "" {
		limit := p.ChunkSize
		if limit <= 0 {
			limit = msgconv.DefaultChunkSize
		}
		for _, chunk := range msgconv.ChunkMarkdown(post.Message, limit) {
			r, err := c.render(ctx, chunk)
			if err != nil {
				return nil, err
			}
			units = append(units, r.unit(msgconv.SectionText, post.Type == model.PostTypeMe, false))
		}
	}
	units = append(units, c.forwarded(ctx, post)...)
	attachments, err := c.attachments(ctx, post)
	if err != nil {
		return nil, err
	}
	units = append(units, attachments...)
	poll := pollOf(post)
	components, embeds, err := c.messageAttachments(ctx, post, poll != nil)
	if err != nil {
		return nil, err
	}
	units = append(units, components...)
	if poll != nil {
		units = append(units, msgconv.Unit{Section: msgconv.SectionPoll, Content: *poll})
	}
	units = append(units, embeds...)

	reply, err := msgconv.LinkReply(ctx, p.Replies, msgconv.ReplyRef{SourceID: post.RootId, Destination: p.Destination})
	if err != nil {
		return nil, err
	}
	return &msgconv.Converted{Units: msgconv.WithQuote(units, reply), Reply: reply}, nil
}

var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough, extension.Table, extension.Linkify),
	goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
)

// Placeholders are private-use runes wrapped around a token index. They
// survive markdown rendering untouched and are expanded afterwards.
const (
	phOpen  = "\uE000"
	phClose = "\uE001"
)

var (
	placeholderRe = regexp.MustCompile(`\x{E000}([0-9]+)\x{E001}`)
	codeRe        = regexp.MustCompile("(?s)```.*?(?:```|$)|`[^`\n]+`")
	mentionRe     = regexp.MustCompile(`(?i)(?:^|[^\w@\x{E001}])@([a-z0-9][a-z0-9._\-]*)`)
	emojiRe       = regexp.MustCompile(`:([a-zA-Z0-9_+\-]+):`)
)

var roomMentions = map[string]bool{"channel": true, "all": true, "here": true}

type token struct {
	html  string
	plain string
}

type converter struct {
	Params
	roster     []mention.Entry
	emojiCache map[string]*token
}

// rendered is one piece of markdown converted to Matrix text.
type rendered struct {
	body     string
	html     string
	mentions []string
	room     bool
}

func (r rendered) unit(section msgconv.Section, emote, notice bool) msgconv.Unit {
	var content msgconv.Content
	if notice {
		content = msgconv.Notice{Body: r.body, HTML: r.html}
	} else {
		content = msgconv.Text{Body: r.body, HTML: r.html, Emote: emote}
	}
	return msgconv.Unit{Section: section, Content: content, Mentions: r.mentions, MentionsRoom: r.room}
}

type substitution struct {
	c        *converter
	tokens   []token
	mentions []string
	seen     map[string]bool
	room     bool
}

func (s *substitution) add(t token) string {
	s.tokens = append(s.tokens, t)
	return phOpen + strconv.Itoa(len(s.tokens)-1) + phClose
}

func (s *substitution) mention(e mention.Entry) string {
	if !s.seen[e.ID] {
		s.seen[e.ID] = true
		s.mentions = append(s.mentions, e.ID)
	}
	name := e.DisplayName
	if name == "" {
		name = e.Identifier
	}
	return s.add(token{
		html:  `<a href="https://matrix.to/#/` + html.EscapeString(e.ID) + `">` + html.EscapeString(name) + `</a>`,
		plain: name,
	})
}

func (s *substitution) expand(text string, asHTML bool) string {
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		idx, err := strconv.Atoi(m[len(phOpen) : len(m)-len(phClose)])
		if err != nil || idx >= len(s.tokens) {
			return m
		}
		if asHTML {
			return s.tokens[idx].html
		}
		return s.tokens[idx].plain
	})
}

// render converts markdown to Matrix text. The plain body keeps the
// markdown source; HTML is only set when it adds something.
func (c *converter) render(ctx context.Context, src string) (rendered, error) {
	s := &substitution{c: c, seen: make(map[string]bool)}
	var marked strings.Builder
	last := 0
	for _, loc := range codeRe.FindAllStringIndex(src, -1) {
		seg, err := s.segment(ctx, src[last:loc[0]])
		if err != nil {
			return rendered{}, err
		}
		marked.WriteString(seg)
		marked.WriteString(src[loc[0]:loc[1]])
		last = loc[1]
	}
	seg, err := s.segment(ctx, src[last:])
	if err != nil {
		return rendered{}, err
	}
	marked.WriteString(seg)

	var buf bytes.Buffer
	if err = md.Convert([]byte(marked.String()), &buf); err != nil {
		return rendered{}, fmt.Errorf("failed to render markdown: %w", err)
	}
	out := rendered{
		body:     s.expand(marked.String(), false),
		html:     s.expand(strings.TrimSpace(buf.String()), true),
		mentions: s.mentions,
		room:     s.room,
	}
	if out.html == "<p>"+escapeHTML(out.body)+"</p>" {
		out.html = ""
	}
	return out, nil
}

// segment substitutes mentions and emoji in text outside code.
func (s *substitution) segment(ctx context.Context, text string) (string, error) {
	text = s.exactMentions(text)
	if s.c.FuzzyMentions && len(s.c.roster) > 0 {
		text, _ = mention.Rewrite(text, s.c.roster, s.mention)
	}
	return s.emoji(ctx, text)
}

func (s *substitution) exactMentions(text string) string {
	matches := mentionRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		nameStart, nameEnd := m[2], m[3]
		name := text[nameStart:nameEnd]
		var replacement string
		for name != "" {
			if roomMentions[strings.ToLower(name)] {
				s.room = true
				replacement = s.add(token{html: html.EscapeString("@" + name), plain: "@" + name})
				break
			}
			if e := s.c.byUsername(name); e != nil {
				replacement = s.mention(*e)
				break
			}
			trimmed := strings.TrimRight(name, "._-")
			if trimmed == name {
				break
			}
			name = trimmed
		}
		if replacement == "" {
			continue
		}
		out.WriteString(text[last : nameStart-1])
		out.WriteString(replacement)
		last = nameStart + len(name)
	}
	out.WriteString(text[last:])
	return out.String()
}

func (c *converter) byUsername(name string) *mention.Entry {
	for i := range c.roster {
		if strings.EqualFold(c.roster[i].Identifier, name) {
			return &c.roster[i]
		}
	}
	return nil
}

func (s *substitution) emoji(ctx context.Context, text string) (string, error) {
	matches := emojiRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}
	var out strings.Builder
	last := 0
	for _, m := range matches {
		if m[0] < last {
			continue
		}
		tok, err := s.c.emojiToken(ctx, text[m[2]:m[3]])
		if err != nil {
			return "", err
		} else if tok == nil {
			continue
		}
		out.WriteString(text[last:m[0]])
		out.WriteString(s.add(*tok))
		last = m[1]
	}
	out.WriteString(text[last:])
	return out.String(), nil
}

func (c *converter) emojiToken(ctx context.Context, name string) (*token, error) {
	if tok, ok := c.emojiCache[name]; ok {
		return tok, nil
	}
	tok, err := c.lookupEmoji(ctx, name)
	if err != nil {
		return nil, err
	}
	c.emojiCache[name] = tok
	return tok, nil
}

func (c *converter) lookupEmoji(ctx context.Context, name string) (*token, error) {
	if u, ok := emoji.Unicode(name); ok {
		return &token{html: u, plain: u}, nil
	}
	if c.Emoji == nil || c.Assets == nil {
		return nil, nil
	}
	ref, err := c.Emoji.LookupEmoji(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to look up emoji %s: %w", name, err)
	} else if ref == nil {
		return nil, nil
	}
	asset, err := c.Assets.EnsureRegistered(ctx, *ref)
	if errors.Is(err, msgconv.ErrAssetUnavailable) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to register emoji %s: %w", name, err)
	}
	shortcode := html.EscapeString(":" + name + ":")
	return &token{
		html: fmt.Sprintf(`<img data-mx-emoticon src="%s" alt="%s" title="%s" height="32">`,
			html.EscapeString(asset.URI), shortcode, shortcode),
		plain: ":" + name + ":",
	}, nil
}

// escapeHTML matches goldmark's escaping of text nodes.
var escapeHTML = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;").Replace
