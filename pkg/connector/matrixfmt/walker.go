// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/aiku/mattermost-bridge/pkg/connector/emoji"
	"github.com/aiku/mattermost-bridge/pkg/mention"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

const (
	phOpen  = "\uE000"
	phClose = "\uE001"
)

var placeholderRe = regexp.MustCompile(`\x{E000}([0-9]+)\x{E001}`)

// token is text inserted verbatim after escaping. Custom emoji are resolved
// only after the walk, once it is known which of them trail the message.
type token struct {
	literal string
	emoji   *msgconv.EmojiRef
}

type walker struct {
	ctx        context.Context
	c          *converter
	tokens     []token
	mentions   []string
	seen       map[string]bool
	quoteDepth int
	listDepth  int
}

func newWalker(ctx context.Context, c *converter) *walker {
	return &walker{ctx: ctx, c: c, seen: make(map[string]bool)}
}

func (w *walker) add(t token) string {
	w.tokens = append(w.tokens, t)
	return phOpen + strconv.Itoa(len(w.tokens)-1) + phClose
}

func (w *walker) mention(e mention.Entry) string {
	if !w.seen[e.Identifier] {
		w.seen[e.Identifier] = true
		w.mentions = append(w.mentions, e.Identifier)
	}
	return w.add(token{literal: "@" + e.Identifier})
}

// html converts a formatted body to markdown with placeholders.
func (w *walker) html(body string) (string, error) {
	nodes, err := html.ParseFragment(strings.NewReader(body), &html.Node{
		Type:     html.ElementNode,
		Data:     "div",
		DataAtom: atom.Div,
	})
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}
	var b strings.Builder
	for _, n := range nodes {
		if err = w.walk(&b, n); err != nil {
			return "", err
		}
	}
	return tidy(b.String()), nil
}

// plain converts an unformatted body to markdown with placeholders.
func (w *walker) plain(body string) string {
	return tidy(w.text(body, true, true))
}

var blankRunRe = regexp.MustCompile(`\n{3,}`)

func tidy(s string) string {
	return strings.TrimSpace(blankRunRe.ReplaceAllString(s, "\n\n"))
}

func atLineStart(b *strings.Builder) bool {
	s := b.String()
	return s == "" || s[len(s)-1] == '\n'
}

// block makes sure the next output starts a new paragraph.
func block(b *strings.Builder) {
	s := b.String()
	switch {
	case s == "", strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		b.WriteByte('\n')
	default:
		b.WriteString("\n\n")
	}
}

func (w *walker) children(b *strings.Builder, n *html.Node) error {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if err := w.walk(b, child); err != nil {
			return err
		}
	}
	return nil
}

func (w *walker) sub(n *html.Node) (string, error) {
	var b strings.Builder
	err := w.children(&b, n)
	return b.String(), err
}

func (w *walker) walk(b *strings.Builder, n *html.Node) error {
	switch n.Type {
	case html.TextNode:
		if strings.TrimSpace(n.Data) == "" && strings.Contains(n.Data, "\n") {
			return nil
		}
		b.WriteString(w.text(n.Data, atLineStart(b), false))
		return nil
	case html.ElementNode:
	default:
		return w.children(b, n)
	}

	switch n.DataAtom {
	case atom.P, atom.Div:
		block(b)
		if err := w.children(b, n); err != nil {
			return err
		}
		b.WriteString("\n\n")
	case atom.Br:
		b.WriteByte('\n')
	case atom.Strong, atom.B:
		return w.inline(b, n, "**")
	case atom.Em, atom.I:
		return w.inline(b, n, "_")
	case atom.Del, atom.S, atom.Strike:
		return w.inline(b, n, "~~")
	case atom.Code:
		b.WriteString(inlineCode(textContent(n)))
	case atom.Pre:
		block(b)
		lang := ""
		if code := firstChild(n, atom.Code); code != nil {
			lang = strings.TrimPrefix(attr(code, "class"), "language-")
		}
		b.WriteString("```" + lang + "\n" + strings.TrimRight(textContent(n), "\n") + "\n```\n\n")
	case atom.A:
		return w.link(b, n)
	case atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6:
		block(b)
		level := int(n.Data[1] - '0')
		b.WriteString(strings.Repeat("#", level) + " ")
		if err := w.children(b, n); err != nil {
			return err
		}
		b.WriteString("\n\n")
	case atom.Ul, atom.Ol:
		return w.list(b, n)
	case atom.Blockquote:
		return w.blockquote(b, n)
	case atom.Table:
		return w.table(b, n)
	case atom.Hr:
		block(b)
		b.WriteString("---\n\n")
	case atom.Img:
		w.image(b, n)
	default:
		if n.Data == "mx-reply" {
			return nil
		}
		return w.children(b, n)
	}
	return nil
}

func (w *walker) inline(b *strings.Builder, n *html.Node, marker string) error {
	b.WriteString(marker)
	if err := w.children(b, n); err != nil {
		return err
	}
	b.WriteString(marker)
	return nil
}

func inlineCode(s string) string {
	if strings.Contains(s, "`") {
		return "`` " + s + " ``"
	}
	return "`" + s + "`"
}

func (w *walker) link(b *strings.Builder, n *html.Node) error {
	href := attr(n, "href")
	if mxid, ok := parseUserPill(href); ok {
		entry, err := w.member(mxid)
		if err != nil {
			return err
		}
		if entry != nil {
			b.WriteString(w.mention(*entry))
			return nil
		}
	}
	text, err := w.sub(n)
	if err != nil {
		return err
	}
	switch {
	case href == "":
		b.WriteString(text)
	case textContent(n) == href || "mailto:"+textContent(n) == href:
		b.WriteString(href)
	default:
		b.WriteString("[" + text + "](" + strings.ReplaceAll(href, ")", "%29") + ")")
	}
	return nil
}

func (w *walker) member(mxid string) (*mention.Entry, error) {
	if w.c.Roster == nil {
		return nil, nil
	}
	entry, err := w.c.Roster.GetMember(w.ctx, mxid)
	if err != nil {
		return nil, fmt.Errorf("failed to look up %s: %w", mxid, err)
	}
	return entry, nil
}

const matrixToPrefix = "https://matrix.to/#/"

func parseUserPill(href string) (string, bool) {
	if !strings.HasPrefix(href, matrixToPrefix) {
		return "", false
	}
	target := strings.TrimPrefix(href, matrixToPrefix)
	if idx := strings.IndexAny(target, "?/"); idx >= 0 {
		target = target[:idx]
	}
	if unescaped, err := url.PathUnescape(target); err == nil {
		target = unescaped
	}
	if !strings.HasPrefix(target, "@") || !strings.Contains(target, ":") {
		return "", false
	}
	return target, true
}

func (w *walker) list(b *strings.Builder, n *html.Node) error {
	if w.listDepth == 0 {
		block(b)
	} else if !atLineStart(b) {
		b.WriteByte('\n')
	}
	ordered := n.DataAtom == atom.Ol
	num := 1
	if start, err := strconv.Atoi(attr(n, "start")); err == nil {
		num = start
	}
	w.listDepth++
	defer func() { w.listDepth-- }()
	for item := n.FirstChild; item != nil; item = item.NextSibling {
		if item.Type != html.ElementNode || item.DataAtom != atom.Li {
			continue
		}
		prefix := "- "
		if ordered {
			prefix = strconv.Itoa(num) + ". "
			num++
		}
		content, err := w.sub(item)
		if err != nil {
			return err
		}
		lines := strings.Split(strings.Trim(content, "\n"), "\n")
		indent := strings.Repeat(" ", len(prefix))
		for i, line := range lines {
			if i == 0 {
				b.WriteString(prefix + line + "\n")
			} else if line != "" {
				b.WriteString(indent + line + "\n")
			}
		}
	}
	if w.listDepth == 1 {
		b.WriteByte('\n')
	}
	return nil
}

func (w *walker) blockquote(b *strings.Builder, n *html.Node) error {
	w.quoteDepth++
	content, err := w.sub(n)
	w.quoteDepth--
	if err != nil {
		return err
	}
	marker := "> "
	if w.quoteDepth > 0 {
		marker = "↳ "
	}
	lines := strings.Split(tidy(content), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(marker+line, " ")
	}
	if w.quoteDepth > 0 {
		if !atLineStart(b) {
			b.WriteByte('\n')
		}
		b.WriteString(strings.Join(lines, "\n") + "\n")
		return nil
	}
	block(b)
	b.WriteString(strings.Join(lines, "\n") + "\n\n")
	return nil
}

func (w *walker) table(b *strings.Builder, n *html.Node) error {
	var rows [][]string
	var walkRows func(*html.Node) error
	walkRows = func(parent *html.Node) error {
		for child := parent.FirstChild; child != nil; child = child.NextSibling {
			if child.Type != html.ElementNode {
				continue
			}
			switch child.DataAtom {
			case atom.Thead, atom.Tbody, atom.Tfoot:
				if err := walkRows(child); err != nil {
					return err
				}
			case atom.Tr:
				var row []string
				for cell := child.FirstChild; cell != nil; cell = cell.NextSibling {
					if cell.Type != html.ElementNode || (cell.DataAtom != atom.Td && cell.DataAtom != atom.Th) {
						continue
					}
					text, err := w.sub(cell)
					if err != nil {
						return err
					}
					row = append(row, strings.Join(strings.Fields(text), " "))
				}
				rows = append(rows, row)
			}
		}
		return nil
	}
	if err := walkRows(n); err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	cols := 0
	for _, row := range rows {
		cols = max(cols, len(row))
	}
	block(b)
	writeRow := func(row []string) {
		cells := make([]string, cols)
		copy(cells, row)
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	writeRow(rows[0])
	sep := make([]string, cols)
	for i := range sep {
		sep[i] = "---"
	}
	writeRow(sep)
	for _, row := range rows[1:] {
		writeRow(row)
	}
	b.WriteByte('\n')
	return nil
}

func (w *walker) image(b *strings.Builder, n *html.Node) {
	src := attr(n, "src")
	if hasAttr(n, "data-mx-emoticon") {
		name := EmojiName(attr(n, "alt"), attr(n, "title"))
		if name != "" {
			if _, known := emoji.Unicode(name); known {
				b.WriteString(":" + name + ":")
			} else {
				b.WriteString(w.add(token{emoji: &msgconv.EmojiRef{Name: name, ID: src, URL: w.c.mediaURL(src)}}))
			}
			return
		}
	}
	alt := attr(n, "alt")
	if alt == "" {
		alt = "image"
	}
	if link := w.c.mediaURL(src); link != "" {
		b.WriteString("[" + escapeText(alt) + "](" + link + ")")
	} else {
		b.WriteString(escapeText(alt))
	}
}

var emojiNameRe = regexp.MustCompile(`[^a-z0-9_+\-]+`)

// EmojiName derives a Mattermost emoji name from the alt or title of a
// Matrix emoticon image.
func EmojiName(alt, title string) string {
	for _, candidate := range []string{alt, title} {
		name := strings.ToLower(strings.Trim(strings.TrimSpace(candidate), ":"))
		name = strings.Trim(emojiNameRe.ReplaceAllString(name, "_"), "_")
		if name != "" {
			return name
		}
	}
	return ""
}

// text escapes a text node, rewriting free-text mentions first. Bare links
// are kept verbatim.
func (w *walker) text(s string, lineStart, keepNewlines bool) string {
	if !keepNewlines {
		s = strings.ReplaceAll(s, "\n", " ")
	}
	s = w.protectURLs(s)
	if w.c.FuzzyMentions && strings.Contains(s, "@") {
		s, _ = mention.Rewrite(s, w.c.roster, w.mention)
	}
	return escape(s, lineStart)
}

var bareURLRe = regexp.MustCompile(`(?i)\b(?:https?://|ftp://|www\.)[^\s<>\x{E000}\x{E001}]+`)

// protectURLs moves bare links into tokens so the autolinker sees them
// unescaped. Trailing punctuation and unbalanced closing parentheses stay
// outside the link, as they do for the autolinker.
func (w *walker) protectURLs(s string) string {
	return bareURLRe.ReplaceAllStringFunc(s, func(u string) string {
		link, rest := trimLinkEnd(u)
		return w.add(token{literal: link}) + rest
	})
}

func trimLinkEnd(u string) (link, rest string) {
	end := len(u)
	for end > 0 {
		switch c := u[end-1]; {
		case strings.IndexByte(`?!.,:;*_~'"`, c) >= 0:
			end--
		case c == ')' && strings.Count(u[:end], "(") < strings.Count(u[:end], ")"):
			end--
		default:
			return u[:end], u[end:]
		}
	}
	return u[:end], u[end:]
}

var escaper = strings.NewReplacer(
	`\`, `\\`,
	"*", `\*`,
	"_", `\_`,
	"`", "\\`",
	"[", `\[`,
	"]", `\]`,
	"|", `\|`,
)

func escapeText(s string) string {
	return escaper.Replace(s)
}

// escape escapes markdown syntax in literal text. The first line is only
// treated as a line start when lineStart is set. Tildes are left alone.
func escape(s string, lineStart bool) string {
	lines := strings.Split(escaper.Replace(s), "\n")
	for i, line := range lines {
		if i > 0 || lineStart {
			lines[i] = escapeLineStart(line)
		}
	}
	return strings.Join(lines, "\n")
}

var lineStartRe = regexp.MustCompile(`^[ \t]*(?:(#{1,6})(?:[ \t]|$)|(>)|([+\-])(?:[ \t]|$)|[0-9]+(\.)(?:[ \t]|$))`)

func escapeLineStart(line string) string {
	m := lineStartRe.FindStringSubmatchIndex(line)
	if m == nil {
		return line
	}
	for g := 1; g <= 4; g++ {
		if start := m[2*g]; start >= 0 {
			return line[:start] + `\` + line[start:]
		}
	}
	return line
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func firstChild(n *html.Node, a atom.Atom) *html.Node {
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		if child.Type == html.ElementNode && child.DataAtom == a {
			return child
		}
	}
	return nil
}

func textContent(n *html.Node) string {
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		b.WriteString(textContent(child))
	}
	return b.String()
}
