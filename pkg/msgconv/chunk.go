// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultChunkSize is the character budget for one text unit when the
// configuration does not set one.
const DefaultChunkSize = 2000

var tokenRe = regexp.MustCompile(`\S+\s*|\s+`)

// Chunk splits text into pieces of at most limit characters. Splits happen
// between whitespace-delimited tokens; the whitespace at a split point is
// dropped. A single token longer than limit is split by character. Text that
// already fits is returned unchanged.
func Chunk(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	return chunkTokens(tokenRe.FindAllString(text, -1), limit)
}

func chunkTokens(tokens []string, limit int) []string {
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		s := strings.TrimRightFunc(cur.String(), unicode.IsSpace)
		if s != "" {
			chunks = append(chunks, s)
		}
		cur.Reset()
		curLen = 0
	}

	for _, tok := range tokens {
		n := utf8.RuneCountInString(tok)
		if curLen+n <= limit {
			cur.WriteString(tok)
			curLen += n
			continue
		}
		word := strings.TrimRightFunc(tok, unicode.IsSpace)
		wordLen := utf8.RuneCountInString(word)
		if curLen+wordLen <= limit {
			cur.WriteString(word)
			flush()
			continue
		}
		flush()
		runes := []rune(tok)
		for len(runes) > limit {
			chunks = append(chunks, string(runes[:limit]))
			runes = runes[limit:]
		}
		cur.WriteString(string(runes))
		curLen = len(runes)
	}
	flush()
	return chunks
}

var (
	anyFenceRe  = regexp.MustCompile("(?m)^ {0,3}(?:```|~~~)")
	fenceLineRe = regexp.MustCompile("^ {0,3}(`{3,}|~{3,})(.*)$")
)

// fence is a fenced code block that is still open.
type fence struct {
	marker string
	// opening is the opening line, used to reopen the block in a new chunk.
	opening string
}

// scanFence follows fence lines through s and returns the block still open
// at its end, starting from open.
func scanFence(s string, open *fence) *fence {
	for _, line := range strings.Split(s, "\n") {
		m := fenceLineRe.FindStringSubmatch(line)
		switch {
		case m == nil:
		case open == nil:
			if m[1][0] == '`' && strings.Contains(m[2], "`") {
				continue
			}
			open = &fence{marker: m[1], opening: strings.TrimSpace(line)}
		case m[1][0] == open.marker[0] && len(m[1]) >= len(open.marker) && strings.TrimSpace(m[2]) == "":
			open = nil
		}
	}
	return open
}

// ChunkMarkdown is Chunk for markdown text. Lines of fenced code blocks are
// only split at line ends, and a block cut by a split is closed at the end
// of one chunk and reopened with its info string at the start of the next.
func ChunkMarkdown(text string, limit int) []string {
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit || !anyFenceRe.MatchString(text) {
		return Chunk(text, limit)
	}

	var tokens []string
	reserve := 0
	var open *fence
	for _, line := range strings.SplitAfter(text, "\n") {
		if line == "" {
			continue
		}
		wasOpen := open != nil
		open = scanFence(strings.TrimSuffix(line, "\n"), open)
		if !wasOpen && open == nil {
			tokens = append(tokens, tokenRe.FindAllString(line, -1)...)
			continue
		}
		tokens = append(tokens, line)
		if !wasOpen {
			// Room for reopening and closing the block.
			reserve = max(reserve, utf8.RuneCountInString(open.opening)+len(open.marker)+2)
		}
	}
	return reopenFences(chunkTokens(tokens, max(limit-reserve, limit/2)))
}

func reopenFences(chunks []string) []string {
	out := make([]string, 0, len(chunks))
	var open *fence
	for _, chunk := range chunks {
		if open != nil {
			first, rest, _ := strings.Cut(chunk, "\n")
			if scanFence(first, open) == nil {
				// The block closes right where the previous chunk closed it.
				chunk = rest
			} else {
				chunk = open.opening + "\n" + chunk
			}
		}
		open = scanFence(chunk, nil)
		if open != nil {
			idx := strings.LastIndexByte(chunk, '\n')
			head := chunk[:max(idx, 0)]
			if idx < 0 || scanFence(head, nil) == nil {
				// The block opens on the last line; move it to the next chunk.
				chunk = strings.TrimRightFunc(head, unicode.IsSpace)
			} else {
				chunk += "\n" + open.marker
			}
		}
		if strings.TrimSpace(chunk) != "" {
			out = append(out, chunk)
		}
	}
	return out
}

var spaceRunRe = regexp.MustCompile(`\s+`)

// Preview collapses whitespace and shortens text to about max characters,
// cutting at a word boundary and appending an ellipsis when shortened.
func Preview(text string, max int) string {
	text = strings.TrimSpace(spaceRunRe.ReplaceAllString(text, " "))
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	cut := string(runes[:max])
	if idx := strings.LastIndexByte(cut, ' '); idx > len(cut)/2 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	}) + "…"
}

// StripReplyFallback removes a leading block of quote lines and the blank
// lines after it. Bodies that consist only of quote lines are returned
// unchanged.
func StripReplyFallback(body string) string {
	lines := strings.Split(body, "\n")
	i := 0
	for i < len(lines) && strings.HasPrefix(lines[i], ">") {
		i++
	}
	if i == 0 || i == len(lines) {
		return body
	}
	for i < len(lines) && strings.TrimSpace(lines[i]) == "" {
		i++
	}
	return strings.Join(lines[i:], "\n")
}
