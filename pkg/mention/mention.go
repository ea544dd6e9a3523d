// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package mention finds the room member a free-text "@fragment" refers to.
//
// Every roster entry is scored twice, once against its identifier (the
// username) and once against its display name, and the best score over the
// whole roster wins. Matches scoring [Threshold] or less are rejected so that
// short common words after an @ do not ping anyone.
package mention

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Threshold is the exclusive minimum score for a match to be accepted.
const Threshold = 4.0

// Entry is one roster member.
type Entry struct {
	// ID is the platform-native ID written into the mention token.
	ID string
	// Identifier is the unique handle (username or localpart).
	Identifier  string
	DisplayName string
}

// Match is the best-scoring roster entry for an input.
type Match struct {
	Entry Entry
	Score float64
	// Length is the number of input bytes covered by the mention.
	Length int
}

// Score returns the better of the identifier and display name scores and
// the number of input bytes that score covers.
func Score(input string, entry Entry) (float64, int) {
	idScore, idLen := IdentifierScore(input, entry)
	nameScore, nameLen := DisplayNameScore(input, entry.DisplayName)
	if nameScore > idScore {
		return nameScore, nameLen
	}
	return idScore, idLen
}

// Best scores input against every roster entry. The first entry wins ties.
// ok is false when nothing scores above Threshold.
func Best(input string, roster []Entry) (match Match, ok bool) {
	for _, entry := range roster {
		score, length := Score(input, entry)
		if score > match.Score {
			match = Match{Entry: entry, Score: score, Length: length}
		}
	}
	return match, match.Score > Threshold
}

// IdentifierScore matches the start of input character by character against
// the lowercased identifier. A match covering the whole identifier scores
// 2×len+1 plus a small bonus favouring short display names, a partial match
// at the start of the identifier scores 2×len and a match further inside the
// identifier scores len.
func IdentifierScore(input string, entry Entry) (float64, int) {
	ident := []rune(strings.ToLower(entry.Identifier))
	if len(ident) == 0 || input == "" {
		return 0, 0
	}
	in := []rune(input)
	if len(in) > len(ident) {
		in = in[:len(ident)]
	}
	lowered := make([]rune, len(in))
	for i, r := range in {
		lowered[i] = unicode.ToLower(r)
	}

	for n := len(lowered); n > 0; n-- {
		pos := indexRunes(ident, lowered[:n])
		if pos < 0 {
			continue
		}
		length := len(string(in[:n]))
		switch {
		case pos == 0 && n == len(ident):
			return float64(2*n+1) + lengthBonus(entry.DisplayName, len(ident)), length
		case pos == 0:
			return float64(2 * n), length
		default:
			return float64(n), length
		}
	}
	return 0, 0
}

// lengthBonus is a tiebreaker below 1 that prefers entries whose display
// name is not much longer than the identifier.
func lengthBonus(displayName string, identLen int) float64 {
	nameLen := utf8.RuneCountInString(displayName)
	return 1 / (1 + math.Ceil(float64(nameLen)/float64(identLen)))
}

func indexRunes(haystack, needle []rune) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

type token struct {
	text       string
	start, end int
}

// tokenize splits s into lowercased runs of letters and digits. Whitespace,
// underscores and punctuation are all boundaries.
func tokenize(s string) []token {
	var tokens []token
	start := -1
	for i, r := range s {
		isWord := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case isWord && start < 0:
			start = i
		case !isWord && start >= 0:
			tokens = append(tokens, token{text: strings.ToLower(s[start:i]), start: start, end: i})
			start = -1
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{text: strings.ToLower(s[start:]), start: start, end: len(s)})
	}
	return tokens
}

func decay(pos int) float64 {
	return math.Max(0.33, 1.33-float64(pos)/3)
}

// DisplayNameScore walks the input tokens in order and matches each one as a
// prefix of a later display name token. Matches close to the start of the
// name weigh more. The walk stops at the first input token without a match.
func DisplayNameScore(input, displayName string) (float64, int) {
	nameTokens := tokenize(displayName)
	if len(nameTokens) == 0 {
		return 0, 0
	}
	inTokens := tokenize(input)
	if len(inTokens) == 0 || inTokens[0].start != 0 {
		return 0, 0
	}

	var score float64
	pos, firstName, consumed, end := -1, -1, 0, 0
	for _, it := range inTokens {
		found := -1
		for j := pos + 1; j < len(nameTokens); j++ {
			if strings.HasPrefix(nameTokens[j].text, it.text) {
				found = j
				break
			}
		}
		if found < 0 {
			break
		}
		if firstName < 0 {
			firstName = found
		}
		score += float64(utf8.RuneCountInString(it.text)) * decay(found)
		pos = found
		consumed++
		end = it.end
	}
	if consumed == 0 {
		return 0, 0
	}
	if firstName == 0 {
		score *= 2
	}
	if consumed == len(nameTokens) {
		score++
	}
	return score, end
}

// Rewrite replaces every accepted @mention in text with render(entry) and
// returns the distinct entries that were mentioned, in order of appearance.
// An @ only starts a mention at the beginning of the text or after a
// character that cannot be part of a word.
func Rewrite(text string, roster []Entry, render func(Entry) string) (string, []Entry) {
	if len(roster) == 0 || !strings.Contains(text, "@") {
		return text, nil
	}
	var out strings.Builder
	var found []Entry
	seen := make(map[string]bool)
	prev := rune(-1)
	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if r == '@' && !isWordRune(prev) {
			if m, ok := Best(text[i+size:], roster); ok && m.Length > 0 {
				out.WriteString(render(m.Entry))
				if !seen[m.Entry.ID] {
					seen[m.Entry.ID] = true
					found = append(found, m.Entry)
				}
				i += size + m.Length
				prev, _ = utf8.DecodeLastRuneInString(text[:i])
				continue
			}
		}
		out.WriteRune(r)
		prev = r
		i += size
	}
	return out.String(), found
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
