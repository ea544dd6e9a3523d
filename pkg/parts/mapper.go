// Copyright 2024-2026 Aiku AI

package parts

import "github.com/aiku/mattermost-bridge/pkg/msgconv"

// Assignment is a unit of a new message together with its ordinals.
type Assignment struct {
	Unit            msgconv.Unit
	Index           int
	Ordinal         int
	ReactionOrdinal int
}

// Assign gives ordinals to the units of a newly bridged message. The primary
// part is the first plain text unit, falling back to the first regular
// message unit and then to the first unit. The reaction anchor is the last
// unit.
func Assign(units []msgconv.Unit) []Assignment {
	if len(units) == 0 {
		return nil
	}
	cats := make([]msgconv.Category, len(units))
	for i, u := range units {
		cats[i] = u.Category()
	}
	primary := pickRanked(cats, false)
	out := make([]Assignment, len(units))
	for i, u := range units {
		out[i] = Assignment{Unit: u, Index: i, Ordinal: 1, ReactionOrdinal: 1}
	}
	out[primary].Ordinal = 0
	out[len(out)-1].ReactionOrdinal = 0
	return out
}

// rank orders candidates for promotion: regular messages before stickers
// and polls, plain text before other message types.
func rank(c msgconv.Category) int {
	r := 0
	if c.IsPrimaryType() {
		r += 2
	}
	if c.IsPlainText() {
		r++
	}
	return r
}

// pickRanked returns the index of the best-ranked category. Ties go to the
// first candidate, or to the last one when preferLast is set.
func pickRanked(cats []msgconv.Category, preferLast bool) int {
	best, bestRank := -1, -1
	for i, c := range cats {
		r := rank(c)
		if r > bestRank || (preferLast && r == bestRank) {
			best, bestRank = i, r
		}
	}
	return best
}
