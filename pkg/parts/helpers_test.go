// Copyright 2024-2026 Aiku AI

package parts

import (
	"testing"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

func textUnit(body string) msgconv.Unit {
	return msgconv.Unit{Section: msgconv.SectionText, Content: msgconv.Text{Body: body}}
}

func imageUnit(name string) msgconv.Unit {
	return msgconv.Unit{Section: msgconv.SectionAttachments, Content: msgconv.Media{MediaKind: msgconv.KindImage, Ref: name, Name: name}}
}

func embedUnit(body string) msgconv.Unit {
	return msgconv.Unit{Section: msgconv.SectionEmbeds, Content: msgconv.Notice{Body: body}}
}

func stickerUnit(name string) msgconv.Unit {
	return msgconv.Unit{Section: msgconv.SectionStickers, Content: msgconv.Sticker{Ref: name, Name: name}}
}

func partFor(targetID string, u msgconv.Unit, ordinal, reactionOrdinal int) Part {
	cat := u.Category()
	return Part{
		SourceID:        "src",
		TargetID:        targetID,
		Ordinal:         ordinal,
		ReactionOrdinal: reactionOrdinal,
		Type:            cat.Type,
		Subkind:         cat.Subkind,
		Section:         u.Section,
		Body:            u.Body(),
	}
}

// outcome applies a plan to the old part set the way the Applier would and
// returns the resulting parts.
func outcome(old []Existing, plan *Plan) []Part {
	redacted := make(map[string]bool)
	for _, p := range plan.Redact {
		redacted[p.TargetID] = true
	}
	var out []Part
	for _, e := range old {
		if !redacted[e.Part.TargetID] {
			out = append(out, e.Part)
		}
	}
	for _, promo := range plan.Promotions {
		for i := range out {
			if out[i].TargetID == promo.TargetID {
				apply(&out[i], promo)
			}
		}
	}
	for i, c := range plan.Create {
		out = append(out, Part{
			TargetID:        "new" + string(rune('a'+i)),
			Ordinal:         c.Ordinal,
			ReactionOrdinal: c.ReactionOrdinal,
		})
	}
	return out
}

func checkInvariant(t *testing.T, label string, all []Part) {
	t.Helper()
	if len(all) == 0 {
		return
	}
	primaries, anchors := 0, 0
	for _, p := range all {
		if p.Ordinal == 0 {
			primaries++
		}
		if p.ReactionOrdinal == 0 {
			anchors++
		}
	}
	if primaries != 1 || anchors != 1 {
		t.Errorf("%s: got %d primaries and %d reaction anchors, want 1 and 1: %+v", label, primaries, anchors, all)
	}
}
