// Copyright 2024-2026 Aiku AI

package parts

import (
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// Existing is a registered part together with what the target currently
// shows for it.
type Existing struct {
	Part Part
	// LiveBody is the body currently visible on the target. When empty the
	// stored Part.Body is used instead.
	LiveBody     string
	HasReactions bool
}

func (e Existing) body() string {
	if e.LiveBody != "" {
		return e.LiveBody
	}
	return e.Part.Body
}

// Options tune one reconciliation.
type Options struct {
	// Partial marks a system-generated update that only represents the
	// sections listed in Touched. Parts and units of other sections are
	// left alone.
	Partial bool
	Touched []msgconv.Section
	// Editable reports whether the target can edit content of a category in
	// place. Defaults to DefaultEditable.
	Editable func(msgconv.Category) bool
}

// DefaultEditable allows in-place edits of text-like messages only. Paired
// media, stickers and polls are kept as they are.
func DefaultEditable(c msgconv.Category) bool {
	return c.IsText()
}

// Replace is an in-place edit of an existing part.
type Replace struct {
	Part Part
	// Inner is the new content as carried inside a native edit.
	Inner msgconv.Unit
	// Fallback is the full rendering for clients that do not understand
	// edits. It is for targets that do not render one themselves; bridgev2
	// builds the same "* " body in SetEdit and Mattermost edits in place.
	Fallback msgconv.Unit
}

// Create is a unit that needs a new target-side event.
type Create struct {
	Unit            msgconv.Unit
	Index           int
	Ordinal         int
	ReactionOrdinal int
}

// Plan is the result of reconciling an edit.
type Plan struct {
	Replace    []Replace
	Redact     []Part
	Create     []Create
	Unchanged  []Part
	Promotions []Promotion
}

// NetworkOps returns how many target-side operations the plan needs.
// Promotions only touch the registry and are not counted.
func (p *Plan) NetworkOps() int {
	return len(p.Replace) + len(p.Redact) + len(p.Create)
}

// EditFallback returns the "* "-prefixed rendering of a text-like unit used
// as the visible body of an edit event.
func EditFallback(u msgconv.Unit) msgconv.Unit {
	switch c := u.Content.(type) {
	case msgconv.Text:
		c.Body = "* " + c.Body
		if c.HTML != "" {
			c.HTML = "* " + c.HTML
		}
		u.Content = c
	case msgconv.Notice:
		c.Body = "* " + c.Body
		if c.HTML != "" {
			c.HTML = "* " + c.HTML
		}
		u.Content = c
	}
	return u
}

type oldState int

const (
	stateUnpaired oldState = iota
	stateHeld
	stateUnchanged
	stateReplaced
)

// Reconcile computes the operations that turn the old part set into one
// matching units. Inputs are not modified.
//
// Old parts and new units are paired by category, each new unit taking the
// first remaining old part of the same category. Unpaired units are created
// and unpaired old parts redacted. Pairs the target cannot edit, and text
// pairs whose body did not change, are left alone. Finally the ordinal
// invariants are repaired with promotions.
//
// Units out of section order return msgconv.ErrSectionOrder.
func Reconcile(old []Existing, units []msgconv.Unit, opts Options) (*Plan, error) {
	if err := msgconv.CheckOrder(units); err != nil {
		return nil, err
	}
	editable := opts.Editable
	if editable == nil {
		editable = DefaultEditable
	}
	touched := make(map[msgconv.Section]bool, len(opts.Touched))
	for _, s := range opts.Touched {
		touched[s] = true
	}

	states := make([]oldState, len(old))
	buckets := make(map[msgconv.Category][]int)
	for i, e := range old {
		if opts.Partial && !touched[e.Part.Section] {
			states[i] = stateHeld
			continue
		}
		cat := e.Part.Category()
		buckets[cat] = append(buckets[cat], i)
	}

	plan := &Plan{}
	for ui, u := range units {
		if opts.Partial && !touched[u.Section] {
			continue
		}
		cat := u.Category()
		queue := buckets[cat]
		if len(queue) == 0 {
			plan.Create = append(plan.Create, Create{Unit: u, Index: ui, Ordinal: 1, ReactionOrdinal: 1})
			continue
		}
		oi := queue[0]
		buckets[cat] = queue[1:]
		e := old[oi]
		switch {
		case !editable(cat):
			states[oi] = stateUnchanged
		case cat.IsText() && msgconv.StripReplyFallback(e.body()) == msgconv.StripReplyFallback(u.Body()):
			states[oi] = stateUnchanged
		default:
			states[oi] = stateReplaced
			plan.Replace = append(plan.Replace, Replace{Part: e.Part, Inner: u, Fallback: EditFallback(u)})
		}
	}

	var survivors []int
	for i, st := range states {
		switch st {
		case stateUnpaired:
			plan.Redact = append(plan.Redact, old[i].Part)
		case stateHeld, stateUnchanged:
			plan.Unchanged = append(plan.Unchanged, old[i].Part)
			survivors = append(survivors, i)
		case stateReplaced:
			survivors = append(survivors, i)
		}
	}

	plan.Promotions = append(plan.Promotions, repairOrdinal(old, survivors, plan.Create)...)
	plan.Promotions = append(plan.Promotions, repairReactionOrdinal(old, survivors, plan.Create)...)
	return plan, nil
}

func repairOrdinal(old []Existing, survivors []int, creates []Create) []Promotion {
	var promos []Promotion
	var holders []int
	for _, i := range survivors {
		if old[i].Part.Ordinal == 0 {
			holders = append(holders, i)
		}
	}
	switch {
	case len(holders) > 0:
		for _, i := range holders[1:] {
			promos = append(promos, Promotion{TargetID: old[i].Part.TargetID, Field: FieldOrdinal, Value: 1})
		}
	case len(survivors) > 0:
		best := survivors[pickRanked(categoriesOf(old, survivors), false)]
		promos = append(promos, Promotion{TargetID: old[best].Part.TargetID, Field: FieldOrdinal, Value: 0})
	case len(creates) > 0:
		cats := make([]msgconv.Category, len(creates))
		for i, c := range creates {
			cats[i] = c.Unit.Category()
		}
		creates[pickRanked(cats, false)].Ordinal = 0
	}
	return promos
}

func repairReactionOrdinal(old []Existing, survivors []int, creates []Create) []Promotion {
	var promos []Promotion
	var anchors []int
	for _, i := range survivors {
		if old[i].Part.ReactionOrdinal == 0 {
			anchors = append(anchors, i)
		}
	}
	if len(anchors) > 0 {
		for _, i := range anchors[:len(anchors)-1] {
			promos = append(promos, Promotion{TargetID: old[i].Part.TargetID, Field: FieldReactionOrdinal, Value: 1})
		}
		anchor := old[anchors[len(anchors)-1]]
		if len(creates) > 0 && !anchor.HasReactions {
			promos = append(promos, Promotion{TargetID: anchor.Part.TargetID, Field: FieldReactionOrdinal, Value: 1})
			creates[len(creates)-1].ReactionOrdinal = 0
		}
		return promos
	}
	switch {
	case len(creates) > 0:
		creates[len(creates)-1].ReactionOrdinal = 0
	case len(survivors) > 0:
		best := survivors[pickRanked(categoriesOf(old, survivors), true)]
		promos = append(promos, Promotion{TargetID: old[best].Part.TargetID, Field: FieldReactionOrdinal, Value: 0})
	}
	return promos
}

func categoriesOf(old []Existing, idx []int) []msgconv.Category {
	cats := make([]msgconv.Category, len(idx))
	for i, oi := range idx {
		cats[i] = old[oi].Part.Category()
	}
	return cats
}
