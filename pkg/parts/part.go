// Copyright 2024-2026 Aiku AI

// Package parts maps one bridged source message onto the set of target-side
// events it produced, and keeps that mapping correct across edits.
//
// Every non-empty part set has exactly one part with Ordinal 0 (the primary
// part that replies and edits point at) and exactly one part with
// ReactionOrdinal 0 (where mirrored reactions attach). [Assign] establishes
// this for new messages and [Reconcile] repairs it after edits.
package parts

import (
	"context"
	"errors"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// ErrNoParts is returned when an operation needs the parts of a source
// message but the registry has none.
var ErrNoParts = errors.New("no parts registered for message")

// Origin is the platform a source message was first sent on.
type Origin string

const (
	OriginMattermost Origin = "mattermost"
	OriginMatrix     Origin = "matrix"
)

// Part is the durable mapping of one content unit to its target-side ID.
type Part struct {
	SourceID        string
	TargetID        string
	Ordinal         int
	ReactionOrdinal int
	Type            string
	Subkind         string
	Section         msgconv.Section
	Origin          Origin
	// Body is the text body as last sent, used when the live body cannot be
	// fetched from the target.
	Body string
}

// Category returns the pairing category stored on the part.
func (p Part) Category() msgconv.Category {
	return msgconv.Category{Type: p.Type, Subkind: p.Subkind}
}

// Registry is the durable store of parts. Implementations must commit each
// call on its own; callers rely on that to stay consistent after a partial
// failure.
type Registry interface {
	// GetParts returns the parts of a source message in creation order.
	GetParts(ctx context.Context, sourceID string) ([]Part, error)
	// GetPart returns nil without error when the target ID is unknown.
	GetPart(ctx context.Context, targetID string) (*Part, error)
	UpsertPart(ctx context.Context, part Part) error
	DeletePart(ctx context.Context, targetID string) error
	// FindReplyTarget returns the primary part of a source message, or nil.
	FindReplyTarget(ctx context.Context, sourceID string) (*Part, error)
}

// Field selects which ordinal a Promotion changes.
type Field int

const (
	FieldOrdinal Field = iota
	FieldReactionOrdinal
)

func (f Field) String() string {
	if f == FieldReactionOrdinal {
		return "reaction_ordinal"
	}
	return "ordinal"
}

// Promotion sets one ordinal of an existing part.
type Promotion struct {
	TargetID string
	Field    Field
	Value    int
}

func apply(p *Part, promo Promotion) {
	switch promo.Field {
	case FieldOrdinal:
		p.Ordinal = promo.Value
	case FieldReactionOrdinal:
		p.ReactionOrdinal = promo.Value
	}
}
