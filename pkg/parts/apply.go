// Copyright 2024-2026 Aiku AI

package parts

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// CreateRequest is one unit to send to the target platform.
type CreateRequest struct {
	Unit msgconv.Unit
	// Key is stable across retries of the same unit and may be used by the
	// target for deduplication.
	Key string
	// Primary is set for the unit that becomes Ordinal 0.
	Primary bool
	Reply   msgconv.ReplyLink
}

// Target performs platform operations for one destination.
type Target interface {
	// Create sends a unit and returns the target-side ID.
	Create(ctx context.Context, req CreateRequest) (string, error)
	Edit(ctx context.Context, targetID string, edit Replace) error
	Delete(ctx context.Context, targetID string) error
}

// Live is what the target currently shows for a part.
type Live struct {
	Body         string
	HasReactions bool
}

// Inspector is implemented by targets that can report the live state of a
// part. Without it the stored body is used and reactions are assumed absent.
type Inspector interface {
	Inspect(ctx context.Context, targetID string) (Live, error)
}

// Applier executes part operations against a target and keeps the registry
// in step, committing after every single operation.
type Applier struct {
	Registry Registry
	Target   Target
	Origin   Origin
	Metrics  *Metrics
}

// OperationKey derives the idempotency key of the unit at index of a source
// message.
func OperationKey(sourceID string, index int, u msgconv.Unit) string {
	name := sourceID + "\x00" + u.Section.String() + "\x00" + strconv.Itoa(index)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// Load returns the registered parts of a source message with their live
// state filled in where the target can provide it.
func (a *Applier) Load(ctx context.Context, sourceID string) ([]Existing, error) {
	all, err := a.Registry.GetParts(ctx, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to get parts: %w", err)
	}
	out := make([]Existing, len(all))
	inspector, _ := a.Target.(Inspector)
	for i, p := range all {
		out[i] = Existing{Part: p}
		if inspector == nil {
			continue
		}
		live, err := inspector.Inspect(ctx, p.TargetID)
		if err != nil {
			// Keep the anchor where it is if we can't tell.
			zerolog.Ctx(ctx).Warn().Err(err).Str("target_id", p.TargetID).Msg("Failed to inspect part, using stored body")
			out[i].HasReactions = true
			continue
		}
		out[i].LiveBody = live.Body
		out[i].HasReactions = live.HasReactions
	}
	return out, nil
}

// Send bridges a new message: every unit is created in order and registered
// as soon as the target accepts it.
func (a *Applier) Send(ctx context.Context, sourceID string, units []msgconv.Unit, reply msgconv.ReplyLink) ([]Part, error) {
	if err := msgconv.CheckOrder(units); err != nil {
		return nil, err
	}
	assigned := Assign(units)
	created := make([]Part, 0, len(assigned))
	for _, as := range assigned {
		part, err := a.create(ctx, sourceID, Create{
			Unit:            as.Unit,
			Index:           as.Index,
			Ordinal:         as.Ordinal,
			ReactionOrdinal: as.ReactionOrdinal,
		}, reply)
		if err != nil {
			return created, err
		}
		created = append(created, part)
	}
	return created, nil
}

// Apply executes a reconciliation plan: creates first so the message never
// looks empty, then edits, ordinal promotions and finally redactions.
func (a *Applier) Apply(ctx context.Context, sourceID string, plan *Plan, reply msgconv.ReplyLink) error {
	log := zerolog.Ctx(ctx).With().Str("source_id", sourceID).Logger()
	for _, c := range plan.Create {
		if _, err := a.create(ctx, sourceID, c, reply); err != nil {
			return err
		}
	}
	for _, r := range plan.Replace {
		err := a.Target.Edit(ctx, r.Part.TargetID, r)
		a.Metrics.observe("edit", err)
		if err != nil {
			return fmt.Errorf("failed to edit part %s: %w", r.Part.TargetID, err)
		}
		updated := r.Part
		updated.Body = r.Inner.Body()
		// Notices pair across the forwarded, components and embeds sections.
		updated.Section = r.Inner.Section
		if err = a.Registry.UpsertPart(ctx, updated); err != nil {
			return fmt.Errorf("failed to save edited part %s: %w", r.Part.TargetID, err)
		}
	}
	for _, promo := range plan.Promotions {
		part, err := a.Registry.GetPart(ctx, promo.TargetID)
		if err != nil {
			return fmt.Errorf("failed to get part %s: %w", promo.TargetID, err)
		} else if part == nil {
			log.Warn().Str("target_id", promo.TargetID).Msg("Promoted part disappeared from registry")
			continue
		}
		apply(part, promo)
		err = a.Registry.UpsertPart(ctx, *part)
		a.Metrics.observe("promote", err)
		if err != nil {
			return fmt.Errorf("failed to promote part %s: %w", promo.TargetID, err)
		}
	}
	for _, p := range plan.Redact {
		if err := a.remove(ctx, p); err != nil {
			return err
		}
	}
	log.Debug().
		Int("created", len(plan.Create)).
		Int("edited", len(plan.Replace)).
		Int("redacted", len(plan.Redact)).
		Int("promoted", len(plan.Promotions)).
		Msg("Applied edit plan")
	return nil
}

// Sync makes the target match units. A message without parts is sent from
// scratch, which also makes a retried send pick up where it failed.
func (a *Applier) Sync(ctx context.Context, sourceID string, units []msgconv.Unit, opts Options, reply msgconv.ReplyLink) (*Plan, error) {
	old, err := a.Load(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	plan, err := Reconcile(old, units, opts)
	if err != nil {
		return nil, err
	}
	return plan, a.Apply(ctx, sourceID, plan, reply)
}

// Remove deletes every part of a source message from the target and the
// registry.
func (a *Applier) Remove(ctx context.Context, sourceID string) error {
	all, err := a.Registry.GetParts(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to get parts: %w", err)
	} else if len(all) == 0 {
		return ErrNoParts
	}
	for _, p := range all {
		if err = a.remove(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (a *Applier) create(ctx context.Context, sourceID string, c Create, reply msgconv.ReplyLink) (Part, error) {
	cat := c.Unit.Category()
	targetID, err := a.Target.Create(ctx, CreateRequest{
		Unit:    c.Unit,
		Key:     OperationKey(sourceID, c.Index, c.Unit),
		Primary: c.Ordinal == 0,
		Reply:   reply,
	})
	a.Metrics.observe("create", err)
	if err != nil {
		return Part{}, fmt.Errorf("failed to create part %d (%s): %w", c.Index, cat, err)
	}
	part := Part{
		SourceID:        sourceID,
		TargetID:        targetID,
		Ordinal:         c.Ordinal,
		ReactionOrdinal: c.ReactionOrdinal,
		Type:            cat.Type,
		Subkind:         cat.Subkind,
		Section:         c.Unit.Section,
		Origin:          a.Origin,
		Body:            c.Unit.Body(),
	}
	if err = a.Registry.UpsertPart(ctx, part); err != nil {
		return part, fmt.Errorf("failed to save part %s: %w", targetID, err)
	}
	return part, nil
}

func (a *Applier) remove(ctx context.Context, p Part) error {
	err := a.Target.Delete(ctx, p.TargetID)
	a.Metrics.observe("delete", err)
	if err != nil {
		return fmt.Errorf("failed to delete part %s: %w", p.TargetID, err)
	}
	if err = a.Registry.DeletePart(ctx, p.TargetID); err != nil {
		return fmt.Errorf("failed to forget part %s: %w", p.TargetID, err)
	}
	return nil
}
