// Copyright 2024-2026 Aiku AI

package parts

import (
	"context"
	"slices"
	"sync"
)

// MemoryRegistry is an in-process Registry. It is safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.Mutex
	bySource map[string][]string
	byTarget map[string]Part
}

var _ Registry = (*MemoryRegistry)(nil)

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		bySource: make(map[string][]string),
		byTarget: make(map[string]Part),
	}
}

func (r *MemoryRegistry) GetParts(_ context.Context, sourceID string) ([]Part, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets := r.bySource[sourceID]
	if len(targets) == 0 {
		return nil, nil
	}
	out := make([]Part, 0, len(targets))
	for _, t := range targets {
		out = append(out, r.byTarget[t])
	}
	return out, nil
}

func (r *MemoryRegistry) GetPart(_ context.Context, targetID string) (*Part, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	part, ok := r.byTarget[targetID]
	if !ok {
		return nil, nil
	}
	return &part, nil
}

func (r *MemoryRegistry) UpsertPart(_ context.Context, part Part) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byTarget[part.TargetID]; ok && old.SourceID != part.SourceID {
		r.unlink(old.SourceID, part.TargetID)
	}
	if !slices.Contains(r.bySource[part.SourceID], part.TargetID) {
		r.bySource[part.SourceID] = append(r.bySource[part.SourceID], part.TargetID)
	}
	r.byTarget[part.TargetID] = part
	return nil
}

func (r *MemoryRegistry) DeletePart(_ context.Context, targetID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	part, ok := r.byTarget[targetID]
	if !ok {
		return nil
	}
	delete(r.byTarget, targetID)
	r.unlink(part.SourceID, targetID)
	return nil
}

func (r *MemoryRegistry) FindReplyTarget(ctx context.Context, sourceID string) (*Part, error) {
	all, err := r.GetParts(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	return PrimaryOf(all), nil
}

func (r *MemoryRegistry) unlink(sourceID, targetID string) {
	targets := slices.DeleteFunc(r.bySource[sourceID], func(t string) bool { return t == targetID })
	if len(targets) == 0 {
		delete(r.bySource, sourceID)
	} else {
		r.bySource[sourceID] = targets
	}
}

// PrimaryOf returns the first part with Ordinal 0, or nil.
func PrimaryOf(all []Part) *Part {
	for i := range all {
		if all[i].Ordinal == 0 {
			p := all[i]
			return &p
		}
	}
	return nil
}

// ReactionAnchorOf returns the last part with ReactionOrdinal 0, or nil.
func ReactionAnchorOf(all []Part) *Part {
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ReactionOrdinal == 0 {
			p := all[i]
			return &p
		}
	}
	return nil
}
