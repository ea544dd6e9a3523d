// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"errors"

	"github.com/aiku/mattermost-bridge/pkg/mention"
)

// ErrAssetUnavailable is returned by an AssetRegistrar when registration is
// not possible right now (no permission, feature disabled). Converters
// degrade to a textual token instead of failing.
var ErrAssetUnavailable = errors.New("asset registration not available")

// Roster is the member list of the room a message is bridged into.
type Roster interface {
	ListMembers(ctx context.Context) ([]mention.Entry, error)
	// GetMember returns nil without error for unknown IDs.
	GetMember(ctx context.Context, id string) (*mention.Entry, error)
}

// StaticRoster is a fixed in-memory roster.
type StaticRoster []mention.Entry

func (r StaticRoster) ListMembers(_ context.Context) ([]mention.Entry, error) {
	return r, nil
}

func (r StaticRoster) GetMember(_ context.Context, id string) (*mention.Entry, error) {
	for i := range r {
		if r[i].ID == id {
			return &r[i], nil
		}
	}
	return nil, nil
}

// EmojiRef is a custom emoji as seen on the source platform.
type EmojiRef struct {
	Name string
	// ID is the source-side identifier (Mattermost emoji ID or mxc:// URI).
	ID string
	// URL is a public link to the image, used for textual fallbacks.
	URL string
}

// Asset is a registered emoji on the target platform.
type Asset struct {
	Name string
	URI  string
}

// AssetRegistrar makes a source emoji usable on the target platform.
type AssetRegistrar interface {
	EnsureRegistered(ctx context.Context, ref EmojiRef) (Asset, error)
}

// Compositor merges deferred trailing emoji into a single image attachment.
type Compositor interface {
	Composite(ctx context.Context, refs []EmojiRef) (*Media, error)
}
