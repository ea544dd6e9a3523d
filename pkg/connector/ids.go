// Copyright 2024-2026 Aiku AI

package connector

import (
	"strconv"

	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

// MakePortalID creates a networkid.PortalID from a Mattermost channel ID.
func MakePortalID(channelID string) networkid.PortalID {
	return networkid.PortalID(channelID)
}

// ParsePortalID extracts the Mattermost channel ID from a PortalID.
func ParsePortalID(portalID networkid.PortalID) string {
	return string(portalID)
}

// MakeUserID creates a networkid.UserID from a Mattermost user ID.
func MakeUserID(userID string) networkid.UserID {
	return networkid.UserID(userID)
}

// ParseUserID extracts the Mattermost user ID from a networkid.UserID.
func ParseUserID(userID networkid.UserID) string {
	return string(userID)
}

// MakeMessageID creates a networkid.MessageID from a Mattermost post ID.
func MakeMessageID(postID string) networkid.MessageID {
	return networkid.MessageID(postID)
}

// ParseMessageID extracts the Mattermost post ID from a MessageID.
func ParseMessageID(messageID networkid.MessageID) string {
	return string(messageID)
}

// MakeMessagePartID creates the part ID of the unit at index of a new post.
// The first unit keeps the empty part ID bridgev2 uses for single-part
// messages.
func MakeMessagePartID(index int) networkid.PartID {
	if index == 0 {
		return ""
	}
	return networkid.PartID(strconv.Itoa(index))
}

// makeEditPartID creates the part ID of a unit added by an edit. Including
// the edit timestamp keeps it distinct from every earlier part of the post.
func makeEditPartID(editAt int64, index int) networkid.PartID {
	return networkid.PartID(strconv.FormatInt(editAt, 10) + "." + strconv.Itoa(index))
}

// MakeEmojiID creates a networkid.EmojiID from a Mattermost emoji name.
func MakeEmojiID(emojiName string) networkid.EmojiID {
	return networkid.EmojiID(emojiName)
}

// ParseEmojiID extracts the Mattermost emoji name from an EmojiID.
func ParseEmojiID(emojiID networkid.EmojiID) string {
	return string(emojiID)
}

// makePortalKey creates a networkid.PortalKey from a Mattermost channel ID.
func makePortalKey(channelID string) networkid.PortalKey {
	return networkid.PortalKey{
		ID: MakePortalID(channelID),
	}
}

// MessageMetadata is stored with every Matrix event bridged from a
// Mattermost post and records which content unit the event carries.
type MessageMetadata struct {
	Ordinal         int             `json:"ordinal"`
	ReactionOrdinal int             `json:"reaction_ordinal"`
	Type            string          `json:"type,omitempty"`
	Subkind         string          `json:"subkind,omitempty"`
	Section         msgconv.Section `json:"section"`
	Body            string          `json:"body,omitempty"`
}

// partOf describes a bridged message part to the edit reconciler. The part ID
// stands in for the target ID since it is unique within one post.
func partOf(msg *database.Message) parts.Part {
	p := parts.Part{
		SourceID: ParseMessageID(msg.ID),
		TargetID: string(msg.PartID),
		Origin:   parts.OriginMattermost,
	}
	meta, ok := msg.Metadata.(*MessageMetadata)
	if !ok || meta == nil {
		// Parts bridged before metadata existed are single text events.
		p.Type, p.Subkind = msgconv.TypeMessage, msgconv.SubkindText
		if msg.PartID != "" {
			p.Ordinal, p.ReactionOrdinal = 1, 1
		}
		return p
	}
	p.Ordinal = meta.Ordinal
	p.ReactionOrdinal = meta.ReactionOrdinal
	p.Type = meta.Type
	p.Subkind = meta.Subkind
	p.Section = meta.Section
	p.Body = meta.Body
	return p
}

func metadataOf(u msgconv.Unit, ordinal, reactionOrdinal int) *MessageMetadata {
	cat := u.Category()
	return &MessageMetadata{
		Ordinal:         ordinal,
		ReactionOrdinal: reactionOrdinal,
		Type:            cat.Type,
		Subkind:         cat.Subkind,
		Section:         u.Section,
		Body:            u.Body(),
	}
}
