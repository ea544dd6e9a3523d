// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/connector/emoji"
	"github.com/aiku/mattermost-bridge/pkg/connector/mattermostfmt"
)

// handleEvent dispatches a Mattermost WebSocket event to the appropriate handler.
func (m *MattermostClient) handleEvent(evt *model.WebSocketEvent) {
	switch evt.EventType() {
	case model.WebsocketEventPosted:
		m.handlePosted(evt)
	case model.WebsocketEventPostEdited:
		m.handlePostEdited(evt)
	case model.WebsocketEventPostDeleted:
		m.handlePostDeleted(evt)
	case model.WebsocketEventReactionAdded:
		m.handleReactionAdded(evt)
	case model.WebsocketEventReactionRemoved:
		m.handleReactionRemoved(evt)
	case model.WebsocketEventTyping:
		m.handleTyping(evt)
	case model.WebsocketEventChannelViewed:
		m.handleChannelViewed(evt)
	case model.WebsocketEventUserAdded, model.WebsocketEventUserRemoved:
		m.handleMembershipChange(evt)
	case model.WebsocketEventUserUpdated:
		m.rosters.reset()
	default:
		m.log.Trace().Str("event_type", string(evt.EventType())).Msg("Unhandled event type")
	}
}

// bridgedPostTypes are the post types relayed to Matrix. Everything else is
// a system message.
var bridgedPostTypes = map[string]bool{
	model.PostTypeDefault:      true,
	model.PostTypeMe:           true,
	mattermostfmt.PostTypePoll: true,
}

// parsePostEvent extracts a post from a posted, edited or deleted event and
// applies echo prevention. Returns (nil, nil) to skip silently, (nil, err) to
// log an error, or (post, nil) to proceed.
func (m *MattermostClient) parsePostEvent(evt *model.WebSocketEvent, action string) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("%s event missing post data", action)
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s post: %w", action, err)
	}

	// Echo prevention: skip own posts. They were either sent by the bridge
	// or are not ours to relay.
	if post.UserId == m.userID {
		return nil, nil
	}

	if !bridgedPostTypes[post.Type] {
		return nil, nil
	}

	// Echo prevention: skip posts from usernames matching known bridge patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.connector.Config.BotPrefix) {
		m.log.Debug().
			Str("post_id", post.Id).
			Str("username", senderName).
			Str("action", action).
			Msg("Skipping bridge username post (echo prevention)")
		return nil, nil
	}

	return &post, nil
}

// parseReactionEvent extracts and validates a reaction from a WebSocket event.
// Returns (nil, nil) to skip, (nil, err) for errors, or (reaction, nil) to proceed.
func (m *MattermostClient) parseReactionEvent(evt *model.WebSocketEvent) (*model.Reaction, error) {
	reactionJSON, ok := evt.GetData()["reaction"].(string)
	if !ok {
		return nil, nil
	}

	var reaction model.Reaction
	if err := json.Unmarshal([]byte(reactionJSON), &reaction); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reaction: %w", err)
	}

	// Echo prevention: skip own reactions.
	if reaction.UserId == m.userID {
		return nil, nil
	}

	// Echo prevention: skip reactions from usernames matching known bridge patterns.
	senderName, _ := evt.GetData()["sender_name"].(string)
	senderName = strings.TrimPrefix(senderName, "@")
	if senderName != "" && isBridgeUsername(senderName, m.connector.Config.BotPrefix) {
		m.log.Debug().
			Str("post_id", reaction.PostId).
			Str("username", senderName).
			Str("emoji", reaction.EmojiName).
			Msg("Skipping bridge username reaction (echo prevention)")
		return nil, nil
	}

	return &reaction, nil
}

// parseTypingEvent extracts typing event data. Returns ("", "", false) to skip.
func (m *MattermostClient) parseTypingEvent(evt *model.WebSocketEvent) (userID, channelID string, ok bool) {
	uid, uidOk := evt.GetData()["user_id"].(string)
	if !uidOk || uid == m.userID {
		return "", "", false
	}
	return uid, evt.GetBroadcast().ChannelId, true
}

// parseChannelViewedEvent extracts channel viewed data. Returns ("", false) to skip.
func (m *MattermostClient) parseChannelViewedEvent(evt *model.WebSocketEvent) (channelID string, ok bool) {
	chID, chOk := evt.GetData()["channel_id"].(string)
	if !chOk {
		return "", false
	}
	return chID, true
}

func (m *MattermostClient) handlePosted(evt *model.WebSocketEvent) {
	post, err := m.parsePostEvent(evt, "posted")
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil {
		return
	}

	m.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("user_id", post.UserId).
		Msg("Received new message")

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Message[*model.Post]{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessage,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey: makePortalKey(post.ChannelId),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(post.UserId),
			},
			Timestamp:    time.UnixMilli(post.CreateAt),
			CreatePortal: true,
		},
		ID:                 MakeMessageID(post.Id),
		Data:               post,
		ConvertMessageFunc: m.convertPost,
	})
}

func (m *MattermostClient) handlePostEdited(evt *model.WebSocketEvent) {
	post, err := m.parsePostEvent(evt, "edited")
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse post edited event")
		return
	}
	if post == nil {
		return
	}

	ts := post.EditAt
	if ts == 0 {
		ts = post.UpdateAt
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Message[*model.Post]{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventEdit,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey: makePortalKey(post.ChannelId),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(post.UserId),
			},
			Timestamp: time.UnixMilli(ts),
		},
		TargetMessage:   MakeMessageID(post.Id),
		Data:            post,
		ConvertEditFunc: m.convertPostEdit,
	})
}

func (m *MattermostClient) handlePostDeleted(evt *model.WebSocketEvent) {
	post, err := m.parsePostEvent(evt, "deleted")
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse post deleted event")
		return
	}
	if post == nil {
		m.forgetDeletedPart(evt)
		return
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.MessageRemove{
		EventMeta: simplevent.EventMeta{
			Type: bridgev2.RemoteEventMessageRemove,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", post.Id).Str("channel_id", post.ChannelId)
			},
			PortalKey: makePortalKey(post.ChannelId),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(post.UserId),
			},
			Timestamp: time.UnixMilli(post.DeleteAt),
		},
		TargetMessage: MakeMessageID(post.Id),
	})
}

// forgetDeletedPart drops a bridge-sent post that was deleted on Mattermost
// from the part registry, so later edits of the Matrix message recreate it.
func (m *MattermostClient) forgetDeletedPart(evt *model.WebSocketEvent) {
	postJSON, _ := evt.GetData()["post"].(string)
	var post model.Post
	if json.Unmarshal([]byte(postJSON), &post) != nil || post.UserId != m.userID {
		return
	}
	ctx := m.log.WithContext(context.Background())
	part, err := m.connector.Parts.GetPart(ctx, post.Id)
	if err != nil || part == nil {
		return
	}
	if err = m.connector.Parts.DeletePart(ctx, post.Id); err != nil {
		m.log.Warn().Err(err).Str("post_id", post.Id).Msg("Failed to forget deleted part")
		return
	}
	m.log.Debug().Str("post_id", post.Id).Str("event_id", part.SourceID).Msg("Forgot part deleted on Mattermost")
}

// anchoredReaction targets a specific part of a bridged message.
type anchoredReaction struct {
	*simplevent.Reaction
	part networkid.PartID
}

var _ bridgev2.RemoteEventWithTargetPart = (*anchoredReaction)(nil)

func (r *anchoredReaction) GetTargetMessagePart() networkid.PartID {
	return r.part
}

// reactionTarget finds the bridged message and part a reaction on a post
// belongs to. Reactions on any post of a split Matrix message go to that
// message; reactions on Mattermost posts go to their reaction anchor.
func (m *MattermostClient) reactionTarget(ctx context.Context, postID string) (networkid.MessageID, *networkid.PartID) {
	msgID := MakeMessageID(postID)
	db := m.messages()
	if db == nil {
		return msgID, nil
	}
	if part, err := m.connector.Parts.GetPart(ctx, postID); err != nil {
		m.log.Warn().Err(err).Str("post_id", postID).Msg("Failed to look up part")
		return msgID, nil
	} else if part != nil {
		msg, err := db.GetPartByMXID(ctx, id.EventID(part.SourceID))
		if err != nil || msg == nil {
			return msgID, nil
		}
		return msg.ID, &msg.PartID
	}
	msgs, err := db.GetAllPartsByID(ctx, "", msgID)
	if err != nil {
		m.log.Warn().Err(err).Str("post_id", postID).Msg("Failed to get message parts")
		return msgID, nil
	}
	if anchor := reactionAnchor(msgs); anchor != nil {
		return msgID, &anchor.PartID
	}
	return msgID, nil
}

func reactionAnchor(msgs []*database.Message) *database.Message {
	for _, msg := range msgs {
		if partOf(msg).ReactionOrdinal == 0 {
			return msg
		}
	}
	return nil
}

func (m *MattermostClient) reactionEvent(evtType bridgev2.RemoteEventType, evt *model.WebSocketEvent, reaction *model.Reaction) bridgev2.RemoteEvent {
	ctx := m.log.WithContext(context.Background())
	target, part := m.reactionTarget(ctx, reaction.PostId)
	simple := &simplevent.Reaction{
		EventMeta: simplevent.EventMeta{
			Type: evtType,
			LogContext: func(c zerolog.Context) zerolog.Context {
				return c.Str("post_id", reaction.PostId).Str("emoji", reaction.EmojiName)
			},
			PortalKey: makePortalKey(evt.GetBroadcast().ChannelId),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(reaction.UserId),
			},
		},
		TargetMessage: target,
		EmojiID:       MakeEmojiID(reaction.EmojiName),
	}
	if evtType == bridgev2.RemoteEventReaction {
		simple.Timestamp = time.UnixMilli(reaction.CreateAt)
		simple.Emoji = emoji.FromReaction(reaction.EmojiName)
	}
	if part == nil {
		return simple
	}
	return &anchoredReaction{Reaction: simple, part: *part}
}

func (m *MattermostClient) handleReactionAdded(evt *model.WebSocketEvent) {
	reaction, err := m.parseReactionEvent(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse reaction added event")
		return
	}
	if reaction == nil {
		return
	}
	m.eventSender.QueueRemoteEvent(m.userLogin, m.reactionEvent(bridgev2.RemoteEventReaction, evt, reaction))
}

func (m *MattermostClient) handleReactionRemoved(evt *model.WebSocketEvent) {
	reaction, err := m.parseReactionEvent(evt)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to parse reaction removed event")
		return
	}
	if reaction == nil {
		return
	}
	m.eventSender.QueueRemoteEvent(m.userLogin, m.reactionEvent(bridgev2.RemoteEventReactionRemove, evt, reaction))
}

func (m *MattermostClient) handleTyping(evt *model.WebSocketEvent) {
	userID, channelID, ok := m.parseTypingEvent(evt)
	if !ok {
		return
	}

	timeout := m.connector.Config.TypingTimeout
	if timeout <= 0 {
		timeout = 5
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Typing{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventTyping,
			PortalKey: makePortalKey(channelID),
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(userID),
			},
		},
		Timeout: time.Duration(timeout) * time.Second,
	})
}

func (m *MattermostClient) handleChannelViewed(evt *model.WebSocketEvent) {
	channelID, ok := m.parseChannelViewedEvent(evt)
	if !ok {
		return
	}

	m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.Receipt{
		EventMeta: simplevent.EventMeta{
			Type:      bridgev2.RemoteEventReadReceipt,
			PortalKey: makePortalKey(channelID),
			Sender: bridgev2.EventSender{
				IsFromMe: true,
				Sender:   MakeUserID(m.userID),
			},
		},
	})
}

// handleMembershipChange drops the mention roster of a channel whose members
// changed.
func (m *MattermostClient) handleMembershipChange(evt *model.WebSocketEvent) {
	channelID := evt.GetBroadcast().ChannelId
	if channelID == "" {
		channelID, _ = evt.GetData()["channel_id"].(string)
	}
	if channelID == "" {
		return
	}
	m.rosters.invalidate(channelID)
	m.log.Debug().Str("channel_id", channelID).Str("event_type", string(evt.EventType())).Msg("Channel roster invalidated")
}

// isBridgeUsername returns true if the username belongs to a known bridge
// infrastructure bot that should never be relayed. It checks against
// hardcoded bridge usernames and an optional configurable prefix.
func isBridgeUsername(username, botPrefix string) bool {
	switch {
	case username == "mattermost-bridge":
		return true
	case strings.HasPrefix(username, "mattermost_"):
		// Ghost users created by the bridge (username_template: mattermost_{{.}})
		return true
	case botPrefix != "" && strings.HasPrefix(username, botPrefix):
		return true
	default:
		return false
	}
}
