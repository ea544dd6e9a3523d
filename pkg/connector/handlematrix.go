// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/connector/emoji"
	"github.com/aiku/mattermost-bridge/pkg/connector/matrixfmt"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

func (m *MattermostClient) matrixParams(channelID string) matrixfmt.Params {
	cfg := &m.connector.Config
	return matrixfmt.Params{
		Roster:        m.roster(channelID),
		Replies:       matrixReplies{client: m},
		Assets:        mattermostAssets{client: m},
		Compositor:    emojiCompositor{client: m},
		Destination:   channelID,
		ChunkSize:     matrixfmt.ChunkLimit(cfg.MessageChunkSize),
		FuzzyMentions: cfg.MentionFuzzyMatching,
		MediaURL:      m.publicMediaURL,
	}
}

func (m *MattermostClient) applier(target *postTarget) *parts.Applier {
	return &parts.Applier{
		Registry: m.connector.Parts,
		Target:   target,
		Origin:   parts.OriginMatrix,
		Metrics:  m.connector.metrics,
	}
}

// replyTarget returns the event a Matrix message replies to, falling back to
// its thread root.
func replyTarget(content *event.MessageEventContent) id.EventID {
	if content == nil {
		return ""
	}
	if target := content.RelatesTo.GetReplyTo(); target != "" {
		return target
	}
	return content.RelatesTo.GetThreadParent()
}

// HandleMatrixMessage handles a message sent from Matrix to Mattermost.
func (m *MattermostClient) HandleMatrixMessage(ctx context.Context, msg *bridgev2.MatrixMessage) (*bridgev2.MatrixMessageResponse, error) {
	if !m.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)
	conv, err := matrixfmt.Convert(ctx, matrixfmt.Message{
		Type:    msg.Event.Type,
		Content: msg.Content,
		ReplyTo: replyTarget(msg.Content),
	}, m.matrixParams(channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to convert message: %w", err)
	}

	target := m.postTarget(channelID)
	if msg.Content.File != nil {
		target.files = map[string]*event.EncryptedFileInfo{string(msg.Content.File.URL): msg.Content.File}
	}
	return m.sendUnits(ctx, string(msg.Event.ID), target, conv)
}

// sendUnits bridges the units of a new Matrix event and describes the
// primary post to the bridge database.
func (m *MattermostClient) sendUnits(ctx context.Context, eventID string, target *postTarget, conv *msgconv.Converted) (*bridgev2.MatrixMessageResponse, error) {
	if len(conv.Units) == 0 {
		return nil, errors.New("message has no bridgeable content")
	}
	if _, err := m.applier(target).Sync(ctx, eventID, conv.Units, parts.Options{}, conv.Reply); err != nil {
		return nil, err
	}
	all, err := m.connector.Parts.GetParts(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get sent parts: %w", err)
	}
	primary := parts.PrimaryOf(all)
	if primary == nil {
		return nil, fmt.Errorf("no primary part for %s", eventID)
	}
	return &bridgev2.MatrixMessageResponse{
		DB: &database.Message{
			ID:       MakeMessageID(primary.TargetID),
			SenderID: MakeUserID(m.userID),
			Metadata: &MessageMetadata{
				Type:    primary.Type,
				Subkind: primary.Subkind,
				Section: primary.Section,
				Body:    primary.Body,
			},
		},
	}, nil
}

// HandleMatrixEdit handles an edit sent from Matrix.
func (m *MattermostClient) HandleMatrixEdit(ctx context.Context, msg *bridgev2.MatrixEdit) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)
	conv, err := matrixfmt.Convert(ctx, matrixfmt.Message{
		Type:    msg.Event.Type,
		Content: msg.Content,
	}, m.matrixParams(channelID))
	if err != nil {
		return fmt.Errorf("failed to convert edit: %w", err)
	}

	sourceID := string(msg.EditTarget.MXID)
	all, err := m.connector.Parts.GetParts(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to get parts: %w", err)
	}
	if len(all) == 0 {
		return m.patchUntracked(ctx, ParseMessageID(msg.EditTarget.ID), conv.Units)
	}

	// Posts added by the edit stay in the thread of the original.
	var reply msgconv.ReplyLink
	if primary := parts.PrimaryOf(all); primary != nil {
		if root, err := m.threadRoot(ctx, primary.TargetID); err == nil && root != primary.TargetID && root != "" {
			reply = msgconv.ReplyLink{State: msgconv.ReplySameDestination, TargetID: root}
		}
	}
	plan, err := m.applier(m.postTarget(channelID)).Sync(ctx, sourceID, conv.Units, parts.Options{}, reply)
	if err != nil {
		return fmt.Errorf("failed to apply edit: %w", err)
	}
	m.log.Debug().
		Str("event_id", sourceID).
		Int("network_ops", plan.NetworkOps()).
		Msg("Bridged Matrix edit")
	return nil
}

// patchUntracked edits a post bridged before parts were recorded.
func (m *MattermostClient) patchUntracked(ctx context.Context, postID string, units []msgconv.Unit) error {
	var text string
	for _, u := range units {
		if u.Category().IsText() {
			text = u.Body()
			break
		}
	}
	text = strings.TrimPrefix(text, mePrefix)
	if _, _, err := m.client.PatchPost(ctx, postID, &model.PostPatch{Message: &text}); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

// HandleMatrixMessageRemove handles a message deletion from Matrix.
func (m *MattermostClient) HandleMatrixMessageRemove(ctx context.Context, msg *bridgev2.MatrixMessageRemove) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)
	err := m.applier(m.postTarget(channelID)).Remove(ctx, string(msg.TargetMessage.MXID))
	if !errors.Is(err, parts.ErrNoParts) {
		return err
	}
	postID := ParseMessageID(msg.TargetMessage.ID)
	if _, err = m.client.DeletePost(ctx, postID); err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

// PreHandleMatrixReaction validates a reaction before sending.
func (m *MattermostClient) PreHandleMatrixReaction(ctx context.Context, msg *bridgev2.MatrixReaction) (bridgev2.MatrixReactionPreResponse, error) {
	key := msg.Content.RelatesTo.Key
	name := emoji.ToReaction(key)
	if strings.HasPrefix(key, "mxc://") {
		shortcode, _ := msg.Event.Content.Raw["com.beeper.reaction.shortcode"].(string)
		asset, err := mattermostAssets{client: m}.EnsureRegistered(ctx, msgconv.EmojiRef{
			Name: strings.Trim(shortcode, ":"),
			ID:   key,
		})
		if errors.Is(err, msgconv.ErrAssetUnavailable) {
			return bridgev2.MatrixReactionPreResponse{}, fmt.Errorf("custom emoji %s can't be used on Mattermost", shortcode)
		} else if err != nil {
			return bridgev2.MatrixReactionPreResponse{}, err
		}
		name = asset.Name
	}
	return bridgev2.MatrixReactionPreResponse{
		SenderID: MakeUserID(m.userID),
		EmojiID:  MakeEmojiID(name),
		Emoji:    key,
	}, nil
}

// HandleMatrixReaction sends a reaction to Mattermost.
func (m *MattermostClient) HandleMatrixReaction(ctx context.Context, msg *bridgev2.MatrixReaction) (reaction *database.Reaction, err error) {
	if !m.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	postID, err := m.reactionPost(ctx, ParseMessageID(msg.TargetMessage.ID))
	if err != nil {
		return nil, err
	}
	emojiName := ParseEmojiID(msg.PreHandleResp.EmojiID)

	_, _, err = m.client.SaveReaction(ctx, &model.Reaction{
		UserId:    m.userID,
		PostId:    postID,
		EmojiName: emojiName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to save reaction: %w", err)
	}

	return &database.Reaction{
		EmojiID: MakeEmojiID(emojiName),
	}, nil
}

// HandleMatrixReactionRemove removes a reaction in Mattermost.
func (m *MattermostClient) HandleMatrixReactionRemove(ctx context.Context, msg *bridgev2.MatrixReactionRemove) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	postID, err := m.reactionPost(ctx, ParseMessageID(msg.TargetReaction.MessageID))
	if err != nil {
		return err
	}
	emojiName := ParseEmojiID(msg.TargetReaction.EmojiID)

	_, err = m.client.DeleteReaction(ctx, &model.Reaction{
		UserId:    m.userID,
		PostId:    postID,
		EmojiName: emojiName,
	})
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

// HandleMatrixReadReceipt marks a channel as viewed in Mattermost.
func (m *MattermostClient) HandleMatrixReadReceipt(ctx context.Context, msg *bridgev2.MatrixReadReceipt) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)
	_, _, err := m.client.ViewChannel(ctx, m.userID, &model.ChannelView{
		ChannelId: channelID,
	})
	if err != nil {
		return fmt.Errorf("failed to mark channel as viewed: %w", err)
	}
	return nil
}

// HandleMatrixTyping sends a typing indicator to Mattermost.
func (m *MattermostClient) HandleMatrixTyping(ctx context.Context, msg *bridgev2.MatrixTyping) error {
	if !m.IsLoggedIn() {
		return bridgev2.ErrNotLoggedIn
	}

	channelID := ParsePortalID(msg.Portal.ID)

	_, err := m.client.PublishUserTyping(ctx, m.userID, model.TypingRequest{
		ChannelId: channelID,
	})
	if err != nil {
		m.log.Debug().Err(err).Msg("Failed to send typing indicator")
	}
	return nil
}

// pollStart is the MSC3381 poll start payload.
type pollStart struct {
	Start struct {
		MaxSelections int `json:"max_selections"`
		Question      struct {
			Text string `json:"org.matrix.msc1767.text"`
			Body string `json:"body"`
		} `json:"question"`
		Answers []struct {
			ID   string `json:"id"`
			Text string `json:"org.matrix.msc1767.text"`
		} `json:"answers"`
	} `json:"org.matrix.msc3381.poll.start"`
}

// parsePollStart reads a poll from raw event content.
func parsePollStart(raw map[string]any) (*msgconv.Poll, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	var ps pollStart
	if err = json.Unmarshal(data, &ps); err != nil {
		return nil, fmt.Errorf("failed to parse poll: %w", err)
	}
	poll := &msgconv.Poll{
		Question:      ps.Start.Question.Text,
		MaxSelections: ps.Start.MaxSelections,
	}
	if poll.Question == "" {
		poll.Question = ps.Start.Question.Body
	}
	for _, answer := range ps.Start.Answers {
		poll.Answers = append(poll.Answers, msgconv.PollAnswer{ID: answer.ID, Text: answer.Text})
	}
	if poll.Question == "" || len(poll.Answers) == 0 {
		return nil, errors.New("poll has no question or answers")
	}
	return poll, nil
}

// HandleMatrixPollStart posts a Matrix poll as a numbered list.
func (m *MattermostClient) HandleMatrixPollStart(ctx context.Context, msg *bridgev2.MatrixPollStart) (*bridgev2.MatrixMessageResponse, error) {
	if !m.IsLoggedIn() {
		return nil, bridgev2.ErrNotLoggedIn
	}

	poll, err := parsePollStart(msg.Event.Content.Raw)
	if err != nil {
		return nil, err
	}
	channelID := ParsePortalID(msg.Portal.ID)
	conv, err := matrixfmt.Convert(ctx, matrixfmt.Message{Type: msg.Event.Type, Poll: poll}, m.matrixParams(channelID))
	if err != nil {
		return nil, fmt.Errorf("failed to convert poll: %w", err)
	}
	return m.sendUnits(ctx, string(msg.Event.ID), m.postTarget(channelID), conv)
}

// HandleMatrixPollVote rejects votes; bridged polls are plain posts.
func (m *MattermostClient) HandleMatrixPollVote(_ context.Context, _ *bridgev2.MatrixPollVote) (*bridgev2.MatrixMessageResponse, error) {
	return nil, errors.New("poll votes are not supported")
}
