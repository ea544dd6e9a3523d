// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/connector/mattermostfmt"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

// pollStartType is the unstable MSC3381 poll start event.
var pollStartType = event.Type{Type: "org.matrix.msc3381.poll.start", Class: event.MessageEventType}

var msgTypes = map[msgconv.Kind]event.MessageType{
	msgconv.KindImage: event.MsgImage,
	msgconv.KindVideo: event.MsgVideo,
	msgconv.KindAudio: event.MsgAudio,
	msgconv.KindFile:  event.MsgFile,
}

// fileFetcher adapts the API client to mattermostfmt.FileSource.
type fileFetcher struct {
	client *model.Client4
}

func (f fileFetcher) GetFileInfo(ctx context.Context, fileID string) (*model.FileInfo, error) {
	info, _, err := f.client.GetFileInfo(ctx, fileID)
	return info, err
}

// mattermostParams are the conversion collaborators for posts of a channel.
func (m *MattermostClient) mattermostParams(channelID string, portal *bridgev2.Portal, intent bridgev2.MatrixAPI) mattermostfmt.Params {
	cfg := &m.connector.Config
	p := mattermostfmt.Params{
		Roster:        m.roster(channelID),
		Replies:       mattermostReplies{client: m},
		Emoji:         mattermostEmoji{client: m},
		Files:         fileFetcher{client: m.client},
		Destination:   channelID,
		ServerURL:     m.serverURL,
		ChunkSize:     cfg.ChunkSize(),
		MaxFileSize:   cfg.MaxFileSize,
		FuzzyMentions: cfg.MentionFuzzyMatching,
	}
	assets := matrixAssets{client: m, intent: intent}
	if portal != nil {
		assets.roomID = portal.MXID
	}
	p.Assets = assets
	return p
}

// convertPost converts a Mattermost post into the parts of a new Matrix
// message.
func (m *MattermostClient) convertPost(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, post *model.Post) (*bridgev2.ConvertedMessage, error) {
	conv, err := mattermostfmt.Convert(ctx, post, m.mattermostParams(post.ChannelId, portal, intent))
	if err != nil {
		return nil, fmt.Errorf("failed to convert post %s: %w", post.Id, err)
	}
	out := &bridgev2.ConvertedMessage{}
	for _, as := range parts.Assign(conv.Units) {
		part, err := m.convertUnit(ctx, portal, intent, as.Unit)
		if err != nil {
			return nil, err
		}
		part.ID = MakeMessagePartID(as.Index)
		part.DBMetadata = metadataOf(as.Unit, as.Ordinal, as.ReactionOrdinal)
		if as.Ordinal == 0 {
			setReply(part.Content, conv.Reply)
		}
		out.Parts = append(out.Parts, part)
	}
	return out, nil
}

func setReply(content *event.MessageEventContent, reply msgconv.ReplyLink) {
	if reply.State != msgconv.ReplySameDestination || content == nil {
		return
	}
	content.RelatesTo = (&event.RelatesTo{}).SetReplyTo(id.EventID(reply.TargetID))
}

// convertUnit renders one content unit as a Matrix event.
func (m *MattermostClient) convertUnit(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, u msgconv.Unit) (*bridgev2.ConvertedMessagePart, error) {
	part := &bridgev2.ConvertedMessagePart{Type: event.EventMessage}
	switch c := u.Content.(type) {
	case msgconv.Text:
		part.Content = &event.MessageEventContent{MsgType: event.MsgText, Body: c.Body}
		if c.Emote {
			part.Content.MsgType = event.MsgEmote
		}
		setHTML(part.Content, c.HTML)
	case msgconv.Notice:
		part.Content = &event.MessageEventContent{MsgType: event.MsgNotice, Body: c.Body}
		setHTML(part.Content, c.HTML)
	case msgconv.Media:
		content, err := m.reupload(ctx, portal, intent, c.Ref, c.Name, c.MimeType)
		if err != nil {
			return nil, err
		}
		content.MsgType = msgTypes[c.MediaKind]
		content.Info.Size = int(c.Size)
		content.Info.Width = c.Width
		content.Info.Height = c.Height
		if c.Caption != "" {
			content.Body = c.Caption
		}
		part.Content = content
	case msgconv.Sticker:
		content, err := m.reupload(ctx, portal, intent, c.Ref, c.Name, c.MimeType)
		if err != nil {
			return nil, err
		}
		content.Info.Width = c.Width
		content.Info.Height = c.Height
		part.Type = event.EventSticker
		part.Content = content
	case msgconv.Poll:
		part.Type = pollStartType
		part.Content = &event.MessageEventContent{Body: pollFallback(c)}
		part.Extra = pollStartExtra(c)
	default:
		return nil, fmt.Errorf("unsupported content kind %s", u.Content.Kind())
	}
	if len(u.Mentions) > 0 || u.MentionsRoom {
		mentions := &event.Mentions{Room: u.MentionsRoom}
		for _, mxid := range u.Mentions {
			mentions.UserIDs = append(mentions.UserIDs, id.UserID(mxid))
		}
		part.Content.Mentions = mentions
	}
	return part, nil
}

func setHTML(content *event.MessageEventContent, html string) {
	if html == "" {
		return
	}
	content.Format = event.FormatHTML
	content.FormattedBody = html
}

// reupload copies a Mattermost file into the Matrix media repository.
func (m *MattermostClient) reupload(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, fileID, name, mimeType string) (*event.MessageEventContent, error) {
	if intent == nil {
		return nil, errors.New("no Matrix intent to upload media with")
	}
	data, _, err := m.client.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to download file %s: %w", fileID, err)
	}
	var roomID id.RoomID
	if portal != nil {
		roomID = portal.MXID
	}
	uri, file, err := intent.UploadMedia(ctx, roomID, data, name, mimeType)
	if err != nil {
		return nil, fmt.Errorf("failed to upload file %s to Matrix: %w", fileID, err)
	}
	return &event.MessageEventContent{
		Body:     name,
		FileName: name,
		URL:      uri,
		File:     file,
		Info:     &event.FileInfo{MimeType: mimeType, Size: len(data)},
	}, nil
}

func pollFallback(p msgconv.Poll) string {
	return pollMarkdown(p)
}

func pollStartExtra(p msgconv.Poll) map[string]any {
	answers := make([]map[string]any, len(p.Answers))
	for i, answer := range p.Answers {
		answers[i] = map[string]any{
			"id":                      answer.ID,
			"org.matrix.msc1767.text": answer.Text,
		}
	}
	maxSelections := p.MaxSelections
	if maxSelections <= 0 {
		maxSelections = 1
	}
	return map[string]any{
		"org.matrix.msc1767.text": pollFallback(p),
		"org.matrix.msc3381.poll.start": map[string]any{
			"kind":           "org.matrix.msc3381.poll.disclosed",
			"max_selections": maxSelections,
			"question":       map[string]any{"org.matrix.msc1767.text": p.Question},
			"answers":        answers,
		},
	}
}

// convertPostEdit reconciles an edited post with the parts bridged so far.
// Parts whose ordinals change without a content change are saved right away.
func (m *MattermostClient) convertPostEdit(ctx context.Context, portal *bridgev2.Portal, intent bridgev2.MatrixAPI, existing []*database.Message, post *model.Post) (*bridgev2.ConvertedEdit, error) {
	conv, err := mattermostfmt.Convert(ctx, post, m.mattermostParams(post.ChannelId, portal, intent))
	if err != nil {
		return nil, fmt.Errorf("failed to convert edited post %s: %w", post.Id, err)
	}

	byTarget := make(map[string]*database.Message, len(existing))
	old := make([]parts.Existing, len(existing))
	for i, msg := range existing {
		p := partOf(msg)
		byTarget[p.TargetID] = msg
		old[i] = parts.Existing{Part: p, HasReactions: post.HasReactions && p.ReactionOrdinal == 0}
	}
	opts := parts.Options{}
	if post.EditAt == 0 {
		// Link previews and plugin updates bump UpdateAt only.
		opts.Partial = true
		opts.Touched = []msgconv.Section{msgconv.SectionForwarded, msgconv.SectionComponents, msgconv.SectionEmbeds}
	}
	plan, err := parts.Reconcile(old, conv.Units, opts)
	if err != nil {
		return nil, err
	}

	promoted := make(map[string]bool)
	for _, promo := range plan.Promotions {
		msg := byTarget[promo.TargetID]
		meta := metadataFor(msg)
		if meta == nil {
			continue
		}
		switch promo.Field {
		case parts.FieldOrdinal:
			meta.Ordinal = promo.Value
		case parts.FieldReactionOrdinal:
			meta.ReactionOrdinal = promo.Value
		}
		promoted[promo.TargetID] = true
	}

	out := &bridgev2.ConvertedEdit{}
	for _, r := range plan.Replace {
		msg := byTarget[r.Part.TargetID]
		part, err := m.convertUnit(ctx, portal, intent, r.Inner)
		if err != nil {
			return nil, err
		}
		if meta := metadataFor(msg); meta != nil {
			meta.Body = r.Inner.Body()
			meta.Section = r.Inner.Section
		}
		delete(promoted, r.Part.TargetID)
		out.ModifiedParts = append(out.ModifiedParts, &bridgev2.ConvertedEditPart{
			Part:    msg,
			Type:    part.Type,
			Content: part.Content,
			Extra:   part.Extra,
		})
	}
	for _, p := range plan.Redact {
		delete(promoted, p.TargetID)
		out.DeletedParts = append(out.DeletedParts, byTarget[p.TargetID])
	}
	for targetID := range promoted {
		db := m.messages()
		if db == nil {
			break
		}
		if err = db.Update(ctx, byTarget[targetID]); err != nil {
			return nil, fmt.Errorf("failed to save promoted part: %w", err)
		}
	}

	if len(plan.Create) > 0 {
		editAt := post.EditAt
		if editAt == 0 {
			editAt = post.UpdateAt
		}
		out.AddedParts = &bridgev2.ConvertedMessage{}
		for _, c := range plan.Create {
			part, err := m.convertUnit(ctx, portal, intent, c.Unit)
			if err != nil {
				return nil, err
			}
			part.ID = makeEditPartID(editAt, c.Index)
			part.DBMetadata = metadataOf(c.Unit, c.Ordinal, c.ReactionOrdinal)
			out.AddedParts.Parts = append(out.AddedParts.Parts, part)
		}
	}
	zerolog.Ctx(ctx).Debug().
		Str("post_id", post.Id).
		Int("edited", len(plan.Replace)).
		Int("redacted", len(plan.Redact)).
		Int("created", len(plan.Create)).
		Int("promoted", len(plan.Promotions)).
		Msg("Reconciled edited post")
	return out, nil
}

// metadataFor returns the metadata of a bridged part, filling it in for
// parts bridged before metadata was stored.
func metadataFor(msg *database.Message) *MessageMetadata {
	if msg == nil {
		return nil
	}
	if meta, ok := msg.Metadata.(*MessageMetadata); ok && meta != nil {
		return meta
	}
	p := partOf(msg)
	meta := &MessageMetadata{
		Ordinal:         p.Ordinal,
		ReactionOrdinal: p.ReactionOrdinal,
		Type:            p.Type,
		Subkind:         p.Subkind,
		Section:         p.Section,
	}
	msg.Metadata = meta
	return meta
}
