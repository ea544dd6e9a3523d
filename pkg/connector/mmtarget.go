// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

const mePrefix = "/me "

// postTarget creates, edits and deletes the Mattermost posts that carry the
// parts of one Matrix message.
type postTarget struct {
	client    *MattermostClient
	channelID string
	// files holds the encryption info of media referenced by the message,
	// keyed by mxc URI.
	files map[string]*event.EncryptedFileInfo
}

var (
	_ parts.Target    = (*postTarget)(nil)
	_ parts.Inspector = (*postTarget)(nil)
)

func (m *MattermostClient) postTarget(channelID string) *postTarget {
	return &postTarget{client: m, channelID: channelID}
}

func (t *postTarget) Create(ctx context.Context, req parts.CreateRequest) (string, error) {
	post := &model.Post{
		ChannelId:     t.channelID,
		UserId:        t.client.userID,
		PendingPostId: req.Key,
	}
	if req.Reply.State == msgconv.ReplySameDestination {
		post.RootId = req.Reply.TargetID
	}
	switch c := req.Unit.Content.(type) {
	case msgconv.Text:
		post.Message = c.Body
		if c.Emote && strings.HasPrefix(c.Body, mePrefix) {
			post.Type = model.PostTypeMe
			post.Message = strings.TrimPrefix(c.Body, mePrefix)
		}
	case msgconv.Notice:
		post.Message = c.Body
	case msgconv.Media:
		fileID, err := t.upload(ctx, c.Ref, c.Name, c.MimeType, c.Data)
		if err != nil {
			return "", err
		}
		post.FileIds = model.StringArray{fileID}
		post.Message = c.Caption
	case msgconv.Sticker:
		fileID, err := t.upload(ctx, c.Ref, c.Name, c.MimeType, nil)
		if err != nil {
			return "", err
		}
		post.FileIds = model.StringArray{fileID}
	case msgconv.Poll:
		post.Message = pollMarkdown(c)
	default:
		return "", fmt.Errorf("unsupported content kind %s", req.Unit.Content.Kind())
	}

	created, _, err := t.client.client.CreatePost(ctx, post)
	if err != nil {
		return "", fmt.Errorf("failed to create post: %w", err)
	}
	return created.Id, nil
}

func (t *postTarget) upload(ctx context.Context, ref, name, mimeType string, data []byte) (string, error) {
	if data == nil {
		var err error
		data, err = t.client.downloader().DownloadMedia(ctx, id.ContentURIString(ref), t.files[ref])
		if err != nil {
			return "", fmt.Errorf("failed to download Matrix media: %w", err)
		}
	}
	if name == "" {
		name = "upload"
	}
	if path.Ext(name) == "" {
		name += extensionOf(mimeType)
	}
	resp, _, err := t.client.client.UploadFile(ctx, data, t.channelID, name)
	if err != nil {
		return "", fmt.Errorf("failed to upload to Mattermost: %w", err)
	} else if len(resp.FileInfos) == 0 {
		return "", errors.New("no file info returned from upload")
	}
	return resp.FileInfos[0].Id, nil
}

// pollMarkdown renders a poll for servers without a poll plugin.
func pollMarkdown(p msgconv.Poll) string {
	var b strings.Builder
	b.WriteString("**")
	b.WriteString(p.Question)
	b.WriteString("**")
	for i, answer := range p.Answers {
		b.WriteString("\n")
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(answer.Text)
	}
	return b.String()
}

func (t *postTarget) Edit(ctx context.Context, postID string, edit parts.Replace) error {
	var message string
	switch c := edit.Inner.Content.(type) {
	case msgconv.Text:
		message = c.Body
		if c.Emote {
			message = strings.TrimPrefix(message, mePrefix)
		}
	case msgconv.Notice:
		message = c.Body
	case msgconv.Media:
		message = c.Caption
	case msgconv.Poll:
		message = pollMarkdown(c)
	default:
		return fmt.Errorf("%s parts can't be edited", edit.Inner.Content.Kind())
	}
	if _, _, err := t.client.client.PatchPost(ctx, postID, &model.PostPatch{Message: &message}); err != nil {
		return fmt.Errorf("failed to edit post: %w", err)
	}
	return nil
}

func (t *postTarget) Delete(ctx context.Context, postID string) error {
	resp, err := t.client.client.DeletePost(ctx, postID)
	if statusOf(resp) == http.StatusNotFound {
		return nil
	} else if err != nil {
		return fmt.Errorf("failed to delete post: %w", err)
	}
	return nil
}

func (t *postTarget) Inspect(ctx context.Context, postID string) (parts.Live, error) {
	post, _, err := t.client.client.GetPost(ctx, postID, "")
	if err != nil {
		return parts.Live{}, fmt.Errorf("failed to get post: %w", err)
	}
	body := post.Message
	if post.Type == model.PostTypeMe {
		body = mePrefix + body
	}
	return parts.Live{Body: body, HasReactions: post.HasReactions}, nil
}
