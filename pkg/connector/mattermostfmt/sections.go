// Copyright 2024-2026 Aiku AI

package mattermostfmt

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattermost/mattermost/server/public/model"
	"golang.org/x/sync/errgroup"

	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// PostTypePoll is the post type used by the Matterpoll plugin.
const PostTypePoll = "custom_matterpoll"

// maxFileLookups bounds concurrent file info requests for one post.
const maxFileLookups = 4

// forwarded renders permalink previews as quoted notices.
func (c *converter) forwarded(ctx context.Context, post *model.Post) []msgconv.Unit {
	if post.Metadata == nil {
		return nil
	}
	var units []msgconv.Unit
	for _, embed := range post.Metadata.Embeds {
		if embed == nil || embed.Type != model.PostEmbedPermalink {
			continue
		}
		preview := previewOf(embed.Data)
		if preview == nil || preview.Post == nil {
			continue
		}
		header := "Forwarded message"
		if preview.ChannelDisplayName != "" {
			header += " from ~" + preview.ChannelDisplayName
		}
		quoted := preview.Post.Message
		var formatted strings.Builder
		formatted.WriteString("<p>" + html.EscapeString(header) + ":</p><blockquote>")
		if r, err := c.render(ctx, quoted); err == nil && r.html != "" {
			formatted.WriteString(r.html)
		} else {
			formatted.WriteString(strings.ReplaceAll(html.EscapeString(quoted), "\n", "<br>"))
		}
		formatted.WriteString("</blockquote>")
		units = append(units, msgconv.Unit{
			Section: msgconv.SectionForwarded,
			Content: msgconv.Notice{
				Body: header + ":\n> " + strings.ReplaceAll(quoted, "\n", "\n> "),
				HTML: formatted.String(),
			},
		})
	}
	return units
}

// previewOf accepts both the typed embed data of a locally built post and
// the generic map a post decoded from JSON carries.
func previewOf(data any) *model.PreviewPost {
	switch v := data.(type) {
	case *model.PreviewPost:
		return v
	case map[string]any:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var preview model.PreviewPost
		if json.Unmarshal(raw, &preview) != nil {
			return nil
		}
		return &preview
	default:
		return nil
	}
}

// attachments converts the post's files to media units. File infos carried
// in the post metadata are used as is; missing ones are fetched
// concurrently.
func (c *converter) attachments(ctx context.Context, post *model.Post) ([]msgconv.Unit, error) {
	if len(post.FileIds) == 0 {
		return nil, nil
	}
	known := make(map[string]*model.FileInfo)
	if post.Metadata != nil {
		for _, info := range post.Metadata.Files {
			if info != nil {
				known[info.Id] = info
			}
		}
	}
	infos := make([]*model.FileInfo, len(post.FileIds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxFileLookups)
	for i, fileID := range post.FileIds {
		if info, ok := known[fileID]; ok {
			infos[i] = info
			continue
		} else if c.Files == nil {
			continue
		}
		g.Go(func() error {
			info, err := c.Files.GetFileInfo(gctx, fileID)
			if err != nil {
				return fmt.Errorf("failed to get file info for %s: %w", fileID, err)
			}
			infos[i] = info
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	units := make([]msgconv.Unit, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		if c.MaxFileSize > 0 && info.Size > c.MaxFileSize {
			units = append(units, c.oversized(info))
			continue
		}
		units = append(units, msgconv.Unit{
			Section: msgconv.SectionAttachments,
			Content: msgconv.Media{
				MediaKind: MediaKind(info.MimeType),
				Ref:       info.Id,
				Name:      info.Name,
				MimeType:  info.MimeType,
				Size:      info.Size,
				Width:     info.Width,
				Height:    info.Height,
			},
		})
	}
	return units, nil
}

func (c *converter) oversized(info *model.FileInfo) msgconv.Unit {
	link := strings.TrimRight(c.ServerURL, "/") + "/api/v4/files/" + info.Id + "?download=1"
	size := humanize.Bytes(uint64(info.Size))
	return msgconv.Unit{
		Section: msgconv.SectionAttachments,
		Content: msgconv.Notice{
			Body: fmt.Sprintf("%s (%s): %s", info.Name, size, link),
			HTML: fmt.Sprintf(`<a href="%s">%s</a> (%s)`, html.EscapeString(link), html.EscapeString(info.Name), size),
		},
	}
}

// MediaKind maps a MIME type to the media kind of a unit.
func MediaKind(mimeType string) msgconv.Kind {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return msgconv.KindImage
	case strings.HasPrefix(mimeType, "video/"):
		return msgconv.KindVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return msgconv.KindAudio
	default:
		return msgconv.KindFile
	}
}

var pollAdminActions = map[string]bool{
	"Add Option":  true,
	"End Poll":    true,
	"Delete Poll": true,
}

// pollOf extracts a Matterpoll poll from a post.
func pollOf(post *model.Post) *msgconv.Poll {
	if post.Type != PostTypePoll && post.GetProp("poll_id") == nil {
		return nil
	}
	for _, att := range post.Attachments() {
		if att == nil || att.Title == "" {
			continue
		}
		poll := &msgconv.Poll{Question: att.Title, MaxSelections: 1}
		for _, action := range att.Actions {
			if action == nil || pollAdminActions[action.Name] {
				continue
			}
			poll.Answers = append(poll.Answers, msgconv.PollAnswer{ID: action.Id, Text: action.Name})
		}
		if len(poll.Answers) > 0 {
			return poll
		}
	}
	return nil
}

// messageAttachments renders Slack-style attachments: their actions become
// one components notice and the rest an embed notice each. The attachments
// of a poll post are consumed by the poll.
func (c *converter) messageAttachments(ctx context.Context, post *model.Post, isPoll bool) (components, embeds []msgconv.Unit, err error) {
	if isPoll {
		return nil, nil, nil
	}
	var buttons []string
	for _, att := range post.Attachments() {
		if att == nil {
			continue
		}
		for _, action := range att.Actions {
			if action == nil || action.Name == "" {
				continue
			}
			if action.Type == model.PostActionTypeSelect {
				buttons = append(buttons, "["+action.Name+" ▾]")
			} else {
				buttons = append(buttons, "["+action.Name+"]")
			}
		}
		src := embedMarkdown(att)
		if src == "" {
			continue
		}
		r, err := c.render(ctx, src)
		if err != nil {
			return nil, nil, err
		}
		embeds = append(embeds, r.unit(msgconv.SectionEmbeds, false, true))
	}
	if len(buttons) > 0 {
		components = []msgconv.Unit{{
			Section: msgconv.SectionComponents,
			Content: msgconv.Notice{Body: "Actions: " + strings.Join(buttons, " ")},
		}}
	}
	return components, embeds, nil
}

func embedMarkdown(att *model.SlackAttachment) string {
	var lines []string
	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			lines = append(lines, s)
		}
	}
	add(att.Pretext)
	if att.AuthorName != "" {
		add("*" + att.AuthorName + "*")
	}
	switch {
	case att.Title != "" && att.TitleLink != "":
		add("**[" + att.Title + "](" + att.TitleLink + ")**")
	case att.Title != "":
		add("**" + att.Title + "**")
	}
	add(att.Text)
	for _, field := range att.Fields {
		if field == nil || field.Title == "" {
			continue
		}
		add(fmt.Sprintf("**%s**: %v", field.Title, field.Value))
	}
	add(att.Footer)
	if len(lines) == 0 && att.Fallback != "" {
		add(att.Fallback)
	}
	return strings.Join(lines, "\n\n")
}
