// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/networkid"
)

// Compile-time assertion that MattermostClient implements BackfillingNetworkAPI.
var _ bridgev2.BackfillingNetworkAPI = (*MattermostClient)(nil)

// FetchMessages implements bridgev2.BackfillingNetworkAPI.
func (m *MattermostClient) FetchMessages(ctx context.Context, params bridgev2.FetchMessagesParams) (*bridgev2.FetchMessagesResponse, error) {
	channelID := ParsePortalID(params.Portal.ID)

	maxCount := m.connector.Config.BackfillMaxCount
	if maxCount <= 0 {
		maxCount = 100
	}
	if params.Count > 0 {
		maxCount = params.Count
	}

	perPage := maxCount
	if perPage > 200 {
		perPage = 200
	}

	var postList *model.PostList
	var err error

	if params.Forward && params.AnchorMessage != nil {
		anchorPostID := ParseMessageID(params.AnchorMessage.ID)
		postList, _, err = m.client.GetPostsAfter(ctx, channelID, anchorPostID, 0, perPage, "", false, false)
	} else if params.AnchorMessage != nil {
		anchorPostID := ParseMessageID(params.AnchorMessage.ID)
		postList, _, err = m.client.GetPostsBefore(ctx, channelID, anchorPostID, 0, perPage, "", false, false)
	} else {
		postList, _, err = m.client.GetPostsForChannel(ctx, channelID, 0, perPage, "", false, false)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch posts for backfill: %w", err)
	}

	// Sort chronologically (oldest first).
	posts := postList.ToSlice()
	sort.Slice(posts, func(i, j int) bool {
		return posts[i].CreateAt < posts[j].CreateAt
	})

	if len(posts) > maxCount {
		posts = posts[:maxCount]
	}

	var messages []*bridgev2.BackfillMessage
	for _, post := range posts {
		// Skip system messages.
		if !bridgedPostTypes[post.Type] {
			continue
		}

		converted, err := m.convertPost(ctx, params.Portal, m.backfillIntent(), post)
		if err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("post_id", post.Id).Msg("Skipping post that failed to convert")
			continue
		}

		msg := &bridgev2.BackfillMessage{
			ConvertedMessage: converted,
			Sender: bridgev2.EventSender{
				Sender: MakeUserID(post.UserId),
			},
			ID:        MakeMessageID(post.Id),
			Timestamp: time.UnixMilli(post.CreateAt),
		}

		if post.RootId != "" {
			msg.ShouldBackfillThread = true
		}

		messages = append(messages, msg)
	}

	hasMore := len(postList.Order) >= perPage

	resp := &bridgev2.FetchMessagesResponse{
		Messages: messages,
		HasMore:  hasMore,
		Forward:  params.Forward,
	}

	// Use PrevPostId as cursor for backward pagination.
	if !params.Forward && postList.PrevPostId != "" {
		resp.Cursor = networkid.PaginationCursor(postList.PrevPostId)
	}

	return resp, nil
}

// backfillIntent uploads backfilled media as the bridge bot.
func (m *MattermostClient) backfillIntent() bridgev2.MatrixAPI {
	if m.connector.Bridge == nil {
		return nil
	}
	return m.connector.Bridge.Bot
}
