// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/mention"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
)

// maxChannelMembers is the page size used for member lists.
const maxChannelMembers = 200

// rosterTTL bounds how long a channel's mention roster is reused.
const rosterTTL = 5 * time.Minute

// channelToChatInfo converts a Mattermost channel and its members to a bridgev2.ChatInfo.
func (m *MattermostClient) channelToChatInfo(channel *model.Channel, members model.ChannelMembers) *bridgev2.ChatInfo {
	memberList := m.channelMembersToChatMembers(members)
	chatInfo := &bridgev2.ChatInfo{Members: memberList}

	var roomType database.RoomType
	switch channel.Type {
	case model.ChannelTypeDirect:
		roomType = database.RoomTypeDM
		for _, member := range members {
			if member.UserId != m.userID {
				memberList.OtherUserID = MakeUserID(member.UserId)
				break
			}
		}
	case model.ChannelTypeGroup:
		roomType = database.RoomTypeGroupDM
		if channel.DisplayName != "" {
			name := channel.DisplayName
			chatInfo.Name = &name
		}
	default:
		roomType = database.RoomTypeDefault
		name := channel.DisplayName
		if name == "" {
			name = channel.Name
		}
		chatInfo.Name = &name
		if channel.Header != "" {
			topic := channel.Header
			chatInfo.Topic = &topic
		}
	}
	chatInfo.Type = &roomType
	return chatInfo
}

// channelMembersToChatMembers converts Mattermost channel members to bridgev2 member list.
// Channel admins become moderators.
func (m *MattermostClient) channelMembersToChatMembers(members model.ChannelMembers) *bridgev2.ChatMemberList {
	memberMap := make(map[networkid.UserID]bridgev2.ChatMember, len(members))
	for _, member := range members {
		chatMember := bridgev2.ChatMember{
			EventSender: bridgev2.EventSender{
				Sender:   MakeUserID(member.UserId),
				IsFromMe: member.UserId == m.userID,
			},
			Membership: event.MembershipJoin,
		}
		if member.SchemeAdmin {
			pl := 50
			chatMember.PowerLevel = &pl
		}
		memberMap[MakeUserID(member.UserId)] = chatMember
	}

	return &bridgev2.ChatMemberList{
		IsFull:           true,
		TotalMemberCount: len(members),
		MemberMap:        memberMap,
	}
}

// mmUserToUserInfo converts a Mattermost user to a bridgev2.UserInfo.
func (m *MattermostClient) mmUserToUserInfo(user *model.User) *bridgev2.UserInfo {
	name := m.displayName(user)
	isBot := user.IsBot
	info := &bridgev2.UserInfo{
		Identifiers: []string{
			fmt.Sprintf("mattermost:%s", user.Id),
		},
		Name:  &name,
		IsBot: &isBot,
	}

	avatarID := networkid.AvatarID(user.Id + "_" + strconv.FormatInt(user.LastPictureUpdate, 10))
	info.Avatar = &bridgev2.Avatar{
		ID: avatarID,
		Get: func(ctx context.Context) ([]byte, error) {
			data, _, err := m.client.GetProfileImage(ctx, user.Id, "")
			return data, err
		},
	}

	return info
}

func (m *MattermostClient) displayName(user *model.User) string {
	return m.connector.Config.FormatDisplayname(DisplaynameParams{
		Username:  user.Username,
		Nickname:  user.Nickname,
		FirstName: user.FirstName,
		LastName:  user.LastName,
	})
}

// mxidOf returns the Matrix user that represents a Mattermost user: the
// logged-in Matrix user for our own account and a ghost for everyone else.
func (m *MattermostClient) mxidOf(userID string) id.UserID {
	if userID == m.userID && m.userLogin != nil && m.userLogin.UserLogin != nil {
		return m.userLogin.UserMXID
	}
	if m.formatGhost != nil {
		return m.formatGhost(MakeUserID(userID))
	}
	return m.connector.Bridge.Matrix.(interface {
		FormatGhostMXID(networkid.UserID) id.UserID
	}).FormatGhostMXID(MakeUserID(userID))
}

// channelRoster is the mention roster of one channel. Entries are keyed by
// Matrix user ID and identified by Mattermost username, which serves both
// conversion directions.
type channelRoster struct {
	client    *MattermostClient
	channelID string
}

var _ msgconv.Roster = channelRoster{}

func (r channelRoster) ListMembers(ctx context.Context) ([]mention.Entry, error) {
	return r.client.rosters.get(ctx, r.channelID, r.client.fetchRoster)
}

func (r channelRoster) GetMember(ctx context.Context, mxid string) (*mention.Entry, error) {
	members, err := r.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range members {
		if members[i].ID == mxid {
			return &members[i], nil
		}
	}
	return nil, nil
}

func (m *MattermostClient) roster(channelID string) channelRoster {
	return channelRoster{client: m, channelID: channelID}
}

func (m *MattermostClient) fetchRoster(ctx context.Context, channelID string) ([]mention.Entry, error) {
	members, _, err := m.client.GetChannelMembers(ctx, channelID, 0, maxChannelMembers, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	ids := make([]string, len(members))
	for i, member := range members {
		ids[i] = member.UserId
	}
	users, _, err := m.client.GetUsersByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get channel users: %w", err)
	}
	entries := make([]mention.Entry, 0, len(users))
	for _, user := range users {
		if user == nil || user.DeleteAt != 0 {
			continue
		}
		entries = append(entries, mention.Entry{
			ID:          string(m.mxidOf(user.Id)),
			Identifier:  user.Username,
			DisplayName: m.displayName(user),
		})
	}
	return entries, nil
}

type rosterEntry struct {
	members []mention.Entry
	expires time.Time
}

// rosterCache keeps member rosters per channel for a while so that every
// message does not cost two REST calls.
type rosterCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]rosterEntry
	now     func() time.Time
}

func newRosterCache(ttl time.Duration) *rosterCache {
	return &rosterCache{ttl: ttl, entries: make(map[string]rosterEntry), now: time.Now}
}

func (c *rosterCache) get(ctx context.Context, channelID string, fetch func(context.Context, string) ([]mention.Entry, error)) ([]mention.Entry, error) {
	c.mu.Lock()
	entry, ok := c.entries[channelID]
	c.mu.Unlock()
	if ok && c.now().Before(entry.expires) {
		return entry.members, nil
	}
	members, err := fetch(ctx, channelID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.entries[channelID] = rosterEntry{members: members, expires: c.now().Add(c.ttl)}
	c.mu.Unlock()
	return members, nil
}

// invalidate drops the cached roster of a channel after membership changes.
func (c *rosterCache) invalidate(channelID string) {
	c.mu.Lock()
	delete(c.entries, channelID)
	c.mu.Unlock()
}

// reset drops every cached roster, e.g. after a user changed their name.
func (c *rosterCache) reset() {
	c.mu.Lock()
	clear(c.entries)
	c.mu.Unlock()
}
