// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/bridgev2/simplevent"
	"maunium.net/go/mautrix/bridgev2/status"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// remoteEventSender is an interface for queuing remote events. This allows
// tests to inject a mock instead of requiring a full bridgev2.Bridge.
type remoteEventSender interface {
	QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent)
}

// bridgeEventSender is the production implementation that delegates to the bridge.
type bridgeEventSender struct {
	bridge *bridgev2.Bridge
}

func (b *bridgeEventSender) QueueRemoteEvent(login *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	b.bridge.QueueRemoteEvent(login, evt)
}

// MattermostClient represents a single authenticated Mattermost user connection.
type MattermostClient struct {
	connector   *MattermostConnector
	userLogin   *bridgev2.UserLogin
	eventSender remoteEventSender

	client    *model.Client4
	wsClient  *model.WebSocketClient
	userID    string
	teamID    string
	serverURL string

	rosters *rosterCache
	emoji   *emojiCache

	// Overridable in tests; nil means go through the bridge.
	formatGhost func(networkid.UserID) id.UserID
	media       mediaDownloader

	stopOnce sync.Once
	stopChan chan struct{}
	log      zerolog.Logger
}

var (
	_ bridgev2.NetworkAPI                    = (*MattermostClient)(nil)
	_ bridgev2.EditHandlingNetworkAPI        = (*MattermostClient)(nil)
	_ bridgev2.ReactionHandlingNetworkAPI    = (*MattermostClient)(nil)
	_ bridgev2.RedactionHandlingNetworkAPI   = (*MattermostClient)(nil)
	_ bridgev2.ReadReceiptHandlingNetworkAPI = (*MattermostClient)(nil)
	_ bridgev2.TypingHandlingNetworkAPI      = (*MattermostClient)(nil)
	_ bridgev2.PollHandlingNetworkAPI        = (*MattermostClient)(nil)
)

// NewMattermostClient creates a new client from an existing user login.
func NewMattermostClient(login *bridgev2.UserLogin, connector *MattermostConnector) *MattermostClient {
	log := login.Log.With().Str("component", "mm_client").Logger()
	mc := &MattermostClient{
		connector:   connector,
		userLogin:   login,
		eventSender: &bridgeEventSender{bridge: connector.Bridge},
		rosters:     newRosterCache(rosterTTL),
		emoji:       newEmojiCache(),
		stopChan:    make(chan struct{}),
		log:         log,
	}
	meta, _ := login.Metadata.(*UserLoginMetadata)
	if meta == nil {
		return mc
	}
	mc.userID = meta.UserID
	mc.teamID = meta.TeamID
	mc.serverURL = meta.ServerURL
	if meta.Token != "" {
		mc.client = newAPIClient(meta.ServerURL, meta.Token)
	}
	return mc
}

// Connect implements bridgev2.NetworkAPI. It does not return an error;
// connection errors are reported via BridgeState.
func (m *MattermostClient) Connect(ctx context.Context) {
	if m.client == nil {
		m.log.Warn().Msg("Client not initialized, login first")
		m.userLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Error:      "mm-not-logged-in",
			Message:    "Not logged in to Mattermost",
		})
		return
	}

	m.log.Info().Str("server_url", m.serverURL).Msg("Connecting to Mattermost")

	me, _, err := m.client.GetMe(ctx, "")
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to verify Mattermost session")
		m.userLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateBadCredentials,
			Error:      "mm-token-invalid",
			Message:    "Mattermost authentication token is invalid",
		})
		return
	}
	m.userID = me.Id
	m.log.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("Authenticated")

	if m.teamID == "" {
		teams, _, err := m.client.GetTeamsForUser(ctx, m.userID, "")
		if err != nil {
			m.log.Error().Err(err).Msg("Failed to get teams")
			m.userLogin.BridgeState.Send(status.BridgeState{
				StateEvent: status.StateUnknownError,
				Error:      "mm-teams-failed",
				Message:    "Failed to get teams",
			})
			return
		}
		if len(teams) > 0 {
			m.teamID = teams[0].Id
		}
	}

	if err := m.connectWebSocket(); err != nil {
		m.log.Error().Err(err).Msg("WebSocket connection failed")
		m.userLogin.BridgeState.Send(status.BridgeState{
			StateEvent: status.StateTransientDisconnect,
			Error:      "mm-ws-failed",
			Message:    "WebSocket connection failed",
		})
		return
	}

	m.userLogin.BridgeState.Send(status.BridgeState{
		StateEvent: status.StateConnected,
	})

	// Sync existing channels to create portal rooms in Matrix.
	go m.syncChannels(ctx)
}

func (m *MattermostClient) connectWebSocket() error {
	wsURL := httpToWS(m.serverURL)
	var err error
	m.wsClient, err = model.NewWebSocketClient4(wsURL, m.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to create websocket client: %w", err)
	}
	m.wsClient.Listen()

	go m.listenWebSocket()

	m.log.Info().Str("ws_url", wsURL).Msg("WebSocket connected")
	return nil
}

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

func (m *MattermostClient) listenWebSocket() {
	for {
		select {
		case <-m.stopChan:
			return
		case event, ok := <-m.wsClient.EventChannel:
			if !ok {
				m.log.Warn().Msg("WebSocket event channel closed, reconnecting")
				m.handleWebSocketDisconnect()
				return
			}
			if event == nil {
				continue
			}
			m.handleEvent(event)
		}
	}
}

const (
	reconnectAttempts = 6
	reconnectBaseWait = time.Second
	reconnectMaxWait  = 30 * time.Second
)

// reconnectDelay returns the wait before the given reconnect attempt.
func reconnectDelay(attempt int) time.Duration {
	wait := reconnectBaseWait << attempt
	if wait <= 0 || wait > reconnectMaxWait {
		return reconnectMaxWait
	}
	return wait
}

func (m *MattermostClient) handleWebSocketDisconnect() {
	m.userLogin.BridgeState.Send(status.BridgeState{
		StateEvent: status.StateTransientDisconnect,
		Error:      "mm-ws-disconnected",
		Message:    "WebSocket disconnected, reconnecting",
	})

	for attempt := 0; attempt < reconnectAttempts; attempt++ {
		err := m.connectWebSocket()
		if err == nil {
			// Membership and profile events may have been missed while offline.
			m.rosters.reset()
			m.userLogin.BridgeState.Send(status.BridgeState{
				StateEvent: status.StateConnected,
			})
			return
		}
		wait := reconnectDelay(attempt)
		m.log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", wait).Msg("Failed to reconnect WebSocket")
		select {
		case <-m.stopChan:
			return
		case <-time.After(wait):
		}
	}

	m.log.Error().Int("attempts", reconnectAttempts).Msg("Giving up on WebSocket reconnect")
	m.userLogin.BridgeState.Send(status.BridgeState{
		StateEvent: status.StateUnknownError,
		Error:      "mm-ws-reconnect-failed",
		Message:    "Failed to reconnect WebSocket",
	})
}

// syncChannels fetches all Mattermost channels the user is a member of
// (including DMs and group DMs) and queues ChatResync events so the bridge
// creates portal rooms in Matrix.
func (m *MattermostClient) syncChannels(ctx context.Context) {
	channelMap := make(map[string]*model.Channel)

	// Fetch team channels if we have a team ID.
	if m.teamID != "" {
		channels, _, err := m.client.GetChannelsForTeamForUser(ctx, m.teamID, m.userID, false, "")
		if err != nil {
			m.log.Error().Err(err).Msg("Failed to fetch team channels for sync")
		} else {
			for _, ch := range channels {
				channelMap[ch.Id] = ch
			}
		}
	}

	// Fetch all channels including DMs/group DMs (cross-team).
	allChannels, _, err := m.client.GetChannelsForUserWithLastDeleteAt(ctx, m.userID, 0)
	if err != nil {
		m.log.Error().Err(err).Msg("Failed to fetch all user channels for sync")
		if len(channelMap) == 0 {
			return
		}
	} else {
		for _, ch := range allChannels {
			channelMap[ch.Id] = ch
		}
	}

	m.log.Info().Int("count", len(channelMap)).Msg("Syncing channels")

	for _, ch := range channelMap {
		m.log.Debug().
			Str("channel_id", ch.Id).
			Str("channel_name", ch.Name).
			Str("channel_type", string(ch.Type)).
			Msg("Syncing channel")

		members, _, err := m.client.GetChannelMembers(ctx, ch.Id, 0, maxChannelMembers, "")
		if err != nil {
			m.log.Warn().Err(err).Str("channel_id", ch.Id).Msg("Failed to get channel members")
			continue
		}

		chatInfo := m.channelToChatInfo(ch, members)

		var checkBackfill func(ctx context.Context, latestMessage *database.Message) (bool, error)
		var latestMessageTS time.Time
		if m.connector.Config.BackfillEnabled && ch.LastPostAt > 0 {
			lastPostAt := ch.LastPostAt
			latestMessageTS = time.UnixMilli(lastPostAt)
			checkBackfill = func(_ context.Context, latestMessage *database.Message) (bool, error) {
				if latestMessage == nil {
					return true, nil
				}
				return latestMessage.Timestamp.Before(time.UnixMilli(lastPostAt)), nil
			}
		}

		m.eventSender.QueueRemoteEvent(m.userLogin, &simplevent.ChatResync{
			EventMeta: simplevent.EventMeta{
				Type:      bridgev2.RemoteEventChatResync,
				PortalKey: makePortalKey(ch.Id),
				LogContext: func(c zerolog.Context) zerolog.Context {
					return c.Str("channel_id", ch.Id).Str("channel_name", ch.Name)
				},
				CreatePortal: true,
			},
			ChatInfo:               chatInfo,
			LatestMessageTS:        latestMessageTS,
			CheckNeedsBackfillFunc: checkBackfill,
		})
	}

	m.log.Info().Msg("Channel sync complete")
}

// Disconnect closes the WebSocket connection and stops the client's event loop.
func (m *MattermostClient) Disconnect() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
	if m.wsClient != nil {
		m.wsClient.Close()
		m.wsClient = nil
	}
}

// IsLoggedIn reports whether the client holds a valid authentication token.
func (m *MattermostClient) IsLoggedIn() bool {
	return m.client != nil && m.client.AuthToken != ""
}

func (m *MattermostClient) LogoutRemote(ctx context.Context) {
	if m.client != nil {
		_, _ = m.client.Logout(ctx)
	}
	m.Disconnect()
}

// IsThisUser reports whether the given network user ID matches this client's Mattermost user.
func (m *MattermostClient) IsThisUser(_ context.Context, userID networkid.UserID) bool {
	return string(userID) == m.userID
}

func (m *MattermostClient) GetChatInfo(ctx context.Context, portal *bridgev2.Portal) (*bridgev2.ChatInfo, error) {
	channelID := ParsePortalID(portal.ID)
	channel, _, err := m.client.GetChannel(ctx, channelID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel info: %w", err)
	}

	members, _, err := m.client.GetChannelMembers(ctx, channelID, 0, maxChannelMembers, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get channel members: %w", err)
	}

	return m.channelToChatInfo(channel, members), nil
}

func (m *MattermostClient) GetUserInfo(ctx context.Context, ghost *bridgev2.Ghost) (*bridgev2.UserInfo, error) {
	mmUserID := ParseUserID(ghost.ID)
	user, _, err := m.client.GetUser(ctx, mmUserID, "")
	if err != nil {
		return nil, fmt.Errorf("failed to get user info: %w", err)
	}
	return m.mmUserToUserInfo(user), nil
}

func (m *MattermostClient) GetCapabilities(_ context.Context, _ *bridgev2.Portal) *event.RoomFeatures {
	maxSize := m.connector.Config.MaxFileSize
	if maxSize <= 0 {
		maxSize = defaultMaxUploadSize
	}
	file := func(mimeType string, caption event.CapabilitySupportLevel) *event.FileFeatures {
		return &event.FileFeatures{
			MimeTypes: map[string]event.CapabilitySupportLevel{
				mimeType: event.CapLevelFullySupported,
			},
			MaxSize: maxSize,
			Caption: caption,
		}
	}
	return &event.RoomFeatures{
		Formatting: event.FormattingFeatureMap{
			event.FmtBold:          event.CapLevelFullySupported,
			event.FmtItalic:        event.CapLevelFullySupported,
			event.FmtStrikethrough: event.CapLevelFullySupported,
			event.FmtInlineCode:    event.CapLevelFullySupported,
			event.FmtCodeBlock:     event.CapLevelFullySupported,
			event.FmtBlockquote:    event.CapLevelFullySupported,
			event.FmtInlineLink:    event.CapLevelFullySupported,
			event.FmtUserLink:      event.CapLevelFullySupported,
			event.FmtUnorderedList: event.CapLevelFullySupported,
			event.FmtOrderedList:   event.CapLevelFullySupported,
			event.FmtHeaders:       event.CapLevelFullySupported,
		},
		File: event.FileFeatureMap{
			event.MsgImage:      file("image/*", event.CapLevelFullySupported),
			event.MsgVideo:      file("video/*", event.CapLevelFullySupported),
			event.MsgAudio:      file("audio/*", event.CapLevelFullySupported),
			event.MsgFile:       file("*/*", event.CapLevelFullySupported),
			event.CapMsgSticker: file("image/*", event.CapLevelRejected),
		},
		MaxTextLength:       model.PostMessageMaxRunesV2,
		Reply:               event.CapLevelFullySupported,
		Edit:                event.CapLevelFullySupported,
		Delete:              event.CapLevelFullySupported,
		Reaction:            event.CapLevelFullySupported,
		ReadReceipts:        true,
		TypingNotifications: true,
	}
}

// defaultMaxUploadSize is the Mattermost default for FileSettings.MaxFileSize.
const defaultMaxUploadSize = 100 * 1024 * 1024
