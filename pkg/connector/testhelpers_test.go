// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/bridgev2/networkid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/parts"
)

// mockEventSender captures queued remote events for test assertions.
type mockEventSender struct {
	mu     sync.Mutex
	events []bridgev2.RemoteEvent
}

func (m *mockEventSender) QueueRemoteEvent(_ *bridgev2.UserLogin, evt bridgev2.RemoteEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, evt)
}

func (m *mockEventSender) Events() []bridgev2.RemoteEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]bridgev2.RemoteEvent, len(m.events))
	copy(cp, m.events)
	return cp
}

func (m *mockEventSender) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = nil
}

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API. It records calls and provides canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser/GetMe responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// ChannelMembers maps channel ID to member list.
	ChannelMembers map[string]model.ChannelMembers
	// Teams maps user ID to team list.
	Teams map[string][]*model.Team
	// ChannelsForTeamUser maps "teamID:userID" to channel list.
	ChannelsForTeamUser map[string][]*model.Channel
	// ChannelsForUser maps user ID to channel list (all channels including DMs).
	ChannelsForUser map[string][]*model.Channel
	// Files maps file ID to model.FileInfo.
	Files map[string]*model.FileInfo
	// FileData maps file ID to the bytes served by GetFile.
	FileData map[string][]byte
	// Posts maps channel ID to PostList for backfill endpoints.
	Posts map[string]*model.PostList
	// Stored maps post ID to posts served by GetPost. Created and patched
	// posts are kept here.
	Stored map[string]*model.Post
	// Emoji maps custom emoji names to emoji, EmojiImages IDs to image data.
	Emoji       map[string]*model.Emoji
	EmojiImages map[string][]byte
	// CreateEmojiStatus, if set, is returned by the create emoji endpoint.
	CreateEmojiStatus int
	// FailEndpoints causes specific path prefixes to return 500.
	FailEndpoints map[string]bool

	nextPost int
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:               make(map[string]*model.User),
		TokenToUser:         make(map[string]string),
		Channels:            make(map[string]*model.Channel),
		ChannelMembers:      make(map[string]model.ChannelMembers),
		Teams:               make(map[string][]*model.Team),
		ChannelsForTeamUser: make(map[string][]*model.Channel),
		ChannelsForUser:     make(map[string][]*model.Channel),
		Files:               make(map[string]*model.FileInfo),
		FileData:            make(map[string][]byte),
		Posts:               make(map[string]*model.PostList),
		Stored:              make(map[string]*model.Post),
		Emoji:               make(map[string]*model.Emoji),
		EmojiImages:         make(map[string][]byte),
		FailEndpoints:       make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
}

// CallsTo returns the recorded calls with the given method and path prefix.
func (f *fakeMM) CallsTo(method, prefix string) []endpointCall {
	var out []endpointCall
	for _, c := range f.Calls() {
		if c.Method == method && strings.HasPrefix(c.Path, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// StoredPost returns a copy of a stored post, or nil.
func (f *fakeMM) StoredPost(postID string) *model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	if post, ok := f.Stored[postID]; ok {
		cp := *post
		return &cp
	}
	return nil
}

func (f *fakeMM) storePost(post *model.Post) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Stored[post.Id] = post
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.record(r.Method, r.URL.Path, string(body))

	// Check if this endpoint should fail.
	for prefix := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, prefix) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}/channels (GetChannelsForUserWithLastDeleteAt)
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && strings.HasSuffix(path, "/channels") && !strings.Contains(path, "/teams/"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/channels
		if len(parts) >= 6 {
			uid := parts[4]
			if chs, ok := f.ChannelsForUser[uid]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}/teams
	case r.Method == "GET" && strings.HasSuffix(path, "/teams"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/teams
		if len(parts) >= 5 {
			uid := parts[4]
			if teams, ok := f.Teams[uid]; ok {
				_ = json.NewEncoder(w).Encode(teams)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Team{})

	// GET /api/v4/channels/{channel_id}/posts (GetPostsForChannel / GetPostsBefore / GetPostsAfter)
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && strings.HasSuffix(path, "/posts"):
		parts := strings.Split(path, "/")
		// /api/v4/channels/{chID}/posts
		if len(parts) >= 6 {
			chID := parts[4]
			if pl, ok := f.Posts[chID]; ok {
				_ = json.NewEncoder(w).Encode(pl)
				return
			}
		}
		// Return empty post list.
		_ = json.NewEncoder(w).Encode(model.NewPostList())

	// POST /api/v4/users/ids
	case r.Method == "POST" && path == "/api/v4/users/ids":
		var ids []string
		_ = json.Unmarshal(body, &ids)
		users := make([]*model.User, 0, len(ids))
		for _, uid := range ids {
			if u, ok := f.Users[uid]; ok {
				users = append(users, u)
			}
		}
		_ = json.NewEncoder(w).Encode(users)

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		f.mu.Lock()
		f.nextPost++
		post.Id = "created-post-" + strconv.Itoa(f.nextPost)
		f.mu.Unlock()
		f.storePost(&post)
		_ = json.NewEncoder(w).Encode(&post)

	// GET /api/v4/posts/{post_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/posts/") && !strings.Contains(path[len("/api/v4/posts/"):], "/"):
		if post := f.StoredPost(path[len("/api/v4/posts/"):]); post != nil {
			_ = json.NewEncoder(w).Encode(post)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "post not found"})

	// PUT /api/v4/posts/{post_id}/patch
	case r.Method == "PUT" && strings.HasSuffix(path, "/patch"):
		postID := strings.TrimSuffix(path[len("/api/v4/posts/"):], "/patch")
		var patch model.PostPatch
		_ = json.Unmarshal(body, &patch)
		post := f.StoredPost(postID)
		if post == nil {
			post = &model.Post{Id: postID}
		}
		if patch.Message != nil {
			post.Message = *patch.Message
		}
		f.storePost(post)
		_ = json.NewEncoder(w).Encode(post)

	// DELETE /api/v4/posts/{post_id}
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/posts/"):
		f.mu.Lock()
		delete(f.Stored, path[len("/api/v4/posts/"):])
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/emoji/name/{emoji_name}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/emoji/name/"):
		if e, ok := f.Emoji[path[len("/api/v4/emoji/name/"):]]; ok {
			_ = json.NewEncoder(w).Encode(e)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "emoji not found"})

	// GET /api/v4/emoji/{emoji_id}/image
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/emoji/") && strings.HasSuffix(path, "/image"):
		emojiID := strings.TrimSuffix(path[len("/api/v4/emoji/"):], "/image")
		if data, ok := f.EmojiImages[emojiID]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "image not found"})

	// POST /api/v4/emoji (multipart)
	case r.Method == "POST" && path == "/api/v4/emoji":
		if f.CreateEmojiStatus != 0 {
			w.WriteHeader(f.CreateEmojiStatus)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "custom emoji disabled"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		var e model.Emoji
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			_ = json.Unmarshal([]byte(r.FormValue("emoji")), &e)
		}
		e.Id = "emoji-" + e.Name
		f.mu.Lock()
		f.Emoji[e.Name] = &e
		f.mu.Unlock()
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(&e)

	// POST /api/v4/reactions
	case r.Method == "POST" && path == "/api/v4/reactions":
		var reaction model.Reaction
		_ = json.Unmarshal(body, &reaction)
		_ = json.NewEncoder(w).Encode(&reaction)

	// DELETE /api/v4/reactions/...
	case r.Method == "DELETE" && strings.HasPrefix(path, "/api/v4/reactions/"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// DELETE /api/v4/users/{user_id}/posts/{post_id}/reactions/{emoji_name}
	case r.Method == "DELETE" && strings.Contains(path, "/posts/") && strings.Contains(path, "/reactions/"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/channels/members/{user_id}/view
	case r.Method == "POST" && strings.Contains(path, "/members/") && strings.HasSuffix(path, "/view"):
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// POST /api/v4/users/{user_id}/typing
	case r.Method == "POST" && strings.HasSuffix(path, "/typing"):
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/channels/{channel_id}/members
	case r.Method == "GET" && strings.HasSuffix(path, "/members"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			chID := parts[4]
			if members, ok := f.ChannelMembers[chID]; ok {
				_ = json.NewEncoder(w).Encode(members)
				return
			}
		}
		_ = json.NewEncoder(w).Encode(model.ChannelMembers{})

	// GET /api/v4/users/{user_id}/channels (GetChannelsForTeamForUser)
	case r.Method == "GET" && strings.Contains(path, "/teams/") && strings.HasSuffix(path, "/channels"):
		parts := strings.Split(path, "/")
		// /api/v4/users/{uid}/teams/{tid}/channels
		if len(parts) >= 7 {
			uid := parts[4]
			tid := parts[6]
			key := tid + ":" + uid
			if chs, ok := f.ChannelsForTeamUser[key]; ok {
				_ = json.NewEncoder(w).Encode(chs)
				return
			}
		}
		_ = json.NewEncoder(w).Encode([]*model.Channel{})

	// GET /api/v4/files/{file_id}/info
	case r.Method == "GET" && strings.HasSuffix(path, "/info") && strings.Contains(path, "/files/"):
		parts := strings.Split(path, "/")
		if len(parts) >= 5 {
			fileID := parts[4]
			if fi, ok := f.Files[fileID]; ok {
				_ = json.NewEncoder(w).Encode(fi)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/files/{file_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/files/") && !strings.Contains(path[len("/api/v4/files/"):], "/"):
		if data, ok := f.FileData[path[len("/api/v4/files/"):]]; ok {
			_, _ = w.Write(data)
			return
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "file not found"})

	// POST /api/v4/files (upload)
	case r.Method == "POST" && path == "/api/v4/files":
		_ = json.NewEncoder(w).Encode(&model.FileUploadResponse{
			FileInfos: []*model.FileInfo{{Id: "uploaded-file-id", Name: "upload"}},
		})

	// POST /api/v4/users/logout
	case r.Method == "POST" && path == "/api/v4/users/logout":
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// newWebSocketEvent creates a model.WebSocketEvent for testing handlers.
func newWebSocketEvent(eventType model.WebsocketEventType, channelID string, data map[string]any) *model.WebSocketEvent {
	evt := model.NewWebSocketEvent(eventType, "", channelID, "", nil, "")
	return evt.SetData(data)
}

// fakeDownloader serves Matrix media from memory.
type fakeDownloader struct {
	mu    sync.Mutex
	data  map[string][]byte
	files []*event.EncryptedFileInfo
}

func (d *fakeDownloader) DownloadMedia(_ context.Context, uri id.ContentURIString, file *event.EncryptedFileInfo) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = append(d.files, file)
	data, ok := d.data[string(uri)]
	if !ok {
		return nil, fmt.Errorf("media %s not found", uri)
	}
	return data, nil
}

// fakeIntent records media uploads. Every other MatrixAPI method panics.
type fakeIntent struct {
	bridgev2.MatrixAPI

	mu      sync.Mutex
	uploads []string
	err     error
}

func (i *fakeIntent) UploadMedia(_ context.Context, _ id.RoomID, data []byte, fileName, _ string) (id.ContentURIString, *event.EncryptedFileInfo, error) {
	if i.err != nil {
		return "", nil, i.err
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	i.uploads = append(i.uploads, fileName)
	return id.ContentURIString(fmt.Sprintf("mxc://localhost/upload%d", len(i.uploads))), nil, nil
}

func (i *fakeIntent) Uploads() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.uploads...)
}

func newTestConnector() *MattermostConnector {
	connector := &MattermostConnector{
		Bridge: &bridgev2.Bridge{},
		Config: Config{},
		Parts:  parts.NewMemoryRegistry(),
	}
	connector.Bridge.Log = zerolog.Nop()
	return connector
}

func testGhost(userID networkid.UserID) id.UserID {
	return id.UserID("@mattermost_" + string(userID) + ":localhost")
}

// newFullTestClient creates a MattermostClient connected to a fake server,
// with a connector, an in-memory part registry, fake media and a mock event
// sender configured. The client is considered logged in.
func newFullTestClient(serverURL string) *MattermostClient {
	return &MattermostClient{
		connector:   newTestConnector(),
		client:      newAPIClient(serverURL, "test-token"),
		eventSender: &mockEventSender{},
		userID:      "my-user-id",
		teamID:      "my-team-id",
		serverURL:   serverURL,
		rosters:     newRosterCache(rosterTTL),
		emoji:       newEmojiCache(),
		formatGhost: testGhost,
		media:       &fakeDownloader{data: make(map[string][]byte)},
		stopChan:    make(chan struct{}),
		log:         zerolog.Nop(),
	}
}

// testMock returns the mockEventSender from a test client.
func testMock(mc *MattermostClient) *mockEventSender {
	return mc.eventSender.(*mockEventSender)
}

// testMedia returns the fake downloader from a test client.
func testMedia(mc *MattermostClient) *fakeDownloader {
	return mc.media.(*fakeDownloader)
}

// newNotLoggedInClient creates a MattermostClient that is not logged in (nil client).
func newNotLoggedInClient() *MattermostClient {
	return &MattermostClient{
		connector:   newTestConnector(),
		eventSender: &mockEventSender{},
		userID:      "my-user-id",
		rosters:     newRosterCache(rosterTTL),
		emoji:       newEmojiCache(),
		formatGhost: testGhost,
		stopChan:    make(chan struct{}),
		log:         zerolog.Nop(),
	}
}

// makeTestPortal creates a minimal bridgev2.Portal for testing.
func makeTestPortal(channelID string) *bridgev2.Portal {
	return &bridgev2.Portal{
		Portal: &database.Portal{
			PortalKey: networkid.PortalKey{
				ID: MakePortalID(channelID),
			},
			MXID: id.RoomID("!" + channelID + ":localhost"),
		},
	}
}

// matrixEvent creates the event of a Matrix message for handler tests.
func matrixEvent(eventID string, evtType event.Type) *event.Event {
	return &event.Event{ID: id.EventID(eventID), Type: evtType, Sender: "@alice:localhost"}
}
