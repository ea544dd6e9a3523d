// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"maunium.net/go/mautrix/bridgev2"
	"maunium.net/go/mautrix/bridgev2/database"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/mattermost-bridge/pkg/connector/mattermostfmt"
	"github.com/aiku/mattermost-bridge/pkg/msgconv"
	"github.com/aiku/mattermost-bridge/pkg/parts"
)

// statusOf returns the HTTP status of a Mattermost API response, or 0.
func statusOf(resp *model.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

// mediaDownloader fetches Matrix media. The bridge bot implements it.
type mediaDownloader interface {
	DownloadMedia(ctx context.Context, uri id.ContentURIString, file *event.EncryptedFileInfo) ([]byte, error)
}

func (m *MattermostClient) downloader() mediaDownloader {
	if m.media != nil {
		return m.media
	}
	return m.connector.Bridge.Bot
}

// publicMediaProvider is implemented by Matrix connectors that can serve
// media over plain HTTPS.
type publicMediaProvider interface {
	GetPublicMediaAddress(contentURI id.ContentURIString) string
}

func (m *MattermostClient) publicMediaURL(mxc string) string {
	if m.connector.Bridge == nil {
		return mxc
	}
	if p, ok := m.connector.Bridge.Matrix.(publicMediaProvider); ok {
		if addr := p.GetPublicMediaAddress(id.ContentURIString(mxc)); addr != "" {
			return addr
		}
	}
	return mxc
}

// emojiCache remembers emoji that were already made available on the other
// side. Keys are Mattermost emoji IDs and mxc URIs respectively.
type emojiCache struct {
	mu           sync.Mutex
	toMatrix     map[string]msgconv.Asset
	toMattermost map[string]msgconv.Asset
}

func newEmojiCache() *emojiCache {
	return &emojiCache{
		toMatrix:     make(map[string]msgconv.Asset),
		toMattermost: make(map[string]msgconv.Asset),
	}
}

func (c *emojiCache) get(m map[string]msgconv.Asset, key string) (msgconv.Asset, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	asset, ok := m[key]
	return asset, ok
}

func (c *emojiCache) put(m map[string]msgconv.Asset, key string, asset msgconv.Asset) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m[key] = asset
}

// mattermostEmoji looks up custom emoji on the Mattermost server.
type mattermostEmoji struct {
	client *MattermostClient
}

var _ mattermostfmt.EmojiSource = mattermostEmoji{}

func (e mattermostEmoji) LookupEmoji(ctx context.Context, name string) (*msgconv.EmojiRef, error) {
	emoji, resp, err := e.client.client.GetEmojiByName(ctx, name)
	if statusOf(resp) == http.StatusNotFound {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return &msgconv.EmojiRef{
		Name: emoji.Name,
		ID:   emoji.Id,
		URL:  strings.TrimRight(e.client.serverURL, "/") + "/api/v4/emoji/" + emoji.Id + "/image",
	}, nil
}

// matrixAssets uploads Mattermost custom emoji images to the Matrix media
// repository.
type matrixAssets struct {
	client *MattermostClient
	intent bridgev2.MatrixAPI
	roomID id.RoomID
}

var _ msgconv.AssetRegistrar = matrixAssets{}

func (a matrixAssets) EnsureRegistered(ctx context.Context, ref msgconv.EmojiRef) (msgconv.Asset, error) {
	cache := a.client.emoji
	if asset, ok := cache.get(cache.toMatrix, ref.ID); ok {
		return asset, nil
	}
	if a.intent == nil {
		return msgconv.Asset{}, msgconv.ErrAssetUnavailable
	}
	data, resp, err := a.client.client.GetEmojiImage(ctx, ref.ID)
	if statusOf(resp) == http.StatusNotFound || statusOf(resp) == http.StatusForbidden {
		return msgconv.Asset{}, msgconv.ErrAssetUnavailable
	} else if err != nil {
		return msgconv.Asset{}, fmt.Errorf("failed to download emoji image: %w", err)
	}
	mimeType := http.DetectContentType(data)
	uri, _, err := a.intent.UploadMedia(ctx, a.roomID, data, ref.Name+extensionOf(mimeType), mimeType)
	if err != nil {
		return msgconv.Asset{}, fmt.Errorf("failed to upload emoji image: %w", err)
	}
	asset := msgconv.Asset{Name: ref.Name, URI: string(uri)}
	cache.put(cache.toMatrix, ref.ID, asset)
	return asset, nil
}

// mattermostAssets creates Mattermost custom emoji from Matrix emoticons.
type mattermostAssets struct {
	client *MattermostClient
}

var _ msgconv.AssetRegistrar = mattermostAssets{}

var invalidEmojiNameRe = regexp.MustCompile(`[^a-z0-9_\-]+`)

// emojiName fits a Matrix shortcode to Mattermost's emoji name rules.
func emojiName(name string) string {
	name = invalidEmojiNameRe.ReplaceAllString(strings.ToLower(name), "_")
	name = strings.Trim(name, "_-")
	if len(name) > model.EmojiNameMaxLength {
		name = name[:model.EmojiNameMaxLength]
	}
	return name
}

func (a mattermostAssets) EnsureRegistered(ctx context.Context, ref msgconv.EmojiRef) (msgconv.Asset, error) {
	cache := a.client.emoji
	if asset, ok := cache.get(cache.toMattermost, ref.ID); ok {
		return asset, nil
	}
	name := emojiName(ref.Name)
	if name == "" {
		return msgconv.Asset{}, msgconv.ErrAssetUnavailable
	}
	existing, resp, err := a.client.client.GetEmojiByName(ctx, name)
	switch {
	case err == nil && existing != nil:
		asset := msgconv.Asset{Name: existing.Name, URI: ref.ID}
		cache.put(cache.toMattermost, ref.ID, asset)
		return asset, nil
	case statusOf(resp) != http.StatusNotFound:
		return msgconv.Asset{}, fmt.Errorf("failed to look up emoji %s: %w", name, err)
	case !a.client.connector.Config.RegisterCustomEmoji:
		return msgconv.Asset{}, msgconv.ErrAssetUnavailable
	}

	data, err := a.client.downloader().DownloadMedia(ctx, id.ContentURIString(ref.ID), nil)
	if err != nil {
		return msgconv.Asset{}, fmt.Errorf("failed to download emoticon %s: %w", ref.ID, err)
	}
	created, resp, err := a.client.client.CreateEmoji(ctx, &model.Emoji{
		CreatorId: a.client.userID,
		Name:      name,
	}, data, name+extensionOf(http.DetectContentType(data)))
	if statusOf(resp) == http.StatusForbidden || statusOf(resp) == http.StatusNotImplemented {
		return msgconv.Asset{}, msgconv.ErrAssetUnavailable
	} else if err != nil {
		return msgconv.Asset{}, fmt.Errorf("failed to create emoji %s: %w", name, err)
	}
	a.client.log.Debug().Str("emoji_name", created.Name).Str("mxc", ref.ID).Msg("Registered custom emoji")
	asset := msgconv.Asset{Name: created.Name, URI: ref.ID}
	cache.put(cache.toMattermost, ref.ID, asset)
	return asset, nil
}

// emojiCompositor turns a single trailing emoticon into an inline image
// attachment. Runs of several emoticons are left to the link fallback.
type emojiCompositor struct {
	client *MattermostClient
}

var _ msgconv.Compositor = emojiCompositor{}

func (c emojiCompositor) Composite(ctx context.Context, refs []msgconv.EmojiRef) (*msgconv.Media, error) {
	if len(refs) != 1 {
		return nil, nil
	}
	ref := refs[0]
	data, err := c.client.downloader().DownloadMedia(ctx, id.ContentURIString(ref.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download emoticon %s: %w", ref.ID, err)
	}
	mimeType := http.DetectContentType(data)
	return &msgconv.Media{
		MediaKind: msgconv.KindImage,
		Ref:       ref.ID,
		Name:      ref.Name + extensionOf(mimeType),
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Data:      data,
	}, nil
}

func extensionOf(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	default:
		return ""
	}
}

// mattermostReplies resolves Mattermost thread roots to Matrix events.
type mattermostReplies struct {
	client *MattermostClient
}

// matrixReplies resolves Matrix events to the Mattermost post a reply must be
// threaded under.
type matrixReplies struct {
	client *MattermostClient
}

var (
	_ msgconv.ReplyResolver = mattermostReplies{}
	_ msgconv.ReplyResolver = matrixReplies{}
)

func (r mattermostReplies) ResolveReply(ctx context.Context, ref msgconv.ReplyRef) (*msgconv.ResolvedReply, error) {
	m := r.client
	// Posts we sent for a Matrix event point back at that event.
	if part, err := m.connector.Parts.GetPart(ctx, ref.SourceID); err != nil {
		return nil, fmt.Errorf("failed to look up part: %w", err)
	} else if part != nil {
		return &msgconv.ResolvedReply{
			Destination: ref.Destination,
			TargetID:    part.SourceID,
			Body:        part.Body,
		}, nil
	}

	var msgs []*database.Message
	if db := m.messages(); db != nil {
		var err error
		if msgs, err = db.GetAllPartsByID(ctx, "", MakeMessageID(ref.SourceID)); err != nil {
			return nil, fmt.Errorf("failed to get bridged message: %w", err)
		}
	}
	if primary := primaryMessage(msgs); primary != nil {
		res := &msgconv.ResolvedReply{
			Destination: ParsePortalID(primary.Room.ID),
			TargetID:    string(primary.MXID),
		}
		if meta, ok := primary.Metadata.(*MessageMetadata); ok && meta != nil {
			res.Body = meta.Body
		}
		return res, nil
	}

	// Not bridged: quote it from Mattermost if it still exists.
	post, resp, err := m.client.GetPost(ctx, ref.SourceID, "")
	if statusOf(resp) == http.StatusNotFound || statusOf(resp) == http.StatusForbidden {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get root post: %w", err)
	}
	res := &msgconv.ResolvedReply{Destination: post.ChannelId, Body: post.Message}
	if user, _, err := m.client.GetUser(ctx, post.UserId, ""); err == nil {
		res.Author = m.displayName(user)
	}
	return res, nil
}

// messages returns the bridge's message table, or nil when the bridge has
// no database.
func (m *MattermostClient) messages() *database.MessageQuery {
	if m.connector.Bridge == nil || m.connector.Bridge.DB == nil {
		return nil
	}
	return m.connector.Bridge.DB.Message
}

// primaryMessage returns the part with ordinal 0 of a bridged post.
func primaryMessage(msgs []*database.Message) *database.Message {
	for _, msg := range msgs {
		if meta, ok := msg.Metadata.(*MessageMetadata); ok && meta != nil && meta.Ordinal == 0 {
			return msg
		}
	}
	for _, msg := range msgs {
		if msg.PartID == "" {
			return msg
		}
	}
	if len(msgs) > 0 {
		return msgs[0]
	}
	return nil
}

func (r matrixReplies) ResolveReply(ctx context.Context, ref msgconv.ReplyRef) (*msgconv.ResolvedReply, error) {
	m := r.client
	var res *msgconv.ResolvedReply
	if part, err := m.connector.Parts.FindReplyTarget(ctx, ref.SourceID); err != nil {
		return nil, fmt.Errorf("failed to look up reply target: %w", err)
	} else if part != nil {
		res = &msgconv.ResolvedReply{Destination: ref.Destination, TargetID: part.TargetID, Body: part.Body}
	} else if db := m.messages(); db == nil {
		return nil, nil
	} else {
		msg, err := db.GetPartByMXID(ctx, id.EventID(ref.SourceID))
		if err != nil {
			return nil, fmt.Errorf("failed to get bridged message: %w", err)
		} else if msg == nil {
			return nil, nil
		}
		res = &msgconv.ResolvedReply{
			Destination: ParsePortalID(msg.Room.ID),
			TargetID:    ParseMessageID(msg.ID),
		}
		if meta, ok := msg.Metadata.(*MessageMetadata); ok && meta != nil {
			res.Body = meta.Body
		}
	}
	root, err := m.threadRoot(ctx, res.TargetID)
	if err != nil {
		return nil, err
	}
	res.TargetID = root
	return res, nil
}

// threadRoot returns the root of the thread a post belongs to. Mattermost
// only accepts thread roots as RootId.
func (m *MattermostClient) threadRoot(ctx context.Context, postID string) (string, error) {
	post, resp, err := m.client.GetPost(ctx, postID, "")
	if statusOf(resp) == http.StatusNotFound {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("failed to get post %s: %w", postID, err)
	}
	if post.RootId != "" {
		return post.RootId, nil
	}
	return post.Id, nil
}

// reactionPost returns the post that carries reactions for a bridged
// message. Split Matrix messages keep them on their reaction anchor.
func (m *MattermostClient) reactionPost(ctx context.Context, postID string) (string, error) {
	part, err := m.connector.Parts.GetPart(ctx, postID)
	if err != nil {
		return "", fmt.Errorf("failed to look up part: %w", err)
	} else if part == nil {
		return postID, nil
	}
	all, err := m.connector.Parts.GetParts(ctx, part.SourceID)
	if err != nil {
		return "", fmt.Errorf("failed to get parts: %w", err)
	}
	if anchor := parts.ReactionAnchorOf(all); anchor != nil {
		return anchor.TargetID, nil
	}
	return postID, nil
}
