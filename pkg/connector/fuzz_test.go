// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package connector

import (
	"encoding/json"
	"regexp"
	"strconv"
	"testing"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/aiku/mattermost-bridge/pkg/connector/emoji"
)

func FuzzIsBridgeUsername(f *testing.F) {
	f.Add("mattermost_ghost", "")
	f.Add("mattermost-bridge", "")
	f.Add("normaluser", "")
	f.Add("", "")
	f.Add("mattermost_", "bridge_")
	f.Add("bridge_bot", "bridge_")
	f.Add(string([]byte{0x00}), "")

	f.Fuzz(func(t *testing.T, username, botPrefix string) {
		result := isBridgeUsername(username, botPrefix)
		if result != isBridgeUsername(username, botPrefix) {
			t.Errorf("non-deterministic result for %q, %q", username, botPrefix)
		}
		if username == "mattermost-bridge" && !result {
			t.Errorf("mattermost-bridge should always match, got false with prefix %q", botPrefix)
		}
	})
}

// FuzzEmojiReactionRoundTrip checks that custom emoji names survive the trip
// to a Matrix reaction key and back.
func FuzzEmojiReactionRoundTrip(f *testing.F) {
	f.Add("+1")
	f.Add("party_parrot")
	f.Add("heart")
	f.Add("")
	f.Add(":")

	plain := regexp.MustCompile(`^[a-z0-9_\-]+$`)
	f.Fuzz(func(t *testing.T, name string) {
		key := emoji.FromReaction(name)
		if key == "" {
			t.Fatalf("FromReaction(%q) returned empty key", name)
		}
		back := emoji.ToReaction(key)
		if _, known := emoji.Unicode(name); !known && plain.MatchString(name) && back != name {
			t.Errorf("round trip of %q: got %q via %q", name, back, key)
		}
	})
}

func FuzzEmojiName(f *testing.F) {
	f.Add("Party Parrot")
	f.Add("custom_emoji")
	f.Add("__--__")
	f.Add("ÄÖÜ")
	f.Add(string(make([]byte, 200)))

	valid := regexp.MustCompile(`^[a-z0-9_\-]*$`)
	f.Fuzz(func(t *testing.T, name string) {
		got := emojiName(name)
		if !valid.MatchString(got) {
			t.Errorf("emojiName(%q) = %q has invalid characters", name, got)
		}
		if len(got) > model.EmojiNameMaxLength {
			t.Errorf("emojiName(%q) = %q is too long", name, got)
		}
	})
}

func FuzzParsePostEventJSON(f *testing.F) {
	validPost, _ := json.Marshal(&model.Post{
		Id: "p1", UserId: "other-user", ChannelId: "ch1", Message: "hello",
	})
	f.Add(string(validPost))
	f.Add("{bad json")
	f.Add("")
	f.Add("{}")
	f.Add("null")
	f.Add(`{"id": 123, "user_id": true}`)
	f.Add(`{"id": "p1", "user_id": "u1", "type": "system_join_channel"}`)

	f.Fuzz(func(t *testing.T, postJSON string) {
		mc := newFullTestClient("http://localhost")
		evt := newWebSocketEvent(model.WebsocketEventPosted, "ch1", map[string]any{
			"post":        postJSON,
			"sender_name": "@normaluser",
		})

		post, err := mc.parsePostEvent(evt, "posted")
		if post != nil && err != nil {
			t.Errorf("got both post and error: post=%+v, err=%v", post, err)
		}
		if post != nil && !bridgedPostTypes[post.Type] {
			t.Errorf("post of type %q should have been skipped", post.Type)
		}
	})
}

func FuzzParseReactionEventJSON(f *testing.F) {
	validReaction, _ := json.Marshal(&model.Reaction{
		UserId: "other-user", PostId: "p1", EmojiName: "+1",
	})
	f.Add(string(validReaction))
	f.Add("{bad json")
	f.Add("")
	f.Add("null")
	f.Add(`{"user_id": "u1", "post_id": "p1", "emoji_name": "fire"}`)

	f.Fuzz(func(t *testing.T, reactionJSON string) {
		mc := newFullTestClient("http://localhost")
		evt := newWebSocketEvent(model.WebsocketEventReactionAdded, "ch1", map[string]any{
			"reaction": reactionJSON,
		})

		reaction, err := mc.parseReactionEvent(evt)
		if reaction != nil && err != nil {
			t.Errorf("got both reaction and error: reaction=%+v, err=%v", reaction, err)
		}
	})
}

func FuzzParsePollStart(f *testing.F) {
	f.Add(`{"org.matrix.msc3381.poll.start":{"question":{"org.matrix.msc1767.text":"Q"},"answers":[{"id":"a","org.matrix.msc1767.text":"A"}]}}`)
	f.Add(`{"org.matrix.msc3381.poll.start":{"question":{"body":"Q"},"answers":[]}}`)
	f.Add(`{"org.matrix.msc3381.poll.start":"nope"}`)
	f.Add(`{}`)

	f.Fuzz(func(t *testing.T, content string) {
		var raw map[string]any
		if json.Unmarshal([]byte(content), &raw) != nil {
			return
		}
		poll, err := parsePollStart(raw)
		if err != nil {
			return
		}
		if poll.Question == "" || len(poll.Answers) == 0 {
			t.Errorf("accepted poll without question or answers: %+v", poll)
		}
	})
}

func FuzzMakeMessagePartID(f *testing.F) {
	f.Add(0)
	f.Add(1)
	f.Add(10)
	f.Add(-1)

	f.Fuzz(func(t *testing.T, index int) {
		got := string(MakeMessagePartID(index))
		if index == 0 {
			if got != "" {
				t.Errorf("MakeMessagePartID(0) = %q, want empty", got)
			}
			return
		}
		if got != strconv.Itoa(index) {
			t.Errorf("MakeMessagePartID(%d) = %q", index, got)
		}
	})
}

func FuzzFormatDisplayname(f *testing.F) {
	f.Add("alice", "Alice N.", "Alice", "Wonderland", "{{.Username}}")
	f.Add("bob", "", "", "", "{{.FirstName}} {{.LastName}}")
	f.Add("", "", "", "", "")
	f.Add("user", "nick", "first", "last", "{{.Nickname")

	f.Fuzz(func(t *testing.T, username, nickname, firstName, lastName, tmpl string) {
		cfg := &Config{DisplaynameTemplate: tmpl}
		// A template that fails to parse leaves the username fallback in place.
		_ = cfg.PostProcess()

		result := cfg.FormatDisplayname(DisplaynameParams{
			Username:  username,
			Nickname:  nickname,
			FirstName: firstName,
			LastName:  lastName,
		})
		if cfg.displaynameTemplate == nil && result != username {
			t.Errorf("nil template should return username %q, got %q", username, result)
		}
	})
}
