// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"errors"
	"testing"
)

type fakeResolver map[string]*ResolvedReply

func (f fakeResolver) ResolveReply(_ context.Context, ref ReplyRef) (*ResolvedReply, error) {
	if ref.SourceID == "broken" {
		return nil, errors.New("database is on fire")
	}
	return f[ref.SourceID], nil
}

func TestLinkReply(t *testing.T) {
	t.Parallel()
	resolver := fakeResolver{
		"same":      {Destination: "room1", TargetID: "post1", Author: "alice", Body: "> old quote\n\nthe original"},
		"other":     {Destination: "room2", TargetID: "post2", Author: "bob", Body: "over there"},
		"unbridged": {Destination: "room1", Author: "carol", Body: "never made it"},
	}
	tests := []struct {
		name      string
		ref       ReplyRef
		wantState ReplyState
		wantQuote string
	}{
		{"no reply", ReplyRef{}, ReplyNone, ""},
		{"same destination", ReplyRef{SourceID: "same", Destination: "room1"}, ReplySameDestination, "alice: the original"},
		{"other destination", ReplyRef{SourceID: "other", Destination: "room1"}, ReplyOtherDestination, "bob: over there"},
		{"no counterpart", ReplyRef{SourceID: "unbridged", Destination: "room1"}, ReplyOtherDestination, "carol: never made it"},
		{"unknown", ReplyRef{SourceID: "missing", Destination: "room1"}, ReplyUnresolved, UnbridgedReplyText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			link, err := LinkReply(context.Background(), resolver, tt.ref)
			if err != nil {
				t.Fatalf("LinkReply: %v", err)
			}
			if link.State != tt.wantState {
				t.Errorf("state: got %v, want %v", link.State, tt.wantState)
			}
			if tt.wantQuote != "" && link.QuoteText() != tt.wantQuote {
				t.Errorf("quote: got %q, want %q", link.QuoteText(), tt.wantQuote)
			}
			if got, want := link.NeedsQuote(), tt.wantState == ReplyOtherDestination || tt.wantState == ReplyUnresolved; got != want {
				t.Errorf("NeedsQuote: got %v, want %v", got, want)
			}
		})
	}
}

func TestLinkReplyErrors(t *testing.T) {
	t.Parallel()
	if _, err := LinkReply(context.Background(), fakeResolver{}, ReplyRef{SourceID: "broken"}); err == nil {
		t.Error("expected resolver error to be returned")
	}
	link, err := LinkReply(context.Background(), nil, ReplyRef{SourceID: "x"})
	if err != nil || link.State != ReplyUnresolved {
		t.Errorf("nil resolver: got %+v, %v; want unresolved", link, err)
	}
}

func TestWithQuote(t *testing.T) {
	t.Parallel()
	other := ReplyLink{State: ReplyOtherDestination, Author: "bob", Preview: "hi there"}

	units := []Unit{{Section: SectionText, Content: Text{Body: "answer", HTML: "<b>answer</b>"}}}
	got := WithQuote(units, other)
	text := got[0].Content.(Text)
	if text.Body != "> bob: hi there\n\nanswer" {
		t.Errorf("body: got %q", text.Body)
	}
	if text.HTML != "<blockquote>bob: hi there</blockquote><b>answer</b>" {
		t.Errorf("html: got %q", text.HTML)
	}
	if units[0].Content.(Text).Body != "answer" {
		t.Error("input units were modified")
	}
	if StripReplyFallback(text.Body) != "answer" {
		t.Errorf("fallback not strippable: %q", text.Body)
	}

	media := []Unit{{Section: SectionAttachments, Content: Media{MediaKind: KindImage, Ref: "f1"}}}
	got = WithQuote(media, ReplyLink{State: ReplyUnresolved})
	if len(got) != 2 || got[0].Section != SectionText {
		t.Fatalf("expected a quote unit in front, got %+v", got)
	}
	if body := got[0].Body(); body != "> "+UnbridgedReplyText {
		t.Errorf("stub: got %q", body)
	}
	if err := CheckOrder(got); err != nil {
		t.Errorf("quote unit breaks order: %v", err)
	}

	same := ReplyLink{State: ReplySameDestination, TargetID: "t1"}
	if got = WithQuote(units, same); got[0].Body() != "answer" {
		t.Errorf("native reply should not quote, got %q", got[0].Body())
	}
}
