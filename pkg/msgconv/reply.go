// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"context"
	"fmt"
	"html"
)

// UnbridgedReplyText is the stub shown when the replied-to message cannot be
// found on the other side.
const UnbridgedReplyText = "In reply to an unbridged message"

// PreviewLength is the approximate length of quoted reply previews.
const PreviewLength = 50

type ReplyState int

const (
	ReplyNone ReplyState = iota
	ReplySameDestination
	ReplyOtherDestination
	ReplyUnresolved
)

// ReplyRef identifies the message being replied to on the source platform
// and the destination the reply is being bridged into.
type ReplyRef struct {
	SourceID    string
	Destination string
}

// ResolvedReply is what a ReplyResolver knows about a reply target. TargetID
// is empty when the message exists but has no bridged counterpart in
// Destination.
type ResolvedReply struct {
	Destination string
	TargetID    string
	Author      string
	Body        string
}

// ReplyResolver looks up the bridged counterpart of a reply target. It
// returns nil without error when the target is unknown.
type ReplyResolver interface {
	ResolveReply(ctx context.Context, ref ReplyRef) (*ResolvedReply, error)
}

// ReplyLink is the outcome of reply resolution for one message.
type ReplyLink struct {
	State    ReplyState
	TargetID string
	Author   string
	Preview  string
}

// NeedsQuote reports whether the reply must be rendered as quoted text.
func (l ReplyLink) NeedsQuote() bool {
	return l.State == ReplyOtherDestination || l.State == ReplyUnresolved
}

// QuoteText is the single line used in textual reply fallbacks.
func (l ReplyLink) QuoteText() string {
	switch {
	case l.State == ReplyUnresolved:
		return UnbridgedReplyText
	case l.Author != "" && l.Preview != "":
		return l.Author + ": " + l.Preview
	case l.Preview != "":
		return l.Preview
	case l.Author != "":
		return "In reply to " + l.Author
	default:
		return UnbridgedReplyText
	}
}

// LinkReply resolves ref into a ReplyLink. Lookup failures are returned to
// the caller; an unknown target yields ReplyUnresolved.
func LinkReply(ctx context.Context, resolver ReplyResolver, ref ReplyRef) (ReplyLink, error) {
	if ref.SourceID == "" {
		return ReplyLink{}, nil
	}
	if resolver == nil {
		return ReplyLink{State: ReplyUnresolved}, nil
	}
	res, err := resolver.ResolveReply(ctx, ref)
	if err != nil {
		return ReplyLink{}, fmt.Errorf("failed to resolve reply target %s: %w", ref.SourceID, err)
	}
	if res == nil {
		return ReplyLink{State: ReplyUnresolved}, nil
	}
	link := ReplyLink{
		TargetID: res.TargetID,
		Author:   res.Author,
		Preview:  Preview(StripReplyFallback(res.Body), PreviewLength),
	}
	if res.TargetID != "" && res.Destination == ref.Destination {
		link.State = ReplySameDestination
	} else {
		link.State = ReplyOtherDestination
	}
	return link, nil
}

// WithQuote prepends the textual reply fallback to the first text unit, or
// adds a text unit carrying only the quote when the message has none. Units
// are returned unchanged when the reply is native or absent.
func WithQuote(units []Unit, link ReplyLink) []Unit {
	if !link.NeedsQuote() {
		return units
	}
	quote := link.QuoteText()
	if len(units) > 0 {
		if t, ok := units[0].Content.(Text); ok && units[0].Section == SectionText {
			t.Body = "> " + quote + "\n\n" + t.Body
			if t.HTML != "" {
				t.HTML = "<blockquote>" + html.EscapeString(quote) + "</blockquote>" + t.HTML
			}
			out := append([]Unit(nil), units...)
			out[0].Content = t
			return out
		}
	}
	return append([]Unit{{Section: SectionText, Content: Text{Body: "> " + quote}}}, units...)
}
