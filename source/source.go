// Package source fetches saved items from an upstream feed.
//
// A Client yields pages of items with an opaque resume cursor. The
// concrete implementations are Bluesky (app.bsky.feed.getActorLikes over
// xrpc) and Static (in-memory, used for tests and export-file replay).
package source

import (
	"context"
	"encoding/json"
	"time"

	"github.com/teranos/inkest/media"
)

// Cursor is an opaque pagination token. Callers persist it between runs
// and pass it back unchanged; an empty cursor means "start from the top".
type Cursor string

// Item is one saved item as returned by a source.
type Item struct {
	// ItemID uniquely identifies the item across runs. For Bluesky this
	// is the post's AT-URI.
	ItemID string `json:"item_id"`

	// RawPayload is the source's full representation, persisted as-is.
	RawPayload json.RawMessage `json:"raw_payload"`

	// Text is the flattened textual content handed to extraction.
	Text string `json:"text"`

	// Author is the item author's handle or identifier.
	Author string `json:"author"`

	MediaRefs []media.Ref `json:"media_refs,omitempty"`
	FetchedAt time.Time   `json:"fetched_at"`
}

// Client lists saved items page by page.
//
// ListItems returns the next page after cursor along with the cursor for
// the page after that. An empty next cursor with no error means the feed
// is exhausted. Errors follow the shared taxonomy: auth failures are
// fatal, rate limiting carries a retry-after hint.
type Client interface {
	ListItems(ctx context.Context, cursor Cursor) (items []Item, next Cursor, err error)
}
