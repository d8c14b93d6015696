package source

import (
	"context"
	"encoding/json"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"go.uber.org/zap"

	"github.com/teranos/inkest/errors"
	"github.com/teranos/inkest/media"
)

// Bluesky lists the authenticated account's liked posts via
// app.bsky.feed.getActorLikes.
type Bluesky struct {
	client    *xrpc.Client
	actorDID  string
	pageLimit int64
	log       *zap.SugaredLogger
}

// BlueskyConfig holds already-resolved credentials. Credential
// acquisition (OAuth flows, browser sessions) is out of scope; an app
// password is expected.
type BlueskyConfig struct {
	PDSHost     string
	Identifier  string
	AppPassword string
	PageLimit   int64
}

// NewBluesky authenticates against the PDS and returns a source for the
// account's likes feed.
func NewBluesky(ctx context.Context, cfg BlueskyConfig, log *zap.SugaredLogger) (*Bluesky, error) {
	client := &xrpc.Client{
		Host: cfg.PDSHost,
	}

	input := &comatproto.ServerCreateSession_Input{
		Identifier: cfg.Identifier,
		Password:   cfg.AppPassword,
	}

	session, err := comatproto.ServerCreateSession(ctx, client, input)
	if err != nil {
		if mapped := mapXRPCError(err); errors.Is(mapped, errors.ErrAuth) {
			return nil, errors.Wrapf(mapped, "authentication failed for %s at %s", cfg.Identifier, cfg.PDSHost)
		}
		return nil, errors.Wrapf(err, "failed to create session with PDS %s for %s", cfg.PDSHost, cfg.Identifier)
	}

	client.Auth = &xrpc.AuthInfo{
		AccessJwt:  session.AccessJwt,
		RefreshJwt: session.RefreshJwt,
		Handle:     session.Handle,
		Did:        session.Did,
	}

	pageLimit := cfg.PageLimit
	if pageLimit <= 0 || pageLimit > 100 {
		pageLimit = 50
	}

	log.Infow("Bluesky session created",
		"handle", session.Handle,
		"did", session.Did,
		"pds", cfg.PDSHost,
	)

	return &Bluesky{
		client:    client,
		actorDID:  session.Did,
		pageLimit: pageLimit,
		log:       log,
	}, nil
}

// ListItems fetches one page of the likes feed after cursor.
func (b *Bluesky) ListItems(ctx context.Context, cursor Cursor) ([]Item, Cursor, error) {
	resp, err := appbsky.FeedGetActorLikes(ctx, b.client, b.actorDID, string(cursor), b.pageLimit)
	if err != nil {
		return nil, "", mapXRPCError(err)
	}

	now := time.Now().UTC()
	items := make([]Item, 0, len(resp.Feed))
	for _, fv := range resp.Feed {
		if fv.Post == nil {
			continue
		}
		item, err := itemFromPost(fv.Post, now)
		if err != nil {
			b.log.Warnw("Skipping unparseable post", "uri", fv.Post.Uri, "error", err)
			continue
		}
		items = append(items, item)
	}

	next := Cursor("")
	if resp.Cursor != nil {
		next = Cursor(*resp.Cursor)
	}

	b.log.Debugw("Fetched likes page",
		"count", len(items),
		"cursor", string(cursor),
		"next", string(next),
	)

	return items, next, nil
}

func itemFromPost(post *appbsky.FeedDefs_PostView, fetchedAt time.Time) (Item, error) {
	raw, err := json.Marshal(post)
	if err != nil {
		return Item{}, errors.Wrap(err, "failed to marshal post payload")
	}

	item := Item{
		ItemID:     post.Uri,
		RawPayload: raw,
		FetchedAt:  fetchedAt,
	}

	if post.Author != nil {
		item.Author = post.Author.Handle
	}

	if post.Record != nil {
		if fp, ok := post.Record.Val.(*appbsky.FeedPost); ok {
			item.Text = fp.Text
		}
	}

	if post.Embed != nil {
		item.MediaRefs = refsFromEmbed(post.Uri, post.Embed)
	}

	return item, nil
}

// refsFromEmbed maps a post's embed view onto media refs. Animated gifs
// arrive as video embeds; link-card thumbnails count as images.
func refsFromEmbed(itemID string, embed *appbsky.FeedDefs_PostView_Embed) []media.Ref {
	var refs []media.Ref

	addImages := func(v *appbsky.EmbedImages_View) {
		for _, img := range v.Images {
			if img.Fullsize == "" {
				continue
			}
			refs = append(refs, media.Ref{
				ItemID: itemID,
				URL:    img.Fullsize,
				Kind:   media.KindImage,
			})
		}
	}
	addVideo := func(v *appbsky.EmbedVideo_View) {
		if v.Playlist == "" {
			return
		}
		refs = append(refs, media.Ref{
			ItemID: itemID,
			URL:    v.Playlist,
			Kind:   media.KindVideo,
		})
	}
	addExternal := func(v *appbsky.EmbedExternal_View) {
		if v.External == nil || v.External.Thumb == nil || *v.External.Thumb == "" {
			return
		}
		refs = append(refs, media.Ref{
			ItemID: itemID,
			URL:    *v.External.Thumb,
			Kind:   media.KindImage,
		})
	}

	switch {
	case embed.EmbedImages_View != nil:
		addImages(embed.EmbedImages_View)
	case embed.EmbedVideo_View != nil:
		addVideo(embed.EmbedVideo_View)
	case embed.EmbedExternal_View != nil:
		addExternal(embed.EmbedExternal_View)
	case embed.EmbedRecordWithMedia_View != nil:
		m := embed.EmbedRecordWithMedia_View.Media
		if m != nil {
			switch {
			case m.EmbedImages_View != nil:
				addImages(m.EmbedImages_View)
			case m.EmbedVideo_View != nil:
				addVideo(m.EmbedVideo_View)
			case m.EmbedExternal_View != nil:
				addExternal(m.EmbedExternal_View)
			}
		}
	}

	return refs
}

// mapXRPCError translates xrpc transport errors into the shared taxonomy.
func mapXRPCError(err error) error {
	var xe *xrpc.Error
	if !errors.As(err, &xe) {
		return errors.Wrap(err, "xrpc request failed")
	}

	switch {
	case xe.StatusCode == 401 || xe.StatusCode == 403:
		return errors.Wrapf(errors.ErrAuth, "xrpc: %v", err)
	case xe.StatusCode == 429:
		retryAfter := int64(30)
		if xe.Ratelimit != nil {
			if until := time.Until(xe.Ratelimit.Reset); until > 0 {
				retryAfter = int64(until.Seconds()) + 1
			}
		}
		return errors.NewRateLimited(retryAfter)
	case xe.StatusCode >= 500:
		return errors.Wrapf(errors.ErrTransient, "xrpc: %v", err)
	default:
		return errors.Wrapf(errors.ErrPermanent, "xrpc: %v", err)
	}
}
