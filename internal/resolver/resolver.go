// Package resolver materializes users and posts into the graph database on
// demand. Resolution is idempotent and lazy: a reference to a user or post
// that is not yet stored triggers an outbound lookup and an insert, and
// every path converges under replay.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atgraph/atgraph/internal/bsky"
	"github.com/atgraph/atgraph/internal/cache"
	"github.com/atgraph/atgraph/internal/database/graphstore"
	"github.com/atgraph/atgraph/internal/metrics"
	"github.com/atgraph/atgraph/internal/models"
	"github.com/atgraph/atgraph/internal/normalize"
)

// maxChainDepth bounds reply/quote chain materialization. Chains are DAGs
// by construction, but a hostile repo can still forge mutually quoting
// records; past this depth the reference is left unset.
const maxChainDepth = 20

// Lookup is the outbound API surface the resolver needs. A (nil, nil)
// return is a soft miss: the subject no longer exists upstream.
type Lookup interface {
	GetProfile(ctx context.Context, did string) (*bsky.Profile, error)
	GetPost(ctx context.Context, uri string) (*bsky.PostInfo, error)
}

// Resolver resolves DIDs and AT-URIs into stored rows.
type Resolver struct {
	store *graphstore.Store
	api   Lookup
	users *cache.Presence
	posts *cache.Presence
	log   zerolog.Logger
}

// New creates a resolver with fresh presence caches.
func New(store *graphstore.Store, api Lookup) *Resolver {
	return &Resolver{
		store: store,
		api:   api,
		users: cache.NewPresence(cache.DefaultTTL),
		posts: cache.NewPresence(cache.DefaultTTL),
		log:   log.With().Str("component", "resolver").Logger(),
	}
}

// PurgeUser forgets a DID's presence. Called after a tombstone delete.
func (r *Resolver) PurgeUser(did string) { r.users.Purge(did) }

// PurgePost forgets a URI's presence. Called after a post delete.
func (r *Resolver) PurgePost(uri string) { r.posts.Purge(uri) }

// ResolveUser ensures the user identified by did exists in the database and
// returns the stored row. A (nil, nil) return means the account no longer
// exists upstream.
func (r *Resolver) ResolveUser(ctx context.Context, did string) (*models.User, error) {
	if r.users.Has(did) {
		metrics.ResolverCacheHitsTotal.WithLabelValues("user").Inc()
		return r.store.GetUserByDID(ctx, did)
	}

	u, err := r.store.GetUserByDID(ctx, did)
	if err != nil {
		return nil, err
	}
	if u != nil {
		r.users.Mark(did)
		return u, nil
	}

	profile, err := r.api.GetProfile(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("fetching profile %s: %w", did, err)
	}
	if profile == nil {
		metrics.ResolverSoftMissesTotal.WithLabelValues("user").Inc()
		return nil, nil
	}

	u = userFromProfile(profile)
	holder, err := r.store.CreateUser(ctx, u)
	switch {
	case errors.Is(err, graphstore.ErrDIDConflict):
		// Concurrent resolver inserted the same DID first.
		u, err = r.store.GetUserByDID(ctx, did)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	case holder != nil && holder.DID != did:
		u, err = r.reconcileHandleMove(ctx, u, holder)
		if err != nil {
			return nil, err
		}
	case holder != nil:
		u = holder
	}

	if u != nil {
		r.users.Mark(did)
	}
	return u, nil
}

// reconcileHandleMove runs when inserting u collided on handle with a row
// owned by a different DID: the handle moved. The previous owner is updated
// to their current handle (or deleted if gone upstream), then the insert is
// retried.
func (r *Resolver) reconcileHandleMove(ctx context.Context, u, holder *models.User) (*models.User, error) {
	metrics.HandleMovesTotal.Inc()
	r.log.Info().
		Str("handle", u.Handle).
		Str("from", holder.DID).
		Str("to", u.DID).
		Msg("handle moved, reconciling previous owner")

	prev, err := r.api.GetProfile(ctx, holder.DID)
	if err != nil {
		return nil, fmt.Errorf("refreshing previous handle owner %s: %w", holder.DID, err)
	}
	if prev == nil {
		if err := r.store.DeleteUser(ctx, holder.DID); err != nil {
			return nil, err
		}
		r.users.Purge(holder.DID)
	} else {
		if err := r.store.UpdateUserHandle(ctx, holder.DID, normalize.String(prev.Handle)); err != nil {
			return nil, err
		}
	}

	retry := *u
	holder2, err := r.store.CreateUser(ctx, &retry)
	if errors.Is(err, graphstore.ErrDIDConflict) {
		// Someone inserted our DID meanwhile; claim the handle on that row.
		if err := r.store.UpdateUserHandle(ctx, u.DID, u.Handle); err != nil {
			return nil, err
		}
		return r.store.GetUserByDID(ctx, u.DID)
	}
	if err != nil {
		return nil, err
	}
	if holder2 != nil {
		// Upstream still reports two owners for the handle. Failing the
		// message sends it to the failed queue, where the next replay lands
		// after the inconsistency window has closed.
		r.log.Warn().Str("handle", u.Handle).Str("holder", holder2.DID).
			Msg("handle still contested after reconciliation")
		return nil, fmt.Errorf("handle %s still contested by %s after reconciliation", u.Handle, holder2.DID)
	}
	return &retry, nil
}

// RefreshProfile re-fetches the profile for did and applies the current
// handle, display name and bio to the stored row. Used for identity events
// and profile updates that arrive without a record body. A user gone
// upstream or never stored locally is a no-op.
func (r *Resolver) RefreshProfile(ctx context.Context, did string) error {
	u, err := r.ResolveUser(ctx, did)
	if err != nil || u == nil {
		return err
	}

	profile, err := r.api.GetProfile(ctx, did)
	if err != nil {
		return fmt.Errorf("refreshing profile %s: %w", did, err)
	}
	if profile == nil {
		metrics.ResolverSoftMissesTotal.WithLabelValues("user").Inc()
		return nil
	}

	if handle := normalize.String(profile.Handle); handle != "" && handle != u.Handle {
		if err := r.updateHandleReconciling(ctx, did, handle); err != nil {
			return err
		}
	}
	return r.store.UpdateUserProfile(ctx, did,
		normalize.StringPtr(profile.DisplayName),
		normalize.StringPtr(profile.Bio))
}

// UpdateHandle sets a new handle for did, reconciling a previous owner
// first when the handle is already held. Used by handle-update messages.
func (r *Resolver) UpdateHandle(ctx context.Context, did, handle string) error {
	u, err := r.ResolveUser(ctx, did)
	if err != nil || u == nil {
		return err
	}
	handle = normalize.String(handle)
	if handle == "" || handle == u.Handle {
		return nil
	}
	return r.updateHandleReconciling(ctx, did, handle)
}

func (r *Resolver) updateHandleReconciling(ctx context.Context, did, handle string) error {
	holder, err := r.store.GetUserByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if holder != nil && holder.DID != did {
		if _, err := r.reconcileHandleMove(ctx, &models.User{DID: did, Handle: handle}, holder); err != nil {
			return err
		}
		return nil
	}
	return r.store.UpdateUserHandle(ctx, did, handle)
}

// ResolvePost ensures the post at uri exists in the database and returns
// the stored row, materializing its author and reference chain as needed.
// A (nil, nil) return means the post no longer exists upstream.
func (r *Resolver) ResolvePost(ctx context.Context, uri string) (*models.Post, error) {
	return r.resolvePost(ctx, uri, 0)
}

func (r *Resolver) resolvePost(ctx context.Context, uri string, depth int) (*models.Post, error) {
	if depth >= maxChainDepth {
		r.log.Warn().Str("uri", uri).Msg("reference chain too deep, leaving unresolved")
		return nil, nil
	}

	if r.posts.Has(uri) {
		metrics.ResolverCacheHitsTotal.WithLabelValues("post").Inc()
		return r.store.GetPostByURI(ctx, uri)
	}

	p, err := r.store.GetPostByURI(ctx, uri)
	if err != nil {
		return nil, err
	}
	if p != nil {
		r.posts.Mark(uri)
		return p, nil
	}

	info, err := r.api.GetPost(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetching post %s: %w", uri, err)
	}
	if info == nil {
		metrics.ResolverSoftMissesTotal.WithLabelValues("post").Inc()
		return nil, nil
	}
	if info.Record == nil || info.AuthorDID == "" {
		return nil, fmt.Errorf("post %s: view carries no feed-post record", uri)
	}

	return r.insertPostRecord(ctx, uri, info.CID, info.AuthorDID, info.Record, depth)
}

// InsertPostRecord materializes a feed-post record arriving directly from
// the firehose. A (nil, nil) return means the author no longer exists.
func (r *Resolver) InsertPostRecord(ctx context.Context, uri, cid, authorDID string, rec *appbsky.FeedPost) (*models.Post, error) {
	return r.insertPostRecord(ctx, uri, cid, authorDID, rec, 0)
}

func (r *Resolver) insertPostRecord(ctx context.Context, uri, cid, authorDID string, rec *appbsky.FeedPost, depth int) (*models.Post, error) {
	author, err := r.ResolveUser(ctx, authorDID)
	if err != nil {
		return nil, err
	}
	if author == nil {
		metrics.ResolverSoftMissesTotal.WithLabelValues("post_author").Inc()
		return nil, nil
	}

	p := &models.Post{
		URI:       uri,
		CID:       cid,
		AuthorDID: authorDID,
		Text:      normalize.String(rec.Text),
		CreatedAt: parseCreatedAt(rec.CreatedAt),
		IndexedAt: time.Now(),
		Langs:     models.JoinStrings(normalize.Strings(rec.Langs)),
		Tags:      models.JoinStrings(normalize.Strings(rec.Tags)),
		Labels:    models.JoinStrings(normalize.Strings(selfLabels(rec.Labels))),
	}

	quotedURI := applyEmbed(p, rec.Embed)

	if rec.Reply != nil && rec.Reply.Parent != nil {
		parent, err := r.resolvePost(ctx, rec.Reply.Parent.Uri, depth+1)
		if err != nil {
			return nil, fmt.Errorf("resolving parent of %s: %w", uri, err)
		}
		if parent != nil {
			p.ParentURI = parent.URI
		}
		if rec.Reply.Root != nil {
			if rec.Reply.Root.Uri == rec.Reply.Parent.Uri {
				p.RootURI = p.ParentURI
			} else {
				root, err := r.resolvePost(ctx, rec.Reply.Root.Uri, depth+1)
				if err != nil {
					return nil, fmt.Errorf("resolving root of %s: %w", uri, err)
				}
				if root != nil {
					p.RootURI = root.URI
				}
			}
		}
	}

	if quotedURI != "" {
		quoted, err := r.resolvePost(ctx, quotedURI, depth+1)
		if err != nil {
			return nil, fmt.Errorf("resolving quote of %s: %w", uri, err)
		}
		if quoted != nil {
			p.QuotedURI = quoted.URI
		}
	}

	stored, err := r.store.CreatePost(ctx, p)
	if err != nil {
		return nil, err
	}
	r.posts.Mark(uri)
	metrics.PostsInsertedTotal.Inc()
	return stored, nil
}

// applyEmbed fills the embed columns on p from the record's embed union and
// returns the quoted-post URI when the embed carries one.
func applyEmbed(p *models.Post, embed *appbsky.FeedPost_Embed) string {
	if embed == nil {
		return ""
	}
	switch {
	case embed.EmbedImages != nil:
		p.AltText = normalize.String(joinAlts(embed.EmbedImages.Images))

	case embed.EmbedExternal != nil && embed.EmbedExternal.External != nil:
		ext := embed.EmbedExternal.External
		p.EmbedTitle = normalize.String(ext.Title)
		p.EmbedDescription = normalize.String(ext.Description)
		p.EmbedURI = normalize.String(ext.Uri)

	case embed.EmbedRecord != nil && embed.EmbedRecord.Record != nil:
		return embed.EmbedRecord.Record.Uri

	case embed.EmbedRecordWithMedia != nil:
		rwm := embed.EmbedRecordWithMedia
		if rwm.Media != nil && rwm.Media.EmbedImages != nil {
			p.AltText = normalize.String(joinAlts(rwm.Media.EmbedImages.Images))
		}
		if rwm.Record != nil && rwm.Record.Record != nil {
			return rwm.Record.Record.Uri
		}
	}
	return ""
}

func joinAlts(images []*appbsky.EmbedImages_Image) string {
	var alts []string
	for _, img := range images {
		if img != nil && img.Alt != "" {
			alts = append(alts, img.Alt)
		}
	}
	return strings.Join(alts, "\n")
}

func selfLabels(labels *appbsky.FeedPost_Labels) []string {
	if labels == nil || labels.LabelDefs_SelfLabels == nil {
		return nil
	}
	var vals []string
	for _, v := range labels.LabelDefs_SelfLabels.Values {
		if v != nil {
			vals = append(vals, v.Val)
		}
	}
	return vals
}

func userFromProfile(p *bsky.Profile) *models.User {
	display := p.Handle
	if p.DisplayName != nil && *p.DisplayName != "" {
		display = *p.DisplayName
	}
	bio := ""
	if p.Bio != nil {
		bio = *p.Bio
	}
	return &models.User{
		DID:         p.DID,
		Handle:      normalize.String(p.Handle),
		DisplayName: normalize.String(display),
		Bio:         normalize.String(bio),
	}
}

func parseCreatedAt(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	// Records in the wild carry malformed timestamps; indexing time is the
	// best remaining approximation.
	return time.Now().UTC()
}
