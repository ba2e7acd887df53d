package firehose

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/repo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	typegen "github.com/whyrusleeping/cbor-gen"

	"github.com/atgraph/atgraph/internal/database/graphstore"
	"github.com/atgraph/atgraph/internal/metrics"
	"github.com/atgraph/atgraph/internal/models"
	"github.com/atgraph/atgraph/internal/normalize"
	"github.com/atgraph/atgraph/internal/resolver"
	"github.com/atgraph/atgraph/internal/tracing"
)

// Collections projected into the graph.
const (
	CollectionPost    = "app.bsky.feed.post"
	CollectionLike    = "app.bsky.feed.like"
	CollectionRepost  = "app.bsky.feed.repost"
	CollectionFollow  = "app.bsky.graph.follow"
	CollectionProfile = "app.bsky.actor.profile"
)

// Handler maps firehose messages to graph mutations. All handlers are
// idempotent: inserts ignore conflicts, edge adds are set-union, edge
// removes are set-difference, deletes of absent rows are no-ops. A returned
// error covers the whole message and sends it to the failed queue.
type Handler struct {
	store    *graphstore.Store
	resolver *resolver.Resolver
	log      zerolog.Logger
}

// NewHandler creates a handler writing through store and resolver.
func NewHandler(store *graphstore.Store, res *resolver.Resolver) *Handler {
	return &Handler{
		store:    store,
		resolver: res,
		log:      log.With().Str("component", "firehose").Logger(),
	}
}

// HandleCommit decodes the commit's CAR slice and applies each op. Commits
// without blocks carry nothing applicable and are skipped.
func (h *Handler) HandleCommit(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Commit) error {
	if len(evt.Blocks) == 0 {
		return nil
	}

	rr, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(evt.Blocks))
	if err != nil {
		return fmt.Errorf("reading commit car for %s: %w", evt.Repo, err)
	}

	ctx, span := tracing.CommitSpan(ctx, evt.Repo, len(evt.Ops))
	defer span.End()

	for _, op := range evt.Ops {
		collection, _, found := strings.Cut(op.Path, "/")
		if !found {
			continue
		}
		metrics.FirehoseOpsTotal.WithLabelValues(collection, op.Action).Inc()

		var opErr error
		switch op.Action {
		case "create", "update":
			opErr = h.applyRecord(ctx, rr, evt.Repo, op)
		case "delete":
			opErr = h.applyDelete(ctx, evt.Repo, op.Path)
		}
		if opErr != nil {
			tracing.EndWithError(span, opErr)
			return fmt.Errorf("op %s %s in %s: %w", op.Action, op.Path, evt.Repo, opErr)
		}
	}
	return nil
}

func (h *Handler) applyRecord(ctx context.Context, rr *repo.Repo, repoDID string, op *comatproto.SyncSubscribeRepos_RepoOp) error {
	rcid, rec, err := rr.GetRecord(ctx, op.Path)
	if err != nil {
		// Relays occasionally ship commits whose op CID is missing from the
		// block slice; there is nothing to apply and nothing to retry.
		h.log.Warn().Err(err).Str("repo", repoDID).Str("path", op.Path).
			Msg("record not in commit blocks, skipping op")
		return nil
	}
	return h.ApplyRecord(ctx, repoDID, op, rcid.String(), rec)
}

// ApplyRecord routes a decoded lexicon record to its handler by concrete
// type. Unknown record kinds are skipped.
func (h *Handler) ApplyRecord(ctx context.Context, repoDID string, op *comatproto.SyncSubscribeRepos_RepoOp, cid string, rec typegen.CBORMarshaler) error {
	uri := "at://" + repoDID + "/" + op.Path

	switch rec := rec.(type) {
	case *appbsky.FeedPost:
		if op.Action != "create" {
			return nil // posts are never updated by this pipeline
		}
		return h.onPostCreate(ctx, uri, cid, repoDID, rec)

	case *appbsky.FeedLike:
		if op.Action != "create" {
			return nil
		}
		return h.onLikeCreate(ctx, repoDID, op.Path, rec)

	case *appbsky.FeedRepost:
		if op.Action != "create" {
			return nil
		}
		return h.onRepostCreate(ctx, repoDID, op.Path, rec)

	case *appbsky.GraphFollow:
		if op.Action != "create" {
			return nil
		}
		return h.onFollowCreate(ctx, repoDID, op.Path, rec)

	case *appbsky.ActorProfile:
		return h.onActorProfile(ctx, repoDID, op.Action, rec)

	default:
		return nil
	}
}

func (h *Handler) onPostCreate(ctx context.Context, uri, cid, authorDID string, rec *appbsky.FeedPost) error {
	p, err := h.resolver.InsertPostRecord(ctx, uri, cid, authorDID, rec)
	if err != nil {
		return err
	}
	if p == nil {
		h.log.Warn().Str("uri", uri).Msg("post author gone upstream, skipping")
	}
	return nil
}

func (h *Handler) onLikeCreate(ctx context.Context, authorDID, path string, rec *appbsky.FeedLike) error {
	if rec.Subject == nil {
		return nil
	}
	// Feed generators receive likes too; only feed posts are projected.
	if !strings.Contains(rec.Subject.Uri, "/"+CollectionPost+"/") {
		return nil
	}
	subject, author, err := h.resolveEdgeEnds(ctx, rec.Subject.Uri, authorDID)
	if err != nil || subject == nil || author == nil {
		return err
	}
	return h.store.AddLike(ctx, subject.URI, authorDID, models.RKeyFromPath(path))
}

func (h *Handler) onRepostCreate(ctx context.Context, authorDID, path string, rec *appbsky.FeedRepost) error {
	if rec.Subject == nil {
		return nil
	}
	subject, author, err := h.resolveEdgeEnds(ctx, rec.Subject.Uri, authorDID)
	if err != nil || subject == nil || author == nil {
		return err
	}
	return h.store.AddRepost(ctx, subject.URI, authorDID, models.RKeyFromPath(path))
}

// resolveEdgeEnds materializes both endpoints of a like/repost edge. Either
// endpoint soft-missing returns (nil, nil, nil) and the edge is skipped.
func (h *Handler) resolveEdgeEnds(ctx context.Context, subjectURI, authorDID string) (*models.Post, *models.User, error) {
	subject, err := h.resolver.ResolvePost(ctx, subjectURI)
	if err != nil {
		return nil, nil, err
	}
	if subject == nil {
		return nil, nil, nil
	}
	author, err := h.resolver.ResolveUser(ctx, authorDID)
	if err != nil {
		return nil, nil, err
	}
	return subject, author, nil
}

func (h *Handler) onFollowCreate(ctx context.Context, authorDID, path string, rec *appbsky.GraphFollow) error {
	subject, err := h.resolver.ResolveUser(ctx, rec.Subject)
	if err != nil {
		return err
	}
	if subject == nil {
		return nil
	}
	author, err := h.resolver.ResolveUser(ctx, authorDID)
	if err != nil || author == nil {
		return err
	}
	return h.store.AddFollow(ctx, subject.DID, authorDID, models.RKeyFromPath(path))
}

// onActorProfile handles profile creates and updates. A create means the
// account is new: resolve it, which fetches the handle the record lacks. An
// update coalesces the record's fields over the stored row.
func (h *Handler) onActorProfile(ctx context.Context, did, action string, rec *appbsky.ActorProfile) error {
	u, err := h.resolver.ResolveUser(ctx, did)
	if err != nil {
		return err
	}
	if u == nil {
		return nil
	}
	if action != "update" || rec == nil {
		return nil
	}
	return h.store.UpdateUserProfile(ctx, did,
		normalize.StringPtr(rec.DisplayName),
		normalize.StringPtr(rec.Description))
}

func (h *Handler) applyDelete(ctx context.Context, repoDID, path string) error {
	rkey := models.RKeyFromPath(path)
	switch {
	case strings.HasPrefix(path, CollectionPost+"/"):
		uri := "at://" + repoDID + "/" + path
		if err := h.store.DeletePost(ctx, uri); err != nil {
			return err
		}
		h.resolver.PurgePost(uri)
		return nil
	case strings.HasPrefix(path, CollectionLike+"/"):
		return h.store.RemoveLike(ctx, repoDID, rkey)
	case strings.HasPrefix(path, CollectionRepost+"/"):
		return h.store.RemoveRepost(ctx, repoDID, rkey)
	case strings.HasPrefix(path, CollectionFollow+"/"):
		return h.store.RemoveFollow(ctx, repoDID, rkey)
	default:
		return nil
	}
}

// HandleHandleChange applies a #handle message.
func (h *Handler) HandleHandleChange(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Handle) error {
	return h.resolver.UpdateHandle(ctx, evt.Did, evt.Handle)
}

// HandleIdentity applies an #identity message by refreshing the account's
// profile from the API.
func (h *Handler) HandleIdentity(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Identity) error {
	return h.resolver.RefreshProfile(ctx, evt.Did)
}

// HandleTombstone applies a #tombstone message: the account and everything
// it authored are removed.
func (h *Handler) HandleTombstone(ctx context.Context, evt *comatproto.SyncSubscribeRepos_Tombstone) error {
	if err := h.store.DeleteUser(ctx, evt.Did); err != nil {
		return err
	}
	h.resolver.PurgeUser(evt.Did)
	return nil
}
