package firehose

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/repo"
	"github.com/ipfs/go-cid"
	datastore "github.com/ipfs/go-datastore"
	dsync "github.com/ipfs/go-datastore/sync"
	blockstore "github.com/ipfs/go-ipfs-blockstore"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	typegen "github.com/whyrusleeping/cbor-gen"

	"github.com/atgraph/atgraph/internal/bsky"
	"github.com/atgraph/atgraph/internal/database/graphstore"
	"github.com/atgraph/atgraph/internal/resolver"
)

// fakeLookup stands in for the API client; absent keys are soft misses.
type fakeLookup struct {
	profiles map[string]*bsky.Profile
	posts    map[string]*bsky.PostInfo
}

func newFakeLookup() *fakeLookup {
	return &fakeLookup{
		profiles: make(map[string]*bsky.Profile),
		posts:    make(map[string]*bsky.PostInfo),
	}
}

func (f *fakeLookup) GetProfile(_ context.Context, did string) (*bsky.Profile, error) {
	return f.profiles[did], nil
}

func (f *fakeLookup) GetPost(_ context.Context, uri string) (*bsky.PostInfo, error) {
	return f.posts[uri], nil
}

func (f *fakeLookup) addProfile(did, handle string) {
	f.profiles[did] = &bsky.Profile{DID: did, Handle: handle}
}

func (f *fakeLookup) addPost(uri, authorDID string) {
	f.posts[uri] = &bsky.PostInfo{
		URI:       uri,
		CID:       "bafyfake",
		AuthorDID: authorDID,
		Record:    &appbsky.FeedPost{Text: "subject", CreatedAt: "2026-08-24T09:00:00Z"},
	}
}

func newTestHandler(t *testing.T) (*Handler, *graphstore.Store, *fakeLookup) {
	t.Helper()
	s, err := graphstore.Open(filepath.Join(t.TempDir(), "graph.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	api := newFakeLookup()
	return NewHandler(s, resolver.New(s, api)), s, api
}

func op(action, path string) *comatproto.SyncSubscribeRepos_RepoOp {
	return &comatproto.SyncSubscribeRepos_RepoOp{Action: action, Path: path}
}

// commitCar builds the CAR slice a relay would ship for a commit: the given
// records written into a fresh repo for did, with every block behind the
// signed commit root.
func commitCar(t *testing.T, did string, records map[string]typegen.CBORMarshaler) []byte {
	t.Helper()
	ctx := context.Background()

	bs := blockstore.NewBlockstore(dsync.MutexWrap(datastore.NewMapDatastore()))
	rr := repo.NewRepo(ctx, did, bs)
	for path, rec := range records {
		_, err := rr.PutRecord(ctx, path, rec)
		require.NoError(t, err)
	}
	root, _, err := rr.Commit(ctx, func(context.Context, string, []byte) ([]byte, error) {
		return []byte("sig"), nil
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, car.WriteHeader(&car.CarHeader{Roots: []cid.Cid{root}, Version: 1}, &buf))
	keys, err := bs.AllKeysChan(ctx)
	require.NoError(t, err)
	for c := range keys {
		blk, err := bs.Get(ctx, c)
		require.NoError(t, err)
		// AllKeysChan returns raw-codec CIDs; repo blocks are dag-cbor, so
		// restore the codec or the CAR's root is unreachable.
		cc := cid.NewCidV1(cid.DagCBOR, c.Hash())
		require.NoError(t, carutil.LdWrite(&buf, cc.Bytes(), blk.RawData()))
	}
	return buf.Bytes()
}

func TestHandleCommitAppliesCarOps(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:alice", "alice.test")

	post := &appbsky.FeedPost{Text: "from the wire", CreatedAt: "2026-08-24T09:00:00Z"}
	blocks := commitCar(t, "did:plc:alice", map[string]typegen.CBORMarshaler{
		"app.bsky.feed.post/3kcar": post,
	})

	err := h.HandleCommit(ctx, &comatproto.SyncSubscribeRepos_Commit{
		Repo:   "did:plc:alice",
		Rev:    "rev1",
		Seq:    11,
		Blocks: blocks,
		Ops:    []*comatproto.SyncSubscribeRepos_RepoOp{op("create", "app.bsky.feed.post/3kcar")},
	})
	require.NoError(t, err)

	p, err := s.GetPostByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/3kcar")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "from the wire", p.Text)
	assert.Equal(t, "did:plc:alice", p.AuthorDID)
}

func TestHandleCommitSkipsOpMissingFromBlocks(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:alice", "alice.test")

	post := &appbsky.FeedPost{Text: "present", CreatedAt: "2026-08-24T09:00:00Z"}
	blocks := commitCar(t, "did:plc:alice", map[string]typegen.CBORMarshaler{
		"app.bsky.feed.post/3kpresent": post,
	})

	// The second op's record never made it into the block slice; the op is
	// dropped and the rest of the commit still applies.
	err := h.HandleCommit(ctx, &comatproto.SyncSubscribeRepos_Commit{
		Repo:   "did:plc:alice",
		Rev:    "rev2",
		Seq:    12,
		Blocks: blocks,
		Ops: []*comatproto.SyncSubscribeRepos_RepoOp{
			op("create", "app.bsky.feed.post/3kpresent"),
			op("create", "app.bsky.feed.post/3kmissing"),
		},
	})
	require.NoError(t, err)

	p, err := s.GetPostByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/3kpresent")
	require.NoError(t, err)
	assert.NotNil(t, p)

	missing, err := s.GetPostByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/3kmissing")
	require.NoError(t, err)
	assert.Nil(t, missing)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.EqualValues(t, 1, counts.Posts)
}

func TestHandleCommitEmptyBlocks(t *testing.T) {
	h, _, _ := newTestHandler(t)

	err := h.HandleCommit(context.Background(), &comatproto.SyncSubscribeRepos_Commit{
		Repo: "did:plc:alice",
		Rev:  "rev1",
		Seq:  7,
	})
	assert.NoError(t, err)
}

func TestPostCreate(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:alice", "alice.test")

	rec := &appbsky.FeedPost{Text: "hello", CreatedAt: "2026-08-24T09:00:00Z"}
	err := h.ApplyRecord(ctx, "did:plc:alice",
		op("create", "app.bsky.feed.post/3kaaa"), "bafyp", rec)
	require.NoError(t, err)

	p, err := s.GetPostByURI(ctx, "at://did:plc:alice/app.bsky.feed.post/3kaaa")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "hello", p.Text)
	assert.Equal(t, "bafyp", p.CID)
}

func TestLikeCreateAddsEdge(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()

	const subject = "at://did:plc:alice/app.bsky.feed.post/3kaaa"
	api.addProfile("did:plc:alice", "alice.test")
	api.addProfile("did:plc:bob", "bob.test")
	api.addPost(subject, "did:plc:alice")

	rec := &appbsky.FeedLike{Subject: &comatproto.RepoStrongRef{Uri: subject}}
	err := h.ApplyRecord(ctx, "did:plc:bob",
		op("create", "app.bsky.feed.like/3klike"), "bafyl", rec)
	require.NoError(t, err)

	likes, err := s.LikesForPost(ctx, subject)
	require.NoError(t, err)
	require.Len(t, likes, 1)
	assert.Equal(t, "did:plc:bob", likes[0].AuthorDID)
	assert.Equal(t, "3klike", likes[0].RKey)
}

func TestLikeOnFeedGeneratorSkipped(t *testing.T) {
	h, s, _ := newTestHandler(t)
	ctx := context.Background()

	rec := &appbsky.FeedLike{Subject: &comatproto.RepoStrongRef{
		Uri: "at://did:plc:alice/app.bsky.feed.generator/whats-hot",
	}}
	err := h.ApplyRecord(ctx, "did:plc:bob",
		op("create", "app.bsky.feed.like/3klike"), "bafyl", rec)
	require.NoError(t, err)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts.Likes)
	assert.Zero(t, counts.Users, "nothing is resolved for a skipped like")
}

func TestLikeSubjectGoneSkipped(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:bob", "bob.test")

	rec := &appbsky.FeedLike{Subject: &comatproto.RepoStrongRef{
		Uri: "at://did:plc:alice/app.bsky.feed.post/deleted",
	}}
	err := h.ApplyRecord(ctx, "did:plc:bob",
		op("create", "app.bsky.feed.like/3klike"), "bafyl", rec)
	require.NoError(t, err)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts.Likes)
}

func TestFollowCreateAddsEdge(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:alice", "alice.test")
	api.addProfile("did:plc:bob", "bob.test")

	rec := &appbsky.GraphFollow{Subject: "did:plc:alice"}
	err := h.ApplyRecord(ctx, "did:plc:bob",
		op("create", "app.bsky.graph.follow/3kfol"), "bafyf", rec)
	require.NoError(t, err)

	followers, err := s.FollowersOf(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.Len(t, followers, 1)
	assert.Equal(t, "did:plc:bob", followers[0].AuthorDID)
}

func TestActorProfileUpdateCoalesces(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()

	display := "Alice"
	bio := "original bio"
	api.profiles["did:plc:alice"] = &bsky.Profile{
		DID: "did:plc:alice", Handle: "alice.test", DisplayName: &display, Bio: &bio,
	}

	newDisplay := "Alice II"
	rec := &appbsky.ActorProfile{DisplayName: &newDisplay}
	err := h.ApplyRecord(ctx, "did:plc:alice",
		op("update", "app.bsky.actor.profile/self"), "bafya", rec)
	require.NoError(t, err)

	u, err := s.GetUserByDID(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "Alice II", u.DisplayName)
	assert.Equal(t, "original bio", u.Bio, "nil bio in the record keeps the stored value")
}

func TestDeleteDispatch(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()

	const subject = "at://did:plc:alice/app.bsky.feed.post/3kaaa"
	api.addProfile("did:plc:alice", "alice.test")
	api.addProfile("did:plc:bob", "bob.test")
	api.addPost(subject, "did:plc:alice")

	like := &appbsky.FeedLike{Subject: &comatproto.RepoStrongRef{Uri: subject}}
	require.NoError(t, h.ApplyRecord(ctx, "did:plc:bob",
		op("create", "app.bsky.feed.like/3klike"), "bafyl", like))

	require.NoError(t, h.applyDelete(ctx, "did:plc:bob", "app.bsky.feed.like/3klike"))
	likes, err := s.LikesForPost(ctx, subject)
	require.NoError(t, err)
	assert.Empty(t, likes)

	require.NoError(t, h.applyDelete(ctx, "did:plc:alice", "app.bsky.feed.post/3kaaa"))
	p, err := s.GetPostByURI(ctx, subject)
	require.NoError(t, err)
	assert.Nil(t, p)

	// Deleting again, and deleting unknown collections, are no-ops.
	require.NoError(t, h.applyDelete(ctx, "did:plc:alice", "app.bsky.feed.post/3kaaa"))
	require.NoError(t, h.applyDelete(ctx, "did:plc:alice", "app.bsky.feed.generator/whats-hot"))
}

func TestHandleChangeAndTombstone(t *testing.T) {
	h, s, api := newTestHandler(t)
	ctx := context.Background()
	api.addProfile("did:plc:alice", "alice.test")
	api.addPost("at://did:plc:alice/app.bsky.feed.post/3kaaa", "did:plc:alice")

	post := &appbsky.FeedPost{Text: "mine", CreatedAt: "2026-08-24T09:00:00Z"}
	require.NoError(t, h.ApplyRecord(ctx, "did:plc:alice",
		op("create", "app.bsky.feed.post/3kaaa"), "bafyp", post))

	err := h.HandleHandleChange(ctx, &comatproto.SyncSubscribeRepos_Handle{
		Did: "did:plc:alice", Handle: "alice-renamed.test", Seq: 9,
	})
	require.NoError(t, err)
	u, err := s.GetUserByDID(ctx, "did:plc:alice")
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "alice-renamed.test", u.Handle)

	err = h.HandleTombstone(ctx, &comatproto.SyncSubscribeRepos_Tombstone{
		Did: "did:plc:alice", Seq: 10,
	})
	require.NoError(t, err)

	counts, err := s.Counts()
	require.NoError(t, err)
	assert.Zero(t, counts.Users)
	assert.Zero(t, counts.Posts, "tombstone cascades to the author's posts")
}
