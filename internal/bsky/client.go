// Package bsky is the outbound API client for profile and post lookups.
//
// Single-key lookups are coalesced (one in-flight call per key), grouped
// into batched getProfiles/getPosts requests of at most 25 keys, and every
// batch request runs under the process-wide rate limiter.
package bsky

import (
	"context"
	"errors"
	"net/http"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"
	"github.com/bluesky-social/indigo/xrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/atgraph/atgraph/internal/batch"
	"github.com/atgraph/atgraph/internal/coalesce"
	"github.com/atgraph/atgraph/internal/metrics"
	"github.com/atgraph/atgraph/internal/ratelimit"
	"github.com/atgraph/atgraph/internal/tracing"
)

const (
	// DefaultHost is the unauthenticated public appview endpoint.
	DefaultHost = "https://public.api.bsky.app"

	// MaxBatchKeys is the upstream per-request key limit for
	// getProfiles and getPosts.
	MaxBatchKeys = 25

	// DefaultBatchWindow is how long a partial batch waits before flushing.
	DefaultBatchWindow = time.Second
)

// Profile is the subset of a profile view the projection stores.
type Profile struct {
	DID         string
	Handle      string
	DisplayName *string
	Bio         *string
}

// PostInfo is the subset of a post view the projection stores. Record is
// nil when the returned record did not decode as a feed post.
type PostInfo struct {
	URI       string
	CID       string
	AuthorDID string
	Record    *appbsky.FeedPost
}

// Client exposes GetProfile and GetPost over the batching stack. A nil
// result with a nil error is a soft miss: the subject no longer exists
// upstream.
type Client struct {
	xrpc    *xrpc.Client
	limiter *ratelimit.Limiter

	profileFlight coalesce.Group[*Profile]
	postFlight    coalesce.Group[*PostInfo]
	profiles      *batch.Batcher[string, *Profile]
	posts         *batch.Batcher[string, *PostInfo]
}

// New creates a client against host (DefaultHost when empty) scheduled by
// limiter.
func New(host string, limiter *ratelimit.Limiter) *Client {
	if host == "" {
		host = DefaultHost
	}
	c := &Client{
		xrpc: &xrpc.Client{
			Host: host,
			Client: &http.Client{
				Timeout:   30 * time.Second,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
		},
		limiter: limiter,
	}
	c.profiles = batch.New(MaxBatchKeys, DefaultBatchWindow, c.fetchProfiles)
	c.posts = batch.New(MaxBatchKeys, DefaultBatchWindow, c.fetchPosts)
	return c
}

// GetProfile fetches the profile for did. Returns (nil, nil) when the
// account no longer exists.
func (c *Client) GetProfile(ctx context.Context, did string) (*Profile, error) {
	metrics.OutboundLookupsTotal.WithLabelValues("profile").Inc()
	return c.profileFlight.Do("profile:"+did, func() (*Profile, error) {
		return c.profiles.Add(ctx, did)
	})
}

// GetPost fetches the post at uri. Returns (nil, nil) when the post no
// longer exists.
func (c *Client) GetPost(ctx context.Context, uri string) (*PostInfo, error) {
	metrics.OutboundLookupsTotal.WithLabelValues("post").Inc()
	return c.postFlight.Do("post:"+uri, func() (*PostInfo, error) {
		return c.posts.Add(ctx, uri)
	})
}

func (c *Client) fetchProfiles(ctx context.Context, dids []string) (map[string]*Profile, error) {
	ctx, span := tracing.LookupSpan(ctx, "app.bsky.actor.getProfiles", len(dids))
	defer span.End()

	var out *appbsky.ActorGetProfiles_Output
	err := c.limiter.Do(ctx, "getProfiles", func(ctx context.Context) error {
		var err error
		out, err = appbsky.ActorGetProfiles(ctx, c.xrpc, dids)
		return err
	})
	metrics.RateLimiterTokens.Set(float64(c.limiter.Tokens()))
	if err != nil {
		metrics.OutboundRequestsTotal.WithLabelValues("getProfiles", "error").Inc()
		tracing.EndWithError(span, err)
		return nil, err
	}
	metrics.OutboundRequestsTotal.WithLabelValues("getProfiles", "ok").Inc()

	result := make(map[string]*Profile, len(out.Profiles))
	for _, p := range out.Profiles {
		if p == nil {
			continue
		}
		result[p.Did] = &Profile{
			DID:         p.Did,
			Handle:      p.Handle,
			DisplayName: p.DisplayName,
			Bio:         p.Description,
		}
	}
	return result, nil
}

func (c *Client) fetchPosts(ctx context.Context, uris []string) (map[string]*PostInfo, error) {
	ctx, span := tracing.LookupSpan(ctx, "app.bsky.feed.getPosts", len(uris))
	defer span.End()

	var out *appbsky.FeedGetPosts_Output
	err := c.limiter.Do(ctx, "getPosts", func(ctx context.Context) error {
		var err error
		out, err = appbsky.FeedGetPosts(ctx, c.xrpc, uris)
		return err
	})
	metrics.RateLimiterTokens.Set(float64(c.limiter.Tokens()))
	if err != nil {
		metrics.OutboundRequestsTotal.WithLabelValues("getPosts", "error").Inc()
		tracing.EndWithError(span, err)
		return nil, err
	}
	metrics.OutboundRequestsTotal.WithLabelValues("getPosts", "ok").Inc()

	result := make(map[string]*PostInfo, len(out.Posts))
	for _, view := range out.Posts {
		if view == nil || view.Author == nil {
			continue
		}
		info := &PostInfo{
			URI:       view.Uri,
			CID:       view.Cid,
			AuthorDID: view.Author.Did,
		}
		if view.Record != nil {
			if rec, ok := view.Record.Val.(*appbsky.FeedPost); ok {
				info.Record = rec
			}
		}
		result[view.Uri] = info
	}
	return result, nil
}

// Classify maps outbound errors onto the rate limiter's retry policy:
// a 429 with an exhausted window is delayed until the advertised reset,
// other 429s and 5xx and transport errors get exponential backoff, and
// remaining request errors are dropped.
func Classify(err error) ratelimit.Outcome {
	if err == nil {
		return ratelimit.Outcome{}
	}
	var xe *xrpc.Error
	if errors.As(err, &xe) {
		if xe.StatusCode == http.StatusTooManyRequests {
			if xe.Ratelimit != nil && xe.Ratelimit.Remaining == 0 && !xe.Ratelimit.Reset.IsZero() {
				if d := time.Until(xe.Ratelimit.Reset); d > 0 {
					return ratelimit.Outcome{RetryAfter: d}
				}
			}
			return ratelimit.Outcome{Retry: true}
		}
		if xe.StatusCode >= 500 {
			return ratelimit.Outcome{Retry: true}
		}
		return ratelimit.Outcome{}
	}
	// Transport-level failure.
	return ratelimit.Outcome{Retry: true}
}
