// atgraph-backfill walks a relay's repo listing and projects every repo's
// current records into the graph database. It is a one-shot batch driver:
// run it before starting the live ingester to seed the graph, or rerun it
// to fill gaps. All writes are idempotent, so overlapping with live
// ingestion is safe.
package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/repo"
	"github.com/bluesky-social/indigo/xrpc"
	"github.com/ipfs/go-cid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/atgraph/atgraph/internal/bsky"
	"github.com/atgraph/atgraph/internal/database/graphstore"
	"github.com/atgraph/atgraph/internal/firehose"
	"github.com/atgraph/atgraph/internal/ratelimit"
	"github.com/atgraph/atgraph/internal/resolver"
)

func main() {
	fs := flag.NewFlagSet("atgraph-backfill", flag.ExitOnError)
	relayHost := fs.String("relay-host", "https://bsky.network", "relay host for listRepos/getRepo")
	apiHost := fs.String("api-host", bsky.DefaultHost, "appview host for profile/post lookups")
	db := fs.String("db", "atgraph.db", "graph database DSN")
	maxRepos := fs.Int("max-repos", 0, "stop after this many repos (0 = all)")
	pageSize := fs.Int64("page-size", 500, "repos per listRepos page")
	fs.Parse(os.Args[1:])

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})

	store, err := graphstore.Open(*db)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", *db).Msg("Failed to open graph database")
	}
	defer store.Close()

	limiter := ratelimit.New(ratelimit.Options{Classify: bsky.Classify})
	res := resolver.New(store, bsky.New(*apiHost, limiter))
	handler := firehose.NewHandler(store, res)

	relay := &xrpc.Client{
		Host:   *relayHost,
		Client: &http.Client{Timeout: 5 * time.Minute},
	}

	ctx := context.Background()
	if err := backfill(ctx, relay, handler, limiter, *maxRepos, *pageSize); err != nil {
		log.Fatal().Err(err).Msg("Backfill failed")
	}
}

func backfill(ctx context.Context, relay *xrpc.Client, handler *firehose.Handler, limiter *ratelimit.Limiter, maxRepos int, pageSize int64) error {
	var cursor string
	var done int

	for {
		var page *comatproto.SyncListRepos_Output
		err := limiter.Do(ctx, "listRepos", func(ctx context.Context) error {
			var err error
			page, err = comatproto.SyncListRepos(ctx, relay, cursor, pageSize)
			return err
		})
		if err != nil {
			return fmt.Errorf("listing repos: %w", err)
		}

		for _, r := range page.Repos {
			if r == nil {
				continue
			}
			if r.Active != nil && !*r.Active {
				continue
			}
			if err := backfillRepo(ctx, relay, handler, limiter, r.Did); err != nil {
				log.Warn().Err(err).Str("did", r.Did).Msg("Skipping repo")
			}
			done++
			if done%100 == 0 {
				log.Info().Int("repos", done).Msg("Backfill progress")
			}
			if maxRepos > 0 && done >= maxRepos {
				log.Info().Int("repos", done).Msg("Backfill complete (limit reached)")
				return nil
			}
		}

		if page.Cursor == nil || *page.Cursor == "" {
			log.Info().Int("repos", done).Msg("Backfill complete")
			return nil
		}
		cursor = *page.Cursor
	}
}

// backfillRepo fetches a repo's current CAR snapshot and applies every
// record in the collections the graph projects.
func backfillRepo(ctx context.Context, relay *xrpc.Client, handler *firehose.Handler, limiter *ratelimit.Limiter, did string) error {
	var car []byte
	err := limiter.Do(ctx, "getRepo", func(ctx context.Context) error {
		var err error
		car, err = comatproto.SyncGetRepo(ctx, relay, did, "")
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching repo: %w", err)
	}

	rr, err := repo.ReadRepoFromCar(ctx, bytes.NewReader(car))
	if err != nil {
		return fmt.Errorf("reading repo car: %w", err)
	}

	return rr.ForEach(ctx, "", func(path string, rcid cid.Cid) error {
		if !projectedPath(path) {
			return nil
		}
		_, rec, err := rr.GetRecord(ctx, path)
		if err != nil {
			log.Debug().Err(err).Str("did", did).Str("path", path).Msg("Skipping undecodable record")
			return nil
		}
		op := &comatproto.SyncSubscribeRepos_RepoOp{Action: "create", Path: path}
		if err := handler.ApplyRecord(ctx, did, op, rcid.String(), rec); err != nil {
			log.Warn().Err(err).Str("did", did).Str("path", path).Msg("Skipping record")
		}
		return nil
	})
}

func projectedPath(path string) bool {
	for _, c := range []string{
		firehose.CollectionPost,
		firehose.CollectionLike,
		firehose.CollectionRepost,
		firehose.CollectionFollow,
		firehose.CollectionProfile,
	} {
		if strings.HasPrefix(path, c+"/") {
			return true
		}
	}
	return false
}
