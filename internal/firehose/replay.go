package firehose

import (
	"bytes"
	"context"
	"fmt"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/rs/zerolog/log"

	"github.com/atgraph/atgraph/internal/database/boltstore"
	"github.com/atgraph/atgraph/internal/metrics"
)

// maxReplayRetries is how many startup replays a failed message survives
// before it is discarded.
const maxReplayRetries = 3

// Replay drains the failed-message queue. Each entry is re-processed;
// success removes it, failure bumps its retry counter, and entries that
// keep failing are discarded with a log line.
func (c *Consumer) Replay(ctx context.Context) {
	msgs, err := c.failed.List()
	if err != nil {
		log.Error().Err(err).Msg("firehose: listing failed messages")
		return
	}
	if len(msgs) == 0 {
		return
	}
	log.Info().Int("count", len(msgs)).Msg("firehose: replaying failed messages")

	for _, m := range msgs {
		err := c.replayOne(ctx, m)
		if err == nil {
			if rerr := c.failed.Remove(m.Key); rerr != nil {
				log.Warn().Err(rerr).Str("key", m.Key).Msg("firehose: removing replayed message")
			}
			continue
		}

		retries, rerr := c.failed.IncrementRetries(m.Key)
		if rerr != nil {
			log.Warn().Err(rerr).Str("key", m.Key).Msg("firehose: bumping retry counter")
			continue
		}
		if retries >= maxReplayRetries {
			log.Warn().Err(err).Str("key", m.Key).Int("retries", retries).
				Msg("firehose: discarding message after repeated failures")
			if derr := c.failed.Remove(m.Key); derr != nil {
				log.Warn().Err(derr).Str("key", m.Key).Msg("firehose: discarding message")
			}
			continue
		}
		log.Warn().Err(err).Str("key", m.Key).Int("retries", retries).
			Msg("firehose: replay failed, keeping for next startup")
	}

	if n, err := c.failed.Len(); err == nil {
		metrics.FailedQueueDepth.Set(float64(n))
	}
}

func (c *Consumer) replayOne(ctx context.Context, m *boltstore.FailedMessage) error {
	switch m.Kind {
	case "commit":
		var evt comatproto.SyncSubscribeRepos_Commit
		if err := evt.UnmarshalCBOR(bytes.NewReader(m.Payload)); err != nil {
			return fmt.Errorf("decoding captured commit: %w", err)
		}
		return c.handler.HandleCommit(ctx, &evt)
	case "handle":
		var evt comatproto.SyncSubscribeRepos_Handle
		if err := evt.UnmarshalCBOR(bytes.NewReader(m.Payload)); err != nil {
			return fmt.Errorf("decoding captured handle change: %w", err)
		}
		return c.handler.HandleHandleChange(ctx, &evt)
	case "identity":
		var evt comatproto.SyncSubscribeRepos_Identity
		if err := evt.UnmarshalCBOR(bytes.NewReader(m.Payload)); err != nil {
			return fmt.Errorf("decoding captured identity: %w", err)
		}
		return c.handler.HandleIdentity(ctx, &evt)
	case "tombstone":
		var evt comatproto.SyncSubscribeRepos_Tombstone
		if err := evt.UnmarshalCBOR(bytes.NewReader(m.Payload)); err != nil {
			return fmt.Errorf("decoding captured tombstone: %w", err)
		}
		return c.handler.HandleTombstone(ctx, &evt)
	default:
		return fmt.Errorf("unknown captured message kind %q", m.Kind)
	}
}
