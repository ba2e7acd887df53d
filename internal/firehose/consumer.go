package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	comatproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/bluesky-social/indigo/events/schedulers/sequential"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	typegen "github.com/whyrusleeping/cbor-gen"

	"github.com/atgraph/atgraph/internal/database/boltstore"
	"github.com/atgraph/atgraph/internal/metrics"
	"github.com/atgraph/atgraph/internal/ratelimit"
)

const subscribeReposPath = "/xrpc/com.atproto.sync.subscribeRepos"

// Adaptive throttle: when the relay runs hot, resolver fan-out is the first
// thing to drown the outbound rate limit, so the minimum gap between
// outbound calls is widened with the event rate.
const (
	throttleSampleEvery = 15 * time.Second
	epsHigh             = 350
	epsElevated         = 280
	minTimeHigh         = 750 * time.Millisecond
	minTimeElevated     = 300 * time.Millisecond
)

// Consumer subscribes to a relay's subscribeRepos stream and feeds messages
// through the Handler. It reconnects with backoff, rotating across relay
// hosts, and resumes from the persisted cursor.
type Consumer struct {
	handler *Handler
	cursors *boltstore.CursorStore
	failed  *boltstore.FailedStore
	limiter *ratelimit.Limiter
	hosts   []string

	hostIdx int
	conn    *websocket.Conn
	connMu  sync.Mutex

	connected    atomic.Bool
	windowEvents atomic.Int64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a consumer over the given relay hosts
// (e.g. "wss://bsky.network").
func NewConsumer(handler *Handler, cursors *boltstore.CursorStore, failed *boltstore.FailedStore, limiter *ratelimit.Limiter, hosts []string) *Consumer {
	return &Consumer{
		handler: handler,
		cursors: cursors,
		failed:  failed,
		limiter: limiter,
		hosts:   hosts,
		stopCh:  make(chan struct{}),
	}
}

// Start drains the failed-message queue, then begins consuming in a
// background goroutine.
func (c *Consumer) Start(ctx context.Context) {
	c.Replay(ctx)

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.throttleLoop(ctx)
	}()
}

// Stop closes the connection, waits for the loops to exit and flushes the
// cursor.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.connMu.Unlock()
	c.wg.Wait()

	if err := c.cursors.Flush(); err != nil {
		log.Warn().Err(err).Msg("firehose: flushing cursor on stop")
	}
}

// IsConnected reports whether the stream is currently up.
func (c *Consumer) IsConnected() bool {
	return c.connected.Load()
}

func (c *Consumer) run(ctx context.Context) {
	backoff := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		host := c.hosts[c.hostIdx]
		err := c.connectAndConsume(ctx, host)
		c.connected.Store(false)
		metrics.FirehoseConnectionState.Set(0)
		if err == nil {
			backoff = time.Second
			continue
		}

		log.Warn().Err(err).Str("host", host).Msg("firehose: stream error")
		c.hostIdx = (c.hostIdx + 1) % len(c.hosts)

		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Consumer) connectAndConsume(ctx context.Context, host string) error {
	wsURL, err := c.buildSubscribeURL(host)
	if err != nil {
		return fmt.Errorf("building subscribe url: %w", err)
	}
	log.Info().Str("url", wsURL).Msg("firehose: connecting")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialing %s: %w", host, err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()
	c.connected.Store(true)
	metrics.FirehoseConnectionState.Set(1)
	log.Info().Str("host", host).Msg("firehose: connected")

	defer func() {
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
	}()

	sched := sequential.NewScheduler("atgraph", c.callbacks(ctx).EventHandler)
	return events.HandleRepoStream(ctx, conn, sched, slog.Default())
}

func (c *Consumer) buildSubscribeURL(host string) (string, error) {
	u, err := url.Parse(host)
	if err != nil {
		return "", err
	}
	u.Path = subscribeReposPath

	cursor, ok, err := c.cursors.Get()
	if err != nil {
		log.Warn().Err(err).Msg("firehose: reading cursor, starting from live")
	} else if ok {
		q := u.Query()
		q.Set("cursor", fmt.Sprintf("%d", cursor))
		u.RawQuery = q.Encode()
		log.Info().Int64("cursor", cursor).Msg("firehose: resuming from cursor")
	}
	return u.String(), nil
}

func (c *Consumer) callbacks(ctx context.Context) *events.RepoStreamCallbacks {
	return &events.RepoStreamCallbacks{
		RepoCommit: func(evt *comatproto.SyncSubscribeRepos_Commit) error {
			c.observe("commit")
			if err := c.handler.HandleCommit(ctx, evt); err != nil {
				c.capture(evt.Repo+"::"+evt.Rev, "commit", evt, err)
			}
			c.cursors.Set(evt.Seq)
			return nil
		},
		RepoHandle: func(evt *comatproto.SyncSubscribeRepos_Handle) error {
			c.observe("handle")
			if err := c.handler.HandleHandleChange(ctx, evt); err != nil {
				c.capture(evt.Did+"::handle", "handle", evt, err)
			}
			c.cursors.Set(evt.Seq)
			return nil
		},
		RepoIdentity: func(evt *comatproto.SyncSubscribeRepos_Identity) error {
			c.observe("identity")
			if err := c.handler.HandleIdentity(ctx, evt); err != nil {
				c.capture(evt.Did+"::identity", "identity", evt, err)
			}
			c.cursors.Set(evt.Seq)
			return nil
		},
		RepoTombstone: func(evt *comatproto.SyncSubscribeRepos_Tombstone) error {
			c.observe("tombstone")
			if err := c.handler.HandleTombstone(ctx, evt); err != nil {
				c.capture(evt.Did+"::tombstone", "tombstone", evt, err)
			}
			c.cursors.Set(evt.Seq)
			return nil
		},
		RepoInfo: func(evt *comatproto.SyncSubscribeRepos_Info) error {
			// Informational only; the cursor does not advance.
			c.observe("info")
			log.Info().Str("name", evt.Name).Msg("firehose: info frame")
			return nil
		},
		Error: func(evt *events.ErrorFrame) error {
			return fmt.Errorf("stream error frame: %s: %s", evt.Error, evt.Message)
		},
	}
}

func (c *Consumer) observe(kind string) {
	c.windowEvents.Add(1)
	metrics.FirehoseEventsTotal.WithLabelValues(kind).Inc()
}

// capture serializes a message whose processing failed into the failed
// queue. The cursor still advances past it; the queue is drained at the
// next startup.
func (c *Consumer) capture(key, kind string, msg typegen.CBORMarshaler, procErr error) {
	metrics.FirehoseErrorsTotal.Inc()
	log.Warn().Err(procErr).Str("key", key).Str("kind", kind).Msg("firehose: capturing failed message")

	var buf bytes.Buffer
	if err := msg.MarshalCBOR(&buf); err != nil {
		log.Error().Err(err).Str("key", key).Msg("firehose: serializing failed message")
		return
	}
	if err := c.failed.Put(key, kind, buf.Bytes(), procErr.Error()); err != nil {
		log.Error().Err(err).Str("key", key).Msg("firehose: storing failed message")
		return
	}
	if n, err := c.failed.Len(); err == nil {
		metrics.FailedQueueDepth.Set(float64(n))
	}
}

// throttleLoop samples the event rate and retunes the outbound limiter.
func (c *Consumer) throttleLoop(ctx context.Context) {
	ticker := time.NewTicker(throttleSampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		}

		eps := float64(c.windowEvents.Swap(0)) / throttleSampleEvery.Seconds()
		metrics.FirehoseEventsPerSecond.Set(eps)
		log.Debug().Float64("eps", eps).Msg("firehose: event rate")

		minTime := ratelimit.DefaultMinTime
		switch {
		case eps >= epsHigh:
			minTime = minTimeHigh
		case eps >= epsElevated:
			minTime = minTimeElevated
		}
		if c.limiter.MinTime() != minTime {
			log.Info().Float64("eps", eps).Dur("min_time", minTime).Msg("firehose: retuning outbound pace")
		}
		c.limiter.SetMinTime(minTime)
		metrics.RateLimiterMinTime.Set(minTime.Seconds())
	}
}
