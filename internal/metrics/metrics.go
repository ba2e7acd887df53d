package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Firehose metrics
var (
	FirehoseEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_firehose_events_total",
		Help: "Total number of firehose events processed",
	}, []string{"kind"})

	FirehoseOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_firehose_ops_total",
		Help: "Total number of commit record ops processed",
	}, []string{"collection", "action"})

	FirehoseConnectionState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_firehose_connection_state",
		Help: "Firehose connection state (1=connected, 0=disconnected)",
	})

	FirehoseErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_firehose_errors_total",
		Help: "Total number of firehose processing errors",
	})

	FirehoseEventsPerSecond = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_firehose_events_per_second",
		Help: "Firehose event rate over the last sampling window",
	})

	FailedQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_failed_queue_depth",
		Help: "Number of messages waiting in the failed-message queue",
	})
)

// Outbound API metrics
var (
	OutboundRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_outbound_requests_total",
		Help: "Total number of batched outbound API requests",
	}, []string{"endpoint", "status"})

	OutboundLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_outbound_lookups_total",
		Help: "Total number of single-key lookups entering the batching layer",
	}, []string{"kind"})

	RateLimiterMinTime = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_rate_limiter_min_time_seconds",
		Help: "Current minimum gap between outbound job starts",
	})

	RateLimiterTokens = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_rate_limiter_tokens",
		Help: "Remaining tokens in the outbound reservoir",
	})
)

// Resolver metrics
var (
	ResolverCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_resolver_cache_hits_total",
		Help: "Presence cache hits during resolution",
	}, []string{"kind"})

	ResolverSoftMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "atgraph_resolver_soft_misses_total",
		Help: "Referenced users/posts that no longer exist upstream",
	}, []string{"kind"})

	HandleMovesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_handle_moves_total",
		Help: "Handle collisions reconciled during user resolution",
	})

	PostsInsertedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "atgraph_resolver_posts_inserted_total",
		Help: "Posts materialized into the projection by the resolver",
	})
)

// Projection metrics (gauges updated periodically by the collector)
var (
	ProjectedUsersTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_projected_users_total",
		Help: "Total number of users in the projection",
	})

	ProjectedPostsTotal = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "atgraph_projected_posts_total",
		Help: "Total number of posts in the projection",
	})

	ProjectedEdgesTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "atgraph_projected_edges_total",
		Help: "Total number of edges in the projection by kind",
	}, []string{"kind"})
)
