package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/atgraph/atgraph/internal/bsky"
	"github.com/atgraph/atgraph/internal/config"
	"github.com/atgraph/atgraph/internal/database/boltstore"
	"github.com/atgraph/atgraph/internal/database/graphstore"
	"github.com/atgraph/atgraph/internal/firehose"
	"github.com/atgraph/atgraph/internal/metrics"
	"github.com/atgraph/atgraph/internal/ratelimit"
	"github.com/atgraph/atgraph/internal/resolver"
	"github.com/atgraph/atgraph/internal/tracing"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		os.Exit(2)
	}

	setupLogging(cfg.Verbose)
	log.Info().Msg("Starting atgraph firehose ingester")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		tp, err := tracing.Init(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without it")
		} else {
			defer tp.Shutdown(context.Background())
		}
	}

	store, err := graphstore.Open(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Str("dsn", cfg.DB).Msg("Failed to open graph database")
	}
	defer store.Close()
	log.Info().Str("dsn", cfg.DB).Msg("Graph database opened")

	state, err := boltstore.Open(boltstore.Options{
		Path: filepath.Join(cfg.DataDir, "state.db"),
	})
	if err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("Failed to open state database")
	}
	defer state.Close()

	limiter := ratelimit.New(ratelimit.Options{
		Classify: bsky.Classify,
	})
	client := bsky.New(cfg.APIHost, limiter)
	res := resolver.New(store, client)
	handler := firehose.NewHandler(store, res)
	consumer := firehose.NewConsumer(handler, state.CursorStore(), state.FailedStore(), limiter, cfg.RelayHosts)

	if cfg.MetricsAddr != "" {
		go serveMetrics(cfg.MetricsAddr)
	}
	go collectStats(ctx, store)

	consumer.Start(ctx)
	log.Info().Strs("relays", cfg.RelayHosts).Msg("Consuming firehose")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info().Msg("Shutting down")
	cancel()
	consumer.Stop()
}

func setupLogging(verbose bool) {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if os.Getenv("LOG_FORMAT") == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	}
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("addr", addr).Msg("Serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("Metrics listener failed")
	}
}

// collectStats refreshes the projection gauges once a minute.
func collectStats(ctx context.Context, store *graphstore.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		counts, err := store.Counts()
		if err != nil {
			log.Warn().Err(err).Msg("Collecting projection counts")
			continue
		}
		metrics.ProjectedUsersTotal.Set(float64(counts.Users))
		metrics.ProjectedPostsTotal.Set(float64(counts.Posts))
		metrics.ProjectedEdgesTotal.WithLabelValues("like").Set(float64(counts.Likes))
		metrics.ProjectedEdgesTotal.WithLabelValues("repost").Set(float64(counts.Reposts))
		metrics.ProjectedEdgesTotal.WithLabelValues("follow").Set(float64(counts.Follows))
	}
}
