// Package main runs one statistics batch: compute the requested periods and commit them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/scrobble-stats/internal/adapter"
	"github.com/scrobble-stats/internal/config"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/ratelimit"
	"github.com/scrobble-stats/internal/retry"
	"github.com/scrobble-stats/internal/service"
	"github.com/scrobble-stats/internal/storage"
	"github.com/scrobble-stats/internal/superlative"
	"github.com/scrobble-stats/internal/types"
)

func main() {
	var (
		kinds  = flag.String("kind", "weekly,monthly,annual", "Comma separated period kinds: weekly, monthly, annual, decade")
		offset = flag.Int("offset", 0, "Compute the closed window this many periods back instead of the active one")
		force  = flag.Bool("force", false, "Recompute even when the cached payload is reusable")
		nowStr = flag.String("now", "", "Reference instant (RFC 3339); defaults to the current time")
	)
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	req, err := buildRequest(*kinds, *offset, *force, *nowStr)
	if err != nil {
		logger.WithError(err).Fatal("Invalid arguments")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	report, err := run(ctx, cfg, req)
	if report != nil {
		if encErr := json.NewEncoder(os.Stdout).Encode(report); encErr != nil {
			logger.WithError(encErr).Error("Failed to write run report")
		}
	}
	if err != nil {
		logger.WithError(err).Error("Stats run failed")
		os.Exit(1)
	}
}

func buildRequest(kinds string, offset int, force bool, nowStr string) (service.RunRequest, error) {
	req := service.RunRequest{Offset: offset, Force: force}
	if offset < 0 {
		return req, fmt.Errorf("offset must not be negative")
	}
	for _, k := range strings.Split(kinds, ",") {
		kind := types.PeriodKind(strings.TrimSpace(k))
		if !kind.Valid() {
			return req, fmt.Errorf("unknown period kind %q", k)
		}
		req.Kinds = append(req.Kinds, kind)
	}
	if nowStr != "" {
		now, err := time.Parse(time.RFC3339, nowStr)
		if err != nil {
			return req, fmt.Errorf("invalid -now: %w", err)
		}
		req.Now = now
	}
	return req, nil
}

func run(ctx context.Context, cfg *config.Config, req service.RunRequest) (*service.RunReport, error) {
	logger := logging.FromContext(ctx)

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	defer func() {
		_ = clickhouse.Close() // nolint:errcheck // cleanup in defer
	}()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer func() {
		_ = redis.Close() // nolint:errcheck // cleanup in defer
	}()

	loc, err := cfg.Stats.Location()
	if err != nil {
		return nil, err
	}

	m := metrics.NewManager()
	cacheService := storage.NewCacheService(redis, cfg.Cache.TTL)
	statRepo := storage.NewStatRepository(postgres)
	tagRepo := storage.NewTagRepository(postgres)

	deps := service.StatsDeps{
		Events:      storage.NewScrobbleRepository(clickhouse),
		FirstListen: storage.NewFirstListenRepository(postgres),
		Tags:        tagRepo,
		Cache:       service.NewCacheManager(statRepo, storage.NewPayloadCache(cacheService, statRepo), m),
		Metrics:     m,
		Location:    loc,
	}

	enricher, err := newEnricher(cfg, tagRepo, cacheService, redis, m)
	if err != nil {
		return nil, err
	}
	if enricher != nil {
		deps.Enricher = enricher
	} else {
		logger.Warn("No enrichment endpoints configured, using stored tags only")
	}

	svc := service.NewStatsService(deps, service.StatsOptions{
		Users:          cfg.Stats.Users,
		TopN:           cfg.Stats.TopN,
		CoincidenceN:   cfg.Stats.CoincidenceN,
		MinUsers:       cfg.Stats.MinUsers,
		Workers:        cfg.Stats.Workers,
		DecadeAxis:     cfg.Stats.DecadeAxis,
		EvolutionYears: cfg.Stats.EvolutionYears,
		EvidenceLimit:  cfg.Superlatives.EvidenceLimit,
		Superlatives: superlative.Config{
			GoldenOldieLifetimeMin: cfg.Superlatives.GoldenOldieLifetimeMin,
			ClimberMonthlyMin:      cfg.Superlatives.ClimberMonthlyMin,
			OneHitWonderMin:        cfg.Superlatives.OneHitWonderMin,
			ListSize:               cfg.Superlatives.ListSize,
		},
	})

	return svc.Run(ctx, req)
}

// newEnricher wires the configured providers; it returns nil when none are configured
func newEnricher(cfg *config.Config, writer service.TagWriter, cache *storage.CacheService, redis *storage.RedisCache, m *metrics.Manager) (*service.EnrichmentService, error) {
	if len(cfg.Enrichment.Endpoints) == 0 {
		return nil, nil
	}

	providers, err := adapter.NewProviders(cfg.Enrichment.Endpoints, cfg.Enrichment.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to create enrichment providers: %w", err)
	}

	var shared *ratelimit.SharedBudget
	if cfg.Enrichment.SharedBudget > 0 {
		shared, err = ratelimit.NewSharedBudget(&ratelimit.SharedBudgetConfig{
			Redis:      redis.Client(),
			Budget:     cfg.Enrichment.SharedBudget,
			WindowSize: time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create shared enrichment budget: %w", err)
		}
	}
	limiter := ratelimit.NewProviderLimiter(cfg.Enrichment.RequestsPerSecond, cfg.Enrichment.Burst, shared)

	retryCfg := retry.DefaultRetryConfig()
	retryCfg.MaxAttempts = cfg.Enrichment.MaxAttempts

	return service.NewEnrichmentService(providers, writer, cache, limiter, nil, m, service.EnrichmentConfig{
		TTL:            cfg.Enrichment.TTL,
		Retry:          retryCfg,
		BreakerMax:     cfg.Enrichment.BreakerThreshold,
		BreakerTimeout: cfg.Enrichment.BreakerTimeout,
	}), nil
}
