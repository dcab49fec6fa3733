// Package main provides the API server entry point for the scrobble statistics engine.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scrobble-stats/internal/api"
	"github.com/scrobble-stats/internal/circuitbreaker"
	"github.com/scrobble-stats/internal/config"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/storage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	logger := logging.GetGlobalLogger()
	logger.WithFields(map[string]interface{}{
		"level":  cfg.Logging.Level,
		"format": cfg.Logging.Format,
	}).Info("Structured logging initialized")

	logger.Info("Connecting to databases...")

	postgres, err := storage.NewPostgresDB(&cfg.Database.Postgres)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Postgres")
	}
	defer postgres.Close()

	clickhouse, err := storage.NewClickHouseDB(&cfg.Database.ClickHouse)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to ClickHouse")
	}
	defer func() {
		_ = clickhouse.Close() // nolint:errcheck // cleanup in defer
	}()

	redis, err := storage.NewRedisCache(&cfg.Database.Redis)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to Redis")
	}
	defer func() {
		_ = redis.Close() // nolint:errcheck // cleanup in defer
	}()

	logger.Info("Database connections established")

	statRepo := storage.NewStatRepository(postgres)
	payloads := storage.NewPayloadCache(storage.NewCacheService(redis, cfg.Cache.TTL), statRepo)

	serverConfig := &api.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		RequestsPerSec:  cfg.Server.RequestsPerSec,
		Burst:           cfg.Server.Burst,
	}

	server := api.NewServer(serverConfig, api.ServerDeps{
		Stats:        payloads,
		ImportErrors: storage.NewImportErrorRepository(postgres),
		Checks: map[string]api.HealthCheck{
			"postgres":   postgres.Ping,
			"clickhouse": clickhouse.Ping,
			"redis":      redis.Ping,
		},
		Breakers: circuitbreaker.NewCircuitBreakerManager(),
		Metrics:  metrics.NewManager(),
	})

	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"host": cfg.Server.Host,
		"port": cfg.Server.Port,
	}).Info("Server started successfully")

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), serverConfig.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	hits, misses := payloads.Stats()
	logger.WithFields(map[string]interface{}{
		"cache_hits":   hits,
		"cache_misses": misses,
	}).Info("Server exited")
}
