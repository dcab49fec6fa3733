// Package main imports JSON-lines scrobble exports into the event store.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-json"

	"github.com/scrobble-stats/internal/config"
	"github.com/scrobble-stats/internal/logging"
	"github.com/scrobble-stats/internal/metrics"
	"github.com/scrobble-stats/internal/service"
	"github.com/scrobble-stats/internal/storage"
)

func main() {
	batchSize := flag.Int("batch", 0, "Records per write batch (defaults to INGEST_BATCH_SIZE)")
	flag.Parse()

	if flag.NArg() == 0 {
		log.Fatalf("Usage: import [-batch N] FILE.jsonl [FILE.jsonl ...]")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.GetGlobalLogger()

	if *batchSize <= 0 {
		*batchSize = cfg.Ingest.BatchSize
	}

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	svc := service.NewIngestService(
		storage.NewScrobbleRepository(clickhouse),
		storage.NewFirstListenRepository(postgres),
		storage.NewImportErrorRepository(postgres),
		metrics.NewManager(),
		*batchSize,
	)

	failed := false
	enc := json.NewEncoder(os.Stdout)
	for _, path := range flag.Args() {
		report, err := svc.ImportFile(ctx, path)
		if report != nil {
			if encErr := enc.Encode(report); encErr != nil {
				logger.WithError(encErr).Error("Failed to write import report")
			}
		}
		if err != nil {
			logger.WithError(err).WithField("file", path).Error("Import failed")
			failed = true
			if ctx.Err() != nil {
				break
			}
		}
	}
	if failed {
		stop()
		os.Exit(1)
	}
}
