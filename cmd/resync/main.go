// Command resync repairs counter state after manual imports or restores
// that bypassed the engine: it scans persisted document numbers and raises
// any stale counter to the highest sequence already used.
package main

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"

	"gudangpos/backend/internal/config"
	"gudangpos/backend/internal/logging"
	"gudangpos/backend/internal/sequence"
	"gudangpos/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	log, err := logging.Init("gudangpos-resync", cfg.LogLevel)
	if err != nil {
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if cfg.DatabaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	repo, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("postgres unavailable", zap.Error(err))
	}
	defer func() { _ = repo.Close() }()

	conflicts, err := sequence.Resync(ctx, repo, log)
	if err != nil {
		log.Fatal("resync failed", zap.Error(err))
	}

	if len(conflicts) == 0 {
		log.Info("counters already consistent")
		return
	}
	for _, c := range conflicts {
		log.Info("counter raised",
			zap.String("prefix", c.Prefix),
			zap.Int64("was", c.Counter),
			zap.Int64("now", c.MaxUsed),
		)
	}
}
