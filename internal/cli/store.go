package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vietddude/partywatch/internal/core/config"
	redisclient "github.com/vietddude/partywatch/internal/infra/redis"
	"github.com/vietddude/partywatch/internal/infra/storage"
	"github.com/vietddude/partywatch/internal/infra/storage/memory"
	"github.com/vietddude/partywatch/internal/infra/storage/postgres"
)

// openStore connects the configured state store backend.
func openStore(ctx context.Context, cfg *config.AppConfig) (storage.StateStore, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return nil, err
		}
		slog.Info("Using redis state store", "prefix", cfg.Redis.KeyPrefix)
		return redisclient.NewStateStore(client, cfg.Redis.KeyPrefix), nil

	case config.BackendPostgres:
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		db.StartMetricsCollector(ctx)
		slog.Info("Using postgres state store")
		return postgres.NewStateStore(db), nil

	case config.BackendMemory:
		slog.Warn("Using in-memory state store, state is lost on restart")
		return memory.NewStateStore(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
}
