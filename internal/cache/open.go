package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/v0xg/steppilot/internal/config"
	"go.uber.org/zap"
)

// Open builds the store selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return NewSQLiteStore(cfg.Path, logger)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("cache.dsn is required for the postgres cache")
		}
		return OpenPostgres(ctx, cfg.DSN, logger)
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache driver: %s (supported: sqlite, postgres, memory)", cfg.Driver)
	}
}
