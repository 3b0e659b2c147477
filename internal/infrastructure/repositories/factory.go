package repositories

import (
	"context"
	"fmt"

	"voxrelay/internal/core/ports"
	"voxrelay/internal/infrastructure/repositories/memory"
	redisrepo "voxrelay/internal/infrastructure/repositories/redis"
	"voxrelay/internal/infrastructure/repositories/sqlite"
	"voxrelay/pkg/config"
	"voxrelay/pkg/retry"

	"go.uber.org/zap"
)

// RepositoryFactory creates the presence adapters with fallback support
type RepositoryFactory struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	return &RepositoryFactory{cfg: cfg, logger: logger}
}

// CreateStateStore opens the durable store. Unlike the cache there is no
// silent fallback: a configured sqlite store that cannot open is fatal.
func (f *RepositoryFactory) CreateStateStore(ctx context.Context) (ports.StateStore, error) {
	switch f.cfg.Store.Driver {
	case "memory":
		f.logger.Warn("using memory voice state store, presence will not survive restarts")
		return memory.NewStateStore(), nil
	case "sqlite":
		store, err := sqlite.NewStateStore(ctx, f.cfg.Store.Path, f.logger)
		if err != nil {
			return nil, fmt.Errorf("open voice state store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", f.cfg.Store.Driver)
	}
}

// CacheWriteRetry is the schedule for multi-step cache writes: the first
// write plus CacheWriteRetries retries, waiting step, 2*step, 3*step...
func CacheWriteRetry(cfg *config.Config) retry.Config {
	return retry.LinearConfig(cfg.Presence.CacheWriteRetries+1, cfg.Presence.CacheRetryStep)
}

// CreateVoiceCache creates the membership cache (Redis or memory with
// fallback)
func (f *RepositoryFactory) CreateVoiceCache(ctx context.Context) ports.VoiceCache {
	ttl := f.cfg.Presence.CacheTTL
	if !f.cfg.Redis.Enabled {
		f.logger.Info("using memory voice cache")
		return memory.NewVoiceCache(ttl)
	}

	cache, err := redisrepo.NewVoiceCache(ctx, redisrepo.Options{
		Address:   f.cfg.Redis.Address,
		Password:  f.cfg.Redis.Password,
		DB:        f.cfg.Redis.DB,
		PoolSize:  f.cfg.Redis.PoolSize,
		KeyPrefix: f.cfg.Redis.KeyPrefix,
	}, ttl, CacheWriteRetry(f.cfg), f.logger)
	if err != nil {
		f.logger.Warnw("failed to connect to Redis, falling back to memory voice cache",
			"error", err,
		)
		return memory.NewVoiceCache(ttl)
	}

	f.logger.Infow("using Redis voice cache", "address", f.cfg.Redis.Address)
	return cache
}
