package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const dialTimeout = 5 * time.Second

// Options describes how to reach Redis. KeyPrefix namespaces every voice key
// so several deployments can share one database.
type Options struct {
	Address   string
	Password  string
	DB        int
	PoolSize  int
	KeyPrefix string
}

func (o Options) client() *redis.Client {
	pool := o.PoolSize
	if pool <= 0 {
		pool = 10
	}
	return redis.NewClient(&redis.Options{
		Addr:         o.Address,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     pool,
		MinIdleConns: min(2, pool),
		DialTimeout:  dialTimeout,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

// dial opens a client and refuses to hand it out until Redis answered a ping
// and the key schema is current. Both the first connect and every reconnect
// of the presence health loop come through here.
func dial(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c := opts.client()
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s: ping: %w", opts.Address, err)
	}
	if err := Migrate(ctx, c, opts.KeyPrefix, logger); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis %s: migrate: %w", opts.Address, err)
	}

	logger.Infow("voice cache connected", "address", opts.Address, "db", opts.DB, "prefix", opts.KeyPrefix)
	return c, nil
}
