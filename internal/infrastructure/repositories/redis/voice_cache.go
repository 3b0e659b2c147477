package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/retry"
	"voxrelay/pkg/tracing"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// VoiceCache mirrors channel membership into Redis hashes. Every write sets
// the field and refreshes the hash expiry inside one MULTI/EXEC.
type VoiceCache struct {
	mu     sync.RWMutex
	client *redis.Client

	opts   Options
	ttl    time.Duration
	retry  retry.Config
	logger *zap.SugaredLogger
}

// NewVoiceCache connects to Redis and returns the cache adapter. writeRetry
// governs multi-step writes; see retry.LinearConfig.
func NewVoiceCache(ctx context.Context, opts Options, ttl time.Duration, writeRetry retry.Config, logger *zap.SugaredLogger) (*VoiceCache, error) {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "voxrelay"
	}
	client, err := dial(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	return &VoiceCache{
		client: client,
		opts:   opts,
		ttl:    ttl,
		retry:  writeRetry,
		logger: logger,
	}, nil
}

func (c *VoiceCache) conn() *redis.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}

func (c *VoiceCache) ChannelKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("%s:voice:channel:%s:members", c.opts.KeyPrefix, channelID)
}

func (c *VoiceCache) ConnectionsKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("%s:voice:channel:%s:connections", c.opts.KeyPrefix, channelID)
}

// tx runs fn plus an EXPIRE on key as one transaction, retried as a unit.
func (c *VoiceCache) tx(ctx context.Context, op, key string, fn func(pipe redis.Pipeliner)) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "redis", op)
	defer span.End()

	cfg := c.retry
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warnw("retrying cache write",
			"op", op,
			"key", key,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := retry.Retry(ctx, cfg, func() error {
		_, err := c.conn().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			fn(pipe)
			pipe.Expire(ctx, key, c.ttl)
			return nil
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return fmt.Errorf("%w: %s %s: %v", domain.ErrCacheUnavailable, op, key, err)
	}
	return nil
}

func (c *VoiceCache) WriteChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error {
	key := c.ChannelKey(channelID)
	return c.tx(ctx, "write_channel_member", key, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, string(userID), data)
	})
}

func (c *VoiceCache) WriteChannelMembers(ctx context.Context, channelID domain.ChannelID, members map[domain.UserID][]byte) error {
	if len(members) == 0 {
		return nil
	}
	key := c.ChannelKey(channelID)
	values := make(map[string]interface{}, len(members))
	for userID, data := range members {
		values[string(userID)] = data
	}
	return c.tx(ctx, "write_channel_members", key, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, values)
	})
}

func (c *VoiceCache) RemoveChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	key := c.ChannelKey(channelID)
	return c.tx(ctx, "remove_channel_member", key, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, key, string(userID))
	})
}

func (c *VoiceCache) ReadChannelMembers(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error) {
	return c.readHash(ctx, "read_channel_members", c.ChannelKey(channelID))
}

func (c *VoiceCache) WriteConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error {
	key := c.ConnectionsKey(channelID)
	return c.tx(ctx, "write_connection", key, func(pipe redis.Pipeliner) {
		pipe.HSet(ctx, key, string(userID), data)
	})
}

func (c *VoiceCache) RemoveConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	key := c.ConnectionsKey(channelID)
	return c.tx(ctx, "remove_connection", key, func(pipe redis.Pipeliner) {
		pipe.HDel(ctx, key, string(userID))
	})
}

func (c *VoiceCache) ReadConnections(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error) {
	return c.readHash(ctx, "read_connections", c.ConnectionsKey(channelID))
}

func (c *VoiceCache) readHash(ctx context.Context, op, key string) (map[domain.UserID][]byte, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "redis", op)
	defer span.End()

	fields, err := c.conn().HGetAll(ctx, key).Result()
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("%w: %s %s: %v", domain.ErrCacheUnavailable, op, key, err)
	}

	result := make(map[domain.UserID][]byte, len(fields))
	for userID, data := range fields {
		result[domain.UserID(userID)] = []byte(data)
	}
	return result, nil
}

func (c *VoiceCache) DeleteKey(ctx context.Context, key string) error {
	if err := c.conn().Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrCacheUnavailable, key, err)
	}
	return nil
}

// HealthCheck pings Redis
func (c *VoiceCache) HealthCheck(ctx context.Context) error {
	if err := c.conn().Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: ping: %v", domain.ErrCacheUnavailable, err)
	}
	return nil
}

// Reconnect replaces the underlying client. The old client is closed only
// after the new one answered a ping.
func (c *VoiceCache) Reconnect(ctx context.Context) error {
	client, err := dial(ctx, c.opts, c.logger)
	if err != nil {
		return fmt.Errorf("%w: reconnect: %v", domain.ErrCacheUnavailable, err)
	}

	c.mu.Lock()
	old := c.client
	c.client = client
	c.mu.Unlock()

	if err := old.Close(); err != nil {
		c.logger.Debugw("closing previous redis client", "error", err)
	}
	return nil
}

func (c *VoiceCache) Close() error {
	return c.conn().Close()
}
