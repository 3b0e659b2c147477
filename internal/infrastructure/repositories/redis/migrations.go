package redis

import (
	"context"
	"fmt"
	"time"

	"voxrelay/pkg/distributed"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const migrationLockTTL = time.Minute

// migration upgrades the voice key schema by one version.
type migration struct {
	version int
	desc    string
	up      func(ctx context.Context, client *redis.Client, prefix string) error
}

var migrations = []migration{
	{
		version: 1,
		desc:    "expire membership hashes written without a TTL",
		up:      expireOrphanedHashes,
	},
}

func schemaVersion() int { return migrations[len(migrations)-1].version }

func versionKey(prefix string) string { return prefix + ":schema:version" }

// Migrate brings the key schema under prefix to the latest version. Nodes
// starting together serialize on a lock so each step runs once.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	current, err := readVersion(ctx, client, prefix)
	if err != nil {
		return err
	}
	if current >= schemaVersion() {
		return nil
	}

	lock := distributed.NewLock(client, prefix+":schema:lock", migrationLockTTL)
	if err := lock.Lock(ctx, 0); err != nil {
		return fmt.Errorf("schema lock: %w", err)
	}
	defer func() { _ = lock.Unlock(context.WithoutCancel(ctx)) }()

	// Another node may have finished while we waited.
	if current, err = readVersion(ctx, client, prefix); err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if logger != nil {
			logger.Infow("migrating voice cache schema", "version", m.version, "step", m.desc)
		}
		if err := m.up(ctx, client, prefix); err != nil {
			return fmt.Errorf("schema v%d: %w", m.version, err)
		}
		if err := client.Set(ctx, versionKey(prefix), m.version, 0).Err(); err != nil {
			return fmt.Errorf("record schema v%d: %w", m.version, err)
		}
	}
	return nil
}

func readVersion(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	v, err := client.Get(ctx, versionKey(prefix)).Int()
	switch {
	case err == redis.Nil:
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Membership hashes must never outlive their sliding expiry.
func expireOrphanedHashes(ctx context.Context, client *redis.Client, prefix string) error {
	iter := client.Scan(ctx, 0, prefix+":voice:channel:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		ttl, err := client.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl == -1 {
			if err := client.Expire(ctx, key, time.Hour).Err(); err != nil {
				return err
			}
		}
	}
	return iter.Err()
}
