package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/distributed"
)

// Longer than any repopulation is allowed to run, so an expired claim
// means the holder died.
const repopulationLockTTL = 30 * time.Second

func (c *VoiceCache) repopulationKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("%s:voice:channel:%s:repopulating", c.opts.KeyPrefix, channelID)
}

// ClaimRepopulation lets one replica at a time rebuild a channel's members
// hash. A replica that loses the claim skips its rebuild; the winner writes
// the same store data.
func (c *VoiceCache) ClaimRepopulation(ctx context.Context, channelID domain.ChannelID) (func(), bool, error) {
	lock := distributed.NewLock(c.conn(), c.repopulationKey(channelID), repopulationLockTTL)
	claimed, err := lock.TryLock(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if !claimed {
		return nil, false, nil
	}

	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Unlock(ctx); err != nil && !errors.Is(err, distributed.ErrNotHeld) {
			c.logger.Warnw("failed to release repopulation claim", "key", lock.Key(), "error", err)
		}
	}
	return release, true, nil
}
