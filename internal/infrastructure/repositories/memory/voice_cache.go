package memory

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/cache"
)

// VoiceCache is the in-process stand-in for the Redis membership mirror.
// Each call is atomic with respect to the expiry refresh.
type VoiceCache struct {
	store  *cache.HashCache
	prefix string
	ttl    time.Duration

	offline atomic.Bool
}

func NewVoiceCache(ttl time.Duration) *VoiceCache {
	return &VoiceCache{
		store:  cache.NewHashCache(time.Minute),
		prefix: "voxrelay",
		ttl:    ttl,
	}
}

// Store exposes the backing hash cache. Tests only.
func (c *VoiceCache) Store() *cache.HashCache {
	return c.store
}

// SetAvailable simulates an outage of the cache backend.
func (c *VoiceCache) SetAvailable(available bool) {
	c.offline.Store(!available)
}

func (c *VoiceCache) check(op string) error {
	if c.offline.Load() {
		return fmt.Errorf("%w: %s: memory cache offline", domain.ErrCacheUnavailable, op)
	}
	return nil
}

func (c *VoiceCache) ChannelKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("%s:voice:channel:%s:members", c.prefix, channelID)
}

func (c *VoiceCache) ConnectionsKey(channelID domain.ChannelID) string {
	return fmt.Sprintf("%s:voice:channel:%s:connections", c.prefix, channelID)
}

func (c *VoiceCache) WriteChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error {
	if err := c.check("write_channel_member"); err != nil {
		return err
	}
	c.store.HSet(c.ChannelKey(channelID), map[string][]byte{string(userID): data}, c.ttl)
	return nil
}

func (c *VoiceCache) WriteChannelMembers(ctx context.Context, channelID domain.ChannelID, members map[domain.UserID][]byte) error {
	if err := c.check("write_channel_members"); err != nil {
		return err
	}
	if len(members) == 0 {
		return nil
	}
	fields := make(map[string][]byte, len(members))
	for userID, data := range members {
		fields[string(userID)] = data
	}
	c.store.HSet(c.ChannelKey(channelID), fields, c.ttl)
	return nil
}

func (c *VoiceCache) RemoveChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	if err := c.check("remove_channel_member"); err != nil {
		return err
	}
	c.store.HDel(c.ChannelKey(channelID), string(userID), c.ttl)
	return nil
}

func (c *VoiceCache) ReadChannelMembers(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error) {
	if err := c.check("read_channel_members"); err != nil {
		return nil, err
	}
	return toUserMap(c.store.HGetAll(c.ChannelKey(channelID))), nil
}

func (c *VoiceCache) WriteConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error {
	if err := c.check("write_connection"); err != nil {
		return err
	}
	c.store.HSet(c.ConnectionsKey(channelID), map[string][]byte{string(userID): data}, c.ttl)
	return nil
}

func (c *VoiceCache) RemoveConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error {
	if err := c.check("remove_connection"); err != nil {
		return err
	}
	c.store.HDel(c.ConnectionsKey(channelID), string(userID), c.ttl)
	return nil
}

func (c *VoiceCache) ReadConnections(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error) {
	if err := c.check("read_connections"); err != nil {
		return nil, err
	}
	return toUserMap(c.store.HGetAll(c.ConnectionsKey(channelID))), nil
}

func (c *VoiceCache) DeleteKey(ctx context.Context, key string) error {
	if err := c.check("delete_key"); err != nil {
		return err
	}
	c.store.Delete(key)
	return nil
}

func (c *VoiceCache) HealthCheck(ctx context.Context) error {
	return c.check("health_check")
}

func (c *VoiceCache) Reconnect(ctx context.Context) error {
	return c.check("reconnect")
}

func (c *VoiceCache) Close() error {
	c.store.Stop()
	return nil
}

func toUserMap(fields map[string][]byte) map[domain.UserID][]byte {
	result := make(map[domain.UserID][]byte, len(fields))
	for field, data := range fields {
		result[domain.UserID(field)] = data
	}
	return result
}
