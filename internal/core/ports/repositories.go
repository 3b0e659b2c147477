package ports

import (
	"context"
	"time"

	"voxrelay/internal/core/domain"
)

// Adapter is the capability set the presence manager supervises.
type Adapter interface {
	HealthCheck(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close() error
}

// StateStore is the durable, authoritative record of voice presence.
// Implementations do not retry; callers own the retry policy.
type StateStore interface {
	Adapter

	UpsertState(ctx context.Context, state *domain.VoiceState) error
	GetState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error)
	DeleteState(ctx context.Context, userID domain.UserID) error
	QueryByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error)

	InsertConnection(ctx context.Context, conn *domain.VoiceConnection) error
	GetConnection(ctx context.Context, userID domain.UserID) (*domain.VoiceConnection, error)
	DeleteConnection(ctx context.Context, userID domain.UserID) error
	QueryConnectionsByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceConnection, error)

	// StaleUsers lists users with a state updated, or a connection created,
	// before the cutoff.
	StaleUsers(ctx context.Context, before time.Time) ([]domain.UserID, error)
}

// SessionRegistry reports whether a user still has a live signaling
// session in this process.
type SessionRegistry interface {
	HasSession(userID domain.UserID) bool
}

// VoiceCache is the TTL-bound mirror of channel membership. Multi-step
// writes are atomic per call.
type VoiceCache interface {
	Adapter

	ChannelKey(channelID domain.ChannelID) string
	ConnectionsKey(channelID domain.ChannelID) string

	WriteChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error
	WriteChannelMembers(ctx context.Context, channelID domain.ChannelID, members map[domain.UserID][]byte) error
	RemoveChannelMember(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	ReadChannelMembers(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error)

	WriteConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID, data []byte) error
	RemoveConnection(ctx context.Context, channelID domain.ChannelID, userID domain.UserID) error
	ReadConnections(ctx context.Context, channelID domain.ChannelID) (map[domain.UserID][]byte, error)

	DeleteKey(ctx context.Context, key string) error
}

// RepopulationGuard is implemented by caches shared between replicas. A
// claimed channel is rebuilt by one replica at a time; release must be
// called once the rebuild finishes.
type RepopulationGuard interface {
	ClaimRepopulation(ctx context.Context, channelID domain.ChannelID) (release func(), claimed bool, err error)
}
