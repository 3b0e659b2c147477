package ports

import (
	"context"

	"voxrelay/internal/core/domain"
)

// PresenceService is the single entry point for voice presence mutations
// and reads.
type PresenceService interface {
	UpdateVoiceState(ctx context.Context, state *domain.VoiceState) error
	RemoveVoiceState(ctx context.Context, userID domain.UserID) error
	GetChannelVoiceStates(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error)
	GetUserVoiceState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error)

	AddVoiceConnection(ctx context.Context, conn *domain.VoiceConnection) error
	RemoveVoiceConnection(ctx context.Context, userID domain.UserID) error
	UpdateConnectionQuality(ctx context.Context, userID domain.UserID, quality domain.ConnectionQuality, connType domain.ConnectionType) error
	SetConnectionType(ctx context.Context, userID domain.UserID, connType domain.ConnectionType) error
	GetChannelConnections(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceConnection, error)
}
