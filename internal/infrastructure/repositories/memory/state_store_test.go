package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/core/domain"
)

func TestStateStore_UpsertIsIdempotent(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()
	ts := time.Now()

	state := &domain.VoiceState{UserID: "A", ChannelID: "5", IsMuted: true, Timestamp: ts}
	require.NoError(t, store.UpsertState(ctx, state))
	require.NoError(t, store.UpsertState(ctx, state))

	states, err := store.QueryByChannel(ctx, "5")
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.True(t, states[0].IsMuted)
	assert.True(t, states[0].Timestamp.Equal(ts))
}

func TestStateStore_UpsertMovesUser(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"}))
	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "6"}))

	old, err := store.QueryByChannel(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, old)

	state, err := store.GetState(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, domain.ChannelID("6"), state.ChannelID)
	assert.False(t, state.Timestamp.IsZero())
}

func TestStateStore_DeleteAndNotFound(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()

	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"}))
	require.NoError(t, store.DeleteState(ctx, "A"))
	require.NoError(t, store.DeleteState(ctx, "A"))

	_, err := store.GetState(ctx, "A")
	assert.ErrorIs(t, err, domain.ErrVoiceStateNotFound)
}

func TestStateStore_Connections(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()

	require.NoError(t, store.InsertConnection(ctx, &domain.VoiceConnection{PeerID: "p1", UserID: "A", ChannelID: "5"}))
	require.NoError(t, store.InsertConnection(ctx, &domain.VoiceConnection{PeerID: "p2", UserID: "A", ChannelID: "5"}))

	conns, err := store.QueryConnectionsByChannel(ctx, "5")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, domain.PeerID("p2"), conns[0].PeerID)

	require.NoError(t, store.DeleteConnection(ctx, "A"))
	_, err = store.GetConnection(ctx, "A")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestStateStore_Offline(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()
	store.SetAvailable(false)

	err := store.UpsertState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.ErrorIs(t, store.HealthCheck(ctx), domain.ErrStoreUnavailable)

	store.SetAvailable(true)
	assert.NoError(t, store.Reconnect(ctx))
}

func TestStateStore_StaleUsers(t *testing.T) {
	store := NewStateStore()
	ctx := context.Background()
	cutoff := time.Now()

	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "b", ChannelID: "5", Timestamp: cutoff.Add(-time.Minute)}))
	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "c", ChannelID: "5", Timestamp: cutoff.Add(time.Minute)}))
	require.NoError(t, store.InsertConnection(ctx, &domain.VoiceConnection{PeerID: "p1", UserID: "a", ChannelID: "5", CreatedAt: cutoff.Add(-time.Minute)}))
	require.NoError(t, store.InsertConnection(ctx, &domain.VoiceConnection{PeerID: "p2", UserID: "b", ChannelID: "5", CreatedAt: cutoff.Add(-time.Minute)}))

	users, err := store.StaleUsers(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"a", "b"}, users)

	store.SetAvailable(false)
	_, err = store.StaleUsers(ctx, cutoff)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
}
