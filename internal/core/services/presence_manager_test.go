package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/internal/infrastructure/repositories/memory"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/logger"
)

// countingStore counts durable channel queries and closes.
type countingStore struct {
	*memory.StateStore
	queries atomic.Int32
	closed  atomic.Int32
	delay   time.Duration
}

func (s *countingStore) QueryByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error) {
	s.queries.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.StateStore.QueryByChannel(ctx, channelID)
}

func (s *countingStore) Close() error {
	s.closed.Add(1)
	return s.StateStore.Close()
}

func testPresenceConfig() PresenceConfig {
	return PresenceConfig{
		HealthCheckInterval: 20 * time.Millisecond,
		ProbeTimeout:        100 * time.Millisecond,
		ReconnectAttempts:   3,
		ReconnectBaseDelay:  time.Millisecond,
		ReconnectMaxDelay:   5 * time.Millisecond,
		RepopulateTimeout:   time.Second,
	}
}

type presenceFixture struct {
	manager *PresenceManager
	store   *countingStore
	cache   *memory.VoiceCache
}

func newPresenceFixture(t *testing.T) *presenceFixture {
	t.Helper()
	store := &countingStore{StateStore: memory.NewStateStore()}
	cache := memory.NewVoiceCache(time.Hour)
	collector := monitoring.NewPrometheusCollector(prometheus.NewRegistry())

	manager := NewPresenceManager(store, cache, testPresenceConfig(), collector, logger.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		manager.Shutdown(ctx)
	})
	return &presenceFixture{manager: manager, store: store, cache: cache}
}

func join(t *testing.T, m *PresenceManager, userID domain.UserID, channelID domain.ChannelID) {
	t.Helper()
	require.NoError(t, m.UpdateVoiceState(context.Background(), &domain.VoiceState{UserID: userID, ChannelID: channelID}))
}

func userIDs(states []*domain.VoiceState) []domain.UserID {
	ids := make([]domain.UserID, len(states))
	for i, s := range states {
		ids[i] = s.UserID
	}
	return ids
}

func TestPresence_WarmAndColdReadsAgree(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	join(t, f.manager, "B", "5")
	require.NoError(t, f.manager.UpdateVoiceState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5", IsMuted: true}))
	f.store.queries.Store(0)

	warm, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, int32(0), f.store.queries.Load(), "first read is served from the mirrored cache")

	require.NoError(t, f.cache.DeleteKey(ctx, f.cache.ChannelKey("5")))
	cold, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, int32(1), f.store.queries.Load())

	assert.Equal(t, warm, cold)
	assert.Equal(t, []domain.UserID{"A", "B"}, userIDs(cold))
	assert.True(t, cold[0].IsMuted)

	// The cold read repopulates the cache in the background.
	require.Eventually(t, func() bool {
		members, _ := f.cache.ReadChannelMembers(ctx, "5")
		return len(members) == 2
	}, time.Second, 5*time.Millisecond)

	rewarmed, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, cold, rewarmed)
	assert.Equal(t, int32(1), f.store.queries.Load())
}

func TestPresence_UpdateStampsTimestamp(t *testing.T) {
	f := newPresenceFixture(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	f.manager.now = func() time.Time { return fixed }

	state := &domain.VoiceState{UserID: "A", ChannelID: "5", Timestamp: time.Unix(1, 0)}
	require.NoError(t, f.manager.UpdateVoiceState(context.Background(), state))

	stored, err := f.manager.GetUserVoiceState(context.Background(), "A")
	require.NoError(t, err)
	assert.True(t, stored.Timestamp.Equal(fixed))
}

func TestPresence_MoveRemovesFromPreviousChannel(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	join(t, f.manager, "B", "5")
	join(t, f.manager, "A", "6")

	five, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"B"}, userIDs(five))

	six, err := f.manager.GetChannelVoiceStates(ctx, "6")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"A"}, userIDs(six))
}

func TestPresence_RemoveIsIdempotent(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	require.NoError(t, f.manager.RemoveVoiceState(ctx, "A"))
	require.NoError(t, f.manager.RemoveVoiceState(ctx, "A"))

	states, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, states)

	_, err = f.manager.GetUserVoiceState(ctx, "A")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrVoiceStateNotFound)
	assert.Equal(t, apperrors.ErrCodeNotFound, apperrors.GetAppError(err).Code)
}

func TestPresence_ExpiredViewIsRebuiltWhole(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	now := time.Now()
	var clockMu sync.Mutex
	f.cache.Store().SetClock(func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	})

	join(t, f.manager, "A", "5")
	join(t, f.manager, "B", "5")

	clockMu.Lock()
	now = now.Add(2 * time.Hour)
	clockMu.Unlock()

	join(t, f.manager, "C", "5")

	members, err := f.cache.ReadChannelMembers(ctx, "5")
	require.NoError(t, err)
	assert.Len(t, members, 3, "a write into an expired view rebuilds it from the store")

	states, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{"A", "B", "C"}, userIDs(states))
}

func TestPresence_CacheOutageDegradesToStore(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	f.cache.SetAvailable(false)

	// Writes still succeed; the durable store is authoritative.
	join(t, f.manager, "B", "5")
	assert.False(t, f.manager.CacheAvailable())

	states, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.ElementsMatch(t, []domain.UserID{"A", "B"}, userIDs(states))
}

func TestPresence_RecoveredCacheNeverServesStaleView(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	join(t, f.manager, "B", "5")

	// The cache goes away while A leaves; its copy of channel 5 still has A.
	f.cache.SetAvailable(false)
	require.NoError(t, f.manager.RemoveVoiceState(ctx, "A"))
	assert.False(t, f.manager.CacheAvailable())

	f.manager.SetSessionRegistry(liveSessions{"B": true})
	f.manager.Start(ctx)
	f.cache.SetAvailable(true)
	require.Eventually(t, f.manager.CacheAvailable, 2*time.Second, 5*time.Millisecond)

	states, err := f.manager.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, []domain.UserID{"B"}, userIDs(states))
}

func TestPresence_StoreOutageFailsFastAndRecovers(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	f.store.SetAvailable(false)
	err := f.manager.UpdateVoiceState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, apperrors.ErrCodeStoreUnavailable, apperrors.GetAppError(err).Code)
	assert.False(t, f.manager.StoreAvailable())

	// Flagged unavailable: rejected without touching the store.
	f.store.SetAvailable(true)
	err = f.manager.UpdateVoiceState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"})
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)

	f.manager.Start(ctx)
	require.Eventually(t, f.manager.StoreAvailable, 2*time.Second, 5*time.Millisecond)
	assert.NoError(t, f.manager.UpdateVoiceState(ctx, &domain.VoiceState{UserID: "A", ChannelID: "5"}))
}

func TestPresence_HealthCheckFailureTriggersReconnect(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()
	f.manager.Start(ctx)

	f.cache.SetAvailable(false)
	require.Eventually(t, func() bool { return !f.manager.CacheAvailable() }, 2*time.Second, 5*time.Millisecond)

	f.cache.SetAvailable(true)
	require.Eventually(t, f.manager.CacheAvailable, 2*time.Second, 5*time.Millisecond)
}

func TestPresence_ConcurrentColdReadsAreCoalesced(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	require.NoError(t, f.cache.DeleteKey(ctx, f.cache.ChannelKey("5")))
	f.cache.SetAvailable(false)
	f.manager.setAvailable(f.manager.cacheSup, false)
	f.store.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			states, err := f.manager.GetChannelVoiceStates(ctx, "5")
			assert.NoError(t, err)
			assert.Len(t, states, 1)
		}()
	}
	wg.Wait()

	assert.Less(t, f.store.queries.Load(), int32(10))
}

func TestPresence_Connections(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	conn := &domain.VoiceConnection{UserID: "A", ChannelID: "5"}
	require.NoError(t, f.manager.AddVoiceConnection(ctx, conn))
	assert.NotEmpty(t, conn.PeerID)
	assert.Equal(t, domain.ConnectionDirect, conn.ConnectionType)

	cached, err := f.cache.ReadConnections(ctx, "5")
	require.NoError(t, err)
	assert.Contains(t, cached, domain.UserID("A"))

	quality := domain.ConnectionQuality{JitterMs: 5, PacketLoss: 0.1, RTTMs: 450}
	require.NoError(t, f.manager.UpdateConnectionQuality(ctx, "A", quality, ""))

	conns, err := f.manager.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, quality, conns[0].Quality)

	state, err := f.manager.GetUserVoiceState(ctx, "A")
	require.NoError(t, err)
	assert.InDelta(t, quality.Score(), state.ConnectionQuality, 1e-9)

	require.NoError(t, f.manager.RemoveVoiceConnection(ctx, "A"))
	require.NoError(t, f.manager.RemoveVoiceConnection(ctx, "A"))
	conns, err = f.manager.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, conns)

	err = f.manager.UpdateConnectionQuality(ctx, "A", quality, "")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestPresence_InvalidInput(t *testing.T) {
	f := newPresenceFixture(t)
	err := f.manager.UpdateVoiceState(context.Background(), &domain.VoiceState{UserID: "A"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)
}

// panickyAdapter panics on every health check.
type panickyAdapter struct{ calls atomic.Int32 }

func (p *panickyAdapter) HealthCheck(ctx context.Context) error {
	p.calls.Add(1)
	panic("health check exploded")
}
func (p *panickyAdapter) Reconnect(ctx context.Context) error { return errors.New("no") }
func (p *panickyAdapter) Close() error                        { return nil }

func TestPresence_HealthLoopSurvivesPanics(t *testing.T) {
	f := newPresenceFixture(t)
	adapter := &panickyAdapter{}
	f.manager.storeSup.adapter = adapter

	f.manager.Start(context.Background())
	require.Eventually(t, func() bool { return adapter.calls.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestPresence_ShutdownClosesAdapters(t *testing.T) {
	f := newPresenceFixture(t)
	f.manager.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))
	require.NoError(t, f.manager.Shutdown(ctx))

	assert.Equal(t, int32(1), f.store.closed.Load())
}

// guardedCache is a shared cache whose repopulation claim can be refused.
type guardedCache struct {
	*memory.VoiceCache
	claims   atomic.Int32
	released atomic.Int32
	refuse   bool
}

func (c *guardedCache) ClaimRepopulation(context.Context, domain.ChannelID) (func(), bool, error) {
	c.claims.Add(1)
	if c.refuse {
		return nil, false, nil
	}
	return func() { c.released.Add(1) }, true, nil
}

func TestPresence_RepopulationHonoursSharedClaim(t *testing.T) {
	for _, refuse := range []bool{false, true} {
		cache := &guardedCache{VoiceCache: memory.NewVoiceCache(time.Hour), refuse: refuse}
		manager := NewPresenceManager(&countingStore{StateStore: memory.NewStateStore()}, cache,
			testPresenceConfig(), monitoring.NewPrometheusCollector(prometheus.NewRegistry()), logger.Nop())
		ctx := context.Background()

		join(t, manager, "A", "5")
		require.NoError(t, cache.DeleteKey(ctx, cache.ChannelKey("5")))

		states, err := manager.GetChannelVoiceStates(ctx, "5")
		require.NoError(t, err)
		assert.Len(t, states, 1)
		manager.background.Wait()

		members, err := cache.ReadChannelMembers(ctx, "5")
		require.NoError(t, err)
		assert.EqualValues(t, 1, cache.claims.Load())
		if refuse {
			assert.Empty(t, members, "the replica holding the claim rebuilds the view")
			assert.Zero(t, cache.released.Load())
		} else {
			assert.Len(t, members, 1)
			assert.EqualValues(t, 1, cache.released.Load())
		}
		require.NoError(t, manager.Shutdown(ctx))
	}
}

func TestPresence_ConnectionTypeFollowsMediaPath(t *testing.T) {
	f := newPresenceFixture(t)
	ctx := context.Background()

	join(t, f.manager, "A", "5")
	require.NoError(t, f.manager.AddVoiceConnection(ctx, &domain.VoiceConnection{UserID: "A", ChannelID: "5"}))

	require.NoError(t, f.manager.SetConnectionType(ctx, "A", domain.ConnectionRelayed))
	conns, err := f.manager.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, domain.ConnectionRelayed, conns[0].ConnectionType)

	cached, err := f.cache.ReadConnections(ctx, "5")
	require.NoError(t, err)
	var mirrored domain.VoiceConnection
	require.NoError(t, json.Unmarshal(cached["A"], &mirrored))
	assert.Equal(t, domain.ConnectionRelayed, mirrored.ConnectionType)

	// A quality report without a path keeps the recorded one.
	quality := domain.ConnectionQuality{JitterMs: 4, RTTMs: 40}
	require.NoError(t, f.manager.UpdateConnectionQuality(ctx, "A", quality, ""))
	conns, err = f.manager.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionRelayed, conns[0].ConnectionType)

	require.NoError(t, f.manager.UpdateConnectionQuality(ctx, "A", quality, domain.ConnectionDirect))
	conns, err = f.manager.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDirect, conns[0].ConnectionType)
	assert.Equal(t, quality, conns[0].Quality)

	err = f.manager.SetConnectionType(ctx, "A", "carrier-pigeon")
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeInvalidInput, apperrors.GetAppError(err).Code)

	err = f.manager.SetConnectionType(ctx, "nobody", domain.ConnectionRelayed)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

// ctxStore fails any call whose context is already done, the way a real
// driver does.
type ctxStore struct {
	*memory.StateStore
	delay time.Duration
}

func (s *ctxStore) wait(ctx context.Context) error {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *ctxStore) GetState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.StateStore.GetState(ctx, userID)
}

func (s *ctxStore) QueryByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	return s.StateStore.QueryByChannel(ctx, channelID)
}

func TestPresence_CancelledCallerLeavesStoreAvailable(t *testing.T) {
	store := &ctxStore{StateStore: memory.NewStateStore()}
	manager := NewPresenceManager(store, memory.NewVoiceCache(time.Hour), testPresenceConfig(), nil, logger.Nop())

	require.NoError(t, manager.UpdateVoiceState(context.Background(), &domain.VoiceState{UserID: "A", ChannelID: "5"}))

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := manager.GetUserVoiceState(cancelled, "A")
	require.Error(t, err)
	assert.True(t, manager.StoreAvailable())

	err = manager.UpdateVoiceState(cancelled, &domain.VoiceState{UserID: "A", ChannelID: "6"})
	require.Error(t, err)
	assert.True(t, manager.StoreAvailable())

	// The shared query runs detached, so this may even succeed; either way
	// the store keeps its flag.
	_, _ = manager.GetChannelVoiceStates(cancelled, "7")
	assert.True(t, manager.StoreAvailable())

	// Another user is unaffected by the abandoned calls.
	require.NoError(t, manager.UpdateVoiceState(context.Background(), &domain.VoiceState{UserID: "B", ChannelID: "5"}))
}

func TestPresence_SharedColdReadSurvivesFirstCallerTimeout(t *testing.T) {
	store := &ctxStore{StateStore: memory.NewStateStore(), delay: 40 * time.Millisecond}
	cache := memory.NewVoiceCache(time.Hour)
	manager := NewPresenceManager(store, cache, testPresenceConfig(), nil, logger.Nop())
	require.NoError(t, store.StateStore.UpsertState(context.Background(), &domain.VoiceState{UserID: "A", ChannelID: "5"}))

	impatient, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	var (
		wg      sync.WaitGroup
		first   error
		second  []*domain.VoiceState
		secondE error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, first = manager.GetChannelVoiceStates(impatient, "5")
	}()
	go func() {
		defer wg.Done()
		time.Sleep(time.Millisecond)
		second, secondE = manager.GetChannelVoiceStates(context.Background(), "5")
	}()
	wg.Wait()

	assert.Error(t, first)
	require.NoError(t, secondE)
	assert.Equal(t, []domain.UserID{"A"}, userIDs(second))
	assert.True(t, manager.StoreAvailable())
}

// liveSessions is a fixed set of users with a live signaling session.
type liveSessions map[domain.UserID]bool

func (l liveSessions) HasSession(userID domain.UserID) bool { return l[userID] }

func TestPresence_StartPurgesRowsFromPreviousRun(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore()
	cache := memory.NewVoiceCache(time.Hour)

	// Rows written by a process that died without cleaning up.
	crashed := NewPresenceManager(store, cache, testPresenceConfig(), nil, logger.Nop())
	require.NoError(t, crashed.UpdateVoiceState(ctx, &domain.VoiceState{UserID: "ghost", ChannelID: "5"}))
	require.NoError(t, crashed.AddVoiceConnection(ctx, &domain.VoiceConnection{UserID: "ghost", ChannelID: "5"}))

	restarted := NewPresenceManager(store, cache, testPresenceConfig(), nil, logger.Nop())
	restarted.now = func() time.Time { return time.Now().Add(time.Millisecond) }
	restarted.Start(ctx)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		restarted.Shutdown(shutdownCtx)
	})

	members, err := restarted.GetChannelVoiceStates(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, members)

	conns, err := restarted.GetChannelConnections(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, conns)

	cached, err := cache.ReadChannelMembers(ctx, "5")
	require.NoError(t, err)
	assert.Empty(t, cached)
}

func TestPresence_HealthLoopSweepsRowsWithoutSession(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStateStore()
	cfg := testPresenceConfig()
	cfg.StaleAfter = time.Minute
	manager := NewPresenceManager(store, memory.NewVoiceCache(time.Hour), cfg, nil, logger.Nop())
	manager.SetSessionRegistry(liveSessions{"idle": true})

	old := time.Now().Add(-2 * time.Minute)
	for _, userID := range []domain.UserID{"idle", "ghost"} {
		require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: userID, ChannelID: "5", Timestamp: old}))
		require.NoError(t, store.InsertConnection(ctx, &domain.VoiceConnection{PeerID: domain.PeerID("peer-" + userID), UserID: userID, ChannelID: "5", CreatedAt: old}))
	}
	require.NoError(t, store.UpsertState(ctx, &domain.VoiceState{UserID: "fresh", ChannelID: "5", Timestamp: time.Now()}))

	// Hold the clock before the rows so the boot purge leaves them to the
	// health loop.
	var clock atomic.Int64
	clock.Store(old.Add(-time.Second).UnixNano())
	manager.now = func() time.Time { return time.Unix(0, clock.Load()) }
	manager.Start(ctx)
	clock.Store(time.Now().UnixNano())
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		manager.Shutdown(shutdownCtx)
	})

	require.Eventually(t, func() bool {
		_, err := store.GetState(ctx, "ghost")
		return errors.Is(err, domain.ErrVoiceStateNotFound)
	}, time.Second, 5*time.Millisecond)

	_, err := store.GetConnection(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
	_, err = store.GetState(ctx, "idle")
	assert.NoError(t, err, "a live session keeps its row however old")
	_, err = store.GetConnection(ctx, "idle")
	assert.NoError(t, err)
	_, err = store.GetState(ctx, "fresh")
	assert.NoError(t, err)
}
