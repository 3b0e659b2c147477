package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/retry"
	"voxrelay/pkg/tracing"
	"voxrelay/pkg/utils"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	cacheHit   = "hit"
	cacheMiss  = "miss"
	cacheError = "error"
)

type PresenceConfig struct {
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	ReconnectAttempts   int
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	RepopulateTimeout   time.Duration
	// StaleAfter is how long a row with no live session survives before the
	// health loop removes it. Zero disables the periodic sweep; rows left by
	// a previous process are still purged at Start.
	StaleAfter time.Duration
}

func DefaultPresenceConfig() PresenceConfig {
	return PresenceConfig{
		HealthCheckInterval: 30 * time.Second,
		ProbeTimeout:        5 * time.Second,
		ReconnectAttempts:   10,
		ReconnectBaseDelay:  time.Second,
		ReconnectMaxDelay:   30 * time.Second,
		RepopulateTimeout:   5 * time.Second,
		StaleAfter:          time.Hour,
	}
}

// supervisedAdapter is one adapter watched by the health loop.
type supervisedAdapter struct {
	name      string
	adapter   ports.Adapter
	available atomic.Bool
	wake      chan struct{}
	// onRecovered runs after a successful reconnect, before the adapter is
	// marked available again.
	onRecovered func(ctx context.Context) error
	// onTick runs on every scheduled check that finds the adapter healthy.
	onTick func(ctx context.Context)
}

// PresenceManager is the only writer of voice presence. It writes the
// durable store first, mirrors into the cache, and serves membership reads
// from the cache when it can prove the cache is not stale.
type PresenceManager struct {
	store   ports.StateStore
	cache   ports.VoiceCache
	cfg     PresenceConfig
	logger  *zap.SugaredLogger
	metrics ports.PresenceMetrics
	now     func() time.Time

	sessions ports.SessionRegistry

	storeSup *supervisedAdapter
	cacheSup *supervisedAdapter

	// Channels whose cache keys may disagree with the store. Their keys are
	// deleted before the cache is trusted again.
	dirtyMu sync.Mutex
	dirty   map[domain.ChannelID]struct{}

	// Per-channel write epochs and locks order cache mirrors against
	// asynchronous repopulation.
	channelMu    sync.Mutex
	epochs       map[domain.ChannelID]uint64
	channelLocks map[domain.ChannelID]*sync.Mutex

	flights singleflight.Group

	background sync.WaitGroup
	loops      sync.WaitGroup
	cancel     context.CancelFunc
	startOnce  sync.Once
	stopOnce   sync.Once
}

func NewPresenceManager(
	store ports.StateStore,
	cache ports.VoiceCache,
	cfg PresenceConfig,
	metrics ports.PresenceMetrics,
	logger *zap.SugaredLogger,
) *PresenceManager {
	m := &PresenceManager{
		store:        store,
		cache:        cache,
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		now:          time.Now,
		dirty:        make(map[domain.ChannelID]struct{}),
		epochs:       make(map[domain.ChannelID]uint64),
		channelLocks: make(map[domain.ChannelID]*sync.Mutex),
	}

	m.storeSup = &supervisedAdapter{name: "store", adapter: store, wake: make(chan struct{}, 1), onTick: m.sweepExpired}
	m.cacheSup = &supervisedAdapter{name: "cache", adapter: cache, wake: make(chan struct{}, 1), onRecovered: m.flushDirty}
	m.setAvailable(m.storeSup, true)
	m.setAvailable(m.cacheSup, true)

	return m
}

// SetSessionRegistry tells the sweeps which users still hold a live
// session. Call it before Start; without one every stale row is removed.
func (m *PresenceManager) SetSessionRegistry(sessions ports.SessionRegistry) {
	m.sessions = sessions
}

// Start purges presence left behind by a previous process, then launches one
// supervision loop per adapter. The loops live until Shutdown or until ctx
// is cancelled.
func (m *PresenceManager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		ctx, m.cancel = context.WithCancel(ctx)

		purgeCtx, cancel := context.WithTimeout(ctx, m.cfg.RepopulateTimeout)
		if removed, err := m.sweepStale(purgeCtx, m.now()); err != nil {
			m.logger.Warnw("failed to purge presence from a previous run", "error", err)
		} else if removed > 0 {
			m.logger.Infow("purged presence from a previous run", "users", removed)
		}
		cancel()

		for _, s := range []*supervisedAdapter{m.storeSup, m.cacheSup} {
			m.loops.Add(1)
			go m.supervise(ctx, s)
		}
		m.logger.Infow("presence health loop started", "interval", m.cfg.HealthCheckInterval)
	})
}

// Shutdown stops the health loops, waits for pending cache repopulation and
// closes both adapters.
func (m *PresenceManager) Shutdown(ctx context.Context) error {
	var err error
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		done := make(chan struct{})
		go func() {
			m.loops.Wait()
			m.background.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			m.logger.Warnw("presence shutdown timed out waiting for background work", "error", ctx.Err())
		}

		err = errors.Join(m.cache.Close(), m.store.Close())
	})
	return err
}

func (m *PresenceManager) StoreAvailable() bool { return m.storeSup.available.Load() }
func (m *PresenceManager) CacheAvailable() bool { return m.cacheSup.available.Load() }

// UpdateVoiceState stamps the state with the current time and makes it the
// user's only voice state. Moving to another channel removes the user from
// the previous channel's view.
func (m *PresenceManager) UpdateVoiceState(ctx context.Context, state *domain.VoiceState) (err error) {
	ctx, span := tracing.TracePresenceOperation(ctx, "update_voice_state",
		tracing.UserIDKey.String(string(state.UserID)),
		tracing.ChannelIDKey.String(string(state.ChannelID)),
	)
	defer span.End()
	defer m.observe("update_voice_state", time.Now(), &err)

	if state.UserID == "" || state.ChannelID == "" {
		return apperrors.NewInvalidInputError("userId and channelId are required")
	}
	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("update voice state", domain.ErrStoreUnavailable)
	}

	previous, err := m.store.GetState(ctx, state.UserID)
	if err != nil && !errors.Is(err, domain.ErrVoiceStateNotFound) {
		return m.storeFailed(ctx, "update voice state", err)
	}

	state.Timestamp = m.now().UTC()
	if err := m.store.UpsertState(ctx, state); err != nil {
		return m.storeFailed(ctx, "update voice state", err)
	}

	if previous != nil && previous.ChannelID != state.ChannelID {
		m.mirror(ctx, previous.ChannelID, func(ctx context.Context) error {
			return m.cache.RemoveChannelMember(ctx, previous.ChannelID, state.UserID)
		})
	}
	m.mirrorMember(ctx, state)

	return nil
}

// RemoveVoiceState deletes the user's voice state. Removing a user with no
// state is not an error.
func (m *PresenceManager) RemoveVoiceState(ctx context.Context, userID domain.UserID) (err error) {
	ctx, span := tracing.TracePresenceOperation(ctx, "remove_voice_state", tracing.UserIDKey.String(string(userID)))
	defer span.End()
	defer m.observe("remove_voice_state", time.Now(), &err)

	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("remove voice state", domain.ErrStoreUnavailable)
	}

	previous, err := m.store.GetState(ctx, userID)
	if errors.Is(err, domain.ErrVoiceStateNotFound) {
		return nil
	}
	if err != nil {
		return m.storeFailed(ctx, "remove voice state", err)
	}

	if err := m.store.DeleteState(ctx, userID); err != nil {
		return m.storeFailed(ctx, "remove voice state", err)
	}

	m.mirror(ctx, previous.ChannelID, func(ctx context.Context) error {
		return m.cache.RemoveChannelMember(ctx, previous.ChannelID, userID)
	})
	return nil
}

// GetChannelVoiceStates returns the channel's members, most recently updated
// first. Warm and cold reads return the same result.
func (m *PresenceManager) GetChannelVoiceStates(ctx context.Context, channelID domain.ChannelID) (states []*domain.VoiceState, err error) {
	ctx, span := tracing.TracePresenceOperation(ctx, "get_channel_voice_states", tracing.ChannelIDKey.String(string(channelID)))
	defer span.End()
	defer m.observe("get_channel_voice_states", time.Now(), &err)

	if cached, ok := m.readCachedMembers(ctx, channelID); ok {
		tracing.AddSpanAttributes(ctx, tracing.CacheResultKey.String(cacheHit))
		return cached, nil
	}
	tracing.AddSpanAttributes(ctx, tracing.CacheResultKey.String(cacheMiss))

	if !m.StoreAvailable() {
		return nil, apperrors.StoreUnavailable("list channel members", domain.ErrStoreUnavailable)
	}

	// Concurrent misses on one channel share a single store query. The query
	// outlives any one caller, so it runs on its own deadline.
	flight := m.flights.DoChan(string(channelID), func() (interface{}, error) {
		detached := context.WithoutCancel(ctx)
		queryCtx, cancel := context.WithTimeout(detached, m.cfg.ProbeTimeout)
		defer cancel()

		epoch := m.channelEpoch(channelID)
		states, err := m.store.QueryByChannel(queryCtx, channelID)
		if err != nil {
			// Our own deadline expiring is a slow store, not an abandoned call.
			return nil, m.storeFailed(detached, "list channel members", err)
		}
		m.repopulate(channelID, epoch, states)
		return states, nil
	})

	var result singleflight.Result
	select {
	case result = <-flight:
	case <-ctx.Done():
		return nil, m.storeFailed(ctx, "list channel members", ctx.Err())
	}
	if result.Err != nil {
		return nil, result.Err
	}

	return cloneStates(result.Val.([]*domain.VoiceState)), nil
}

// GetUserVoiceState returns the user's current voice state from the durable
// store.
func (m *PresenceManager) GetUserVoiceState(ctx context.Context, userID domain.UserID) (state *domain.VoiceState, err error) {
	defer m.observe("get_user_voice_state", time.Now(), &err)

	if !m.StoreAvailable() {
		return nil, apperrors.StoreUnavailable("get voice state", domain.ErrStoreUnavailable)
	}

	state, err = m.store.GetState(ctx, userID)
	if errors.Is(err, domain.ErrVoiceStateNotFound) {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeNotFound, "not connected to voice", http.StatusNotFound)
	}
	if err != nil {
		return nil, m.storeFailed(ctx, "get voice state", err)
	}
	return state, nil
}

// AddVoiceConnection records the live signaling session of a user, replacing
// any earlier one. A missing peer ID is generated.
func (m *PresenceManager) AddVoiceConnection(ctx context.Context, conn *domain.VoiceConnection) (err error) {
	ctx, span := tracing.TracePresenceOperation(ctx, "add_voice_connection",
		tracing.UserIDKey.String(string(conn.UserID)),
		tracing.ChannelIDKey.String(string(conn.ChannelID)),
	)
	defer span.End()
	defer m.observe("add_voice_connection", time.Now(), &err)

	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("add voice connection", domain.ErrStoreUnavailable)
	}

	if conn.PeerID == "" {
		conn.PeerID = domain.PeerID(utils.NewPeerID())
	}
	if conn.ConnectionType == "" {
		conn.ConnectionType = domain.ConnectionDirect
	}
	conn.CreatedAt = m.now().UTC()

	previous, err := m.store.GetConnection(ctx, conn.UserID)
	if err != nil && !errors.Is(err, domain.ErrConnectionNotFound) {
		return m.storeFailed(ctx, "add voice connection", err)
	}

	if err := m.store.InsertConnection(ctx, conn); err != nil {
		return m.storeFailed(ctx, "add voice connection", err)
	}

	if previous != nil && previous.ChannelID != conn.ChannelID {
		m.mirror(ctx, previous.ChannelID, func(ctx context.Context) error {
			return m.cache.RemoveConnection(ctx, previous.ChannelID, conn.UserID)
		})
	}
	m.mirrorConnection(ctx, conn)
	return nil
}

// RemoveVoiceConnection drops the user's connection record, if any.
func (m *PresenceManager) RemoveVoiceConnection(ctx context.Context, userID domain.UserID) (err error) {
	defer m.observe("remove_voice_connection", time.Now(), &err)

	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("remove voice connection", domain.ErrStoreUnavailable)
	}

	previous, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return nil
	}
	if err != nil {
		return m.storeFailed(ctx, "remove voice connection", err)
	}

	if err := m.store.DeleteConnection(ctx, userID); err != nil {
		return m.storeFailed(ctx, "remove voice connection", err)
	}

	m.mirror(ctx, previous.ChannelID, func(ctx context.Context) error {
		return m.cache.RemoveConnection(ctx, previous.ChannelID, userID)
	})
	return nil
}

// UpdateConnectionQuality stores the raw metrics on the connection and the
// folded score on the voice state. A non-empty connType also records the
// media path the metrics were measured on.
func (m *PresenceManager) UpdateConnectionQuality(ctx context.Context, userID domain.UserID, quality domain.ConnectionQuality, connType domain.ConnectionType) (err error) {
	defer m.observe("update_connection_quality", time.Now(), &err)

	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("update connection quality", domain.ErrStoreUnavailable)
	}

	conn, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "not connected to voice", http.StatusNotFound)
	}
	if err != nil {
		return m.storeFailed(ctx, "update connection quality", err)
	}

	conn.Quality = quality
	if connType != "" {
		conn.ConnectionType = connType
	}
	if err := m.store.InsertConnection(ctx, conn); err != nil {
		return m.storeFailed(ctx, "update connection quality", err)
	}
	m.mirrorConnection(ctx, conn)

	state, err := m.store.GetState(ctx, userID)
	if errors.Is(err, domain.ErrVoiceStateNotFound) {
		return nil
	}
	if err != nil {
		return m.storeFailed(ctx, "update connection quality", err)
	}

	state.ConnectionQuality = quality.Score()
	state.Timestamp = m.now().UTC()
	if err := m.store.UpsertState(ctx, state); err != nil {
		return m.storeFailed(ctx, "update connection quality", err)
	}
	m.mirrorMember(ctx, state)
	return nil
}

// SetConnectionType records the media path of the user's connection. It is
// a no-op when the stored type already matches.
func (m *PresenceManager) SetConnectionType(ctx context.Context, userID domain.UserID, connType domain.ConnectionType) (err error) {
	defer m.observe("set_connection_type", time.Now(), &err)

	if connType != domain.ConnectionDirect && connType != domain.ConnectionRelayed {
		return apperrors.NewInvalidInputError("connectionType must be direct or relayed")
	}
	if !m.StoreAvailable() {
		return apperrors.StoreUnavailable("set connection type", domain.ErrStoreUnavailable)
	}

	conn, err := m.store.GetConnection(ctx, userID)
	if errors.Is(err, domain.ErrConnectionNotFound) {
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "not connected to voice", http.StatusNotFound)
	}
	if err != nil {
		return m.storeFailed(ctx, "set connection type", err)
	}
	if conn.ConnectionType == connType {
		return nil
	}

	conn.ConnectionType = connType
	if err := m.store.InsertConnection(ctx, conn); err != nil {
		return m.storeFailed(ctx, "set connection type", err)
	}
	m.mirrorConnection(ctx, conn)
	m.logger.Debugw("connection media path changed", "user_id", userID, "connection_type", connType)
	return nil
}

// GetChannelConnections lists live connections in a channel from the
// durable store.
func (m *PresenceManager) GetChannelConnections(ctx context.Context, channelID domain.ChannelID) (conns []*domain.VoiceConnection, err error) {
	defer m.observe("get_channel_connections", time.Now(), &err)

	if !m.StoreAvailable() {
		return nil, apperrors.StoreUnavailable("list channel connections", domain.ErrStoreUnavailable)
	}

	conns, err = m.store.QueryConnectionsByChannel(ctx, channelID)
	if err != nil {
		return nil, m.storeFailed(ctx, "list channel connections", err)
	}
	return conns, nil
}

// storeFailed flags the store unavailable and translates err. Errors that
// are already AppErrors pass through. A caller that gave up is not evidence
// of a store outage, so a done ctx never flips the flag.
func (m *PresenceManager) storeFailed(ctx context.Context, op string, err error) error {
	if apperrors.IsAppError(err) {
		return err
	}
	tracing.RecordError(ctx, err)
	if ctxErr := ctx.Err(); ctxErr != nil {
		m.logger.Debugw("voice state store call abandoned by caller", "op", op, "error", err)
		return apperrors.StoreUnavailable(op, err)
	}
	m.logger.Errorw("voice state store failed", "op", op, "error", err)
	m.markUnavailable(m.storeSup)
	return apperrors.StoreUnavailable(op, err)
}

// readCachedMembers returns a decoded, sorted cache hit. Any doubt about the
// cache contents is reported as a miss.
func (m *PresenceManager) readCachedMembers(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, bool) {
	if !m.prepareCache(ctx, channelID) {
		return nil, false
	}

	raw, err := m.cache.ReadChannelMembers(ctx, channelID)
	if err != nil {
		m.recordCacheRead(cacheError)
		m.cacheFailed(channelID, "read channel members", err)
		return nil, false
	}
	if len(raw) == 0 {
		m.recordCacheRead(cacheMiss)
		return nil, false
	}

	states := make([]*domain.VoiceState, 0, len(raw))
	for userID, data := range raw {
		var state domain.VoiceState
		if err := json.Unmarshal(data, &state); err != nil || state.UserID != userID {
			m.logger.Warnw("discarding undecodable cached membership", "channel_id", channelID, "user_id", userID, "error", err)
			m.recordCacheRead(cacheMiss)
			m.markDirty(channelID)
			return nil, false
		}
		states = append(states, &state)
	}

	m.recordCacheRead(cacheHit)
	domain.SortVoiceStates(states)
	return states, true
}

// prepareCache reports whether the cache may be used for channelID,
// deleting its keys first when the channel is dirty.
func (m *PresenceManager) prepareCache(ctx context.Context, channelID domain.ChannelID) bool {
	if !m.CacheAvailable() {
		return false
	}
	if !m.isDirty(channelID) {
		return true
	}
	if err := m.invalidate(ctx, channelID); err != nil {
		m.cacheFailed(channelID, "invalidate channel", err)
		return false
	}
	return true
}

func (m *PresenceManager) invalidate(ctx context.Context, channelID domain.ChannelID) error {
	if err := m.cache.DeleteKey(ctx, m.cache.ChannelKey(channelID)); err != nil {
		return err
	}
	if err := m.cache.DeleteKey(ctx, m.cache.ConnectionsKey(channelID)); err != nil {
		return err
	}
	m.clearDirty(channelID)
	return nil
}

// mirror runs a cache write for channelID under the channel lock, bumping
// the channel epoch so in-flight repopulation of older data is discarded.
// Failures never reach the caller.
func (m *PresenceManager) mirror(ctx context.Context, channelID domain.ChannelID, write func(ctx context.Context) error) {
	lock := m.lockChannel(channelID)
	defer lock.Unlock()
	m.bumpEpoch(channelID)

	if !m.prepareCache(ctx, channelID) {
		m.markDirty(channelID)
		return
	}
	if err := write(ctx); err != nil {
		m.cacheFailed(channelID, "mirror write", err)
	}
}

// mirrorMember writes one member into the channel view. When the view has
// expired it is rebuilt whole from the store, so it never holds a subset of
// the channel.
func (m *PresenceManager) mirrorMember(ctx context.Context, state *domain.VoiceState) {
	m.mirror(ctx, state.ChannelID, func(ctx context.Context) error {
		existing, err := m.cache.ReadChannelMembers(ctx, state.ChannelID)
		if err != nil {
			return err
		}
		if len(existing) > 0 {
			data, err := json.Marshal(state)
			if err != nil {
				return err
			}
			return m.cache.WriteChannelMember(ctx, state.ChannelID, state.UserID, data)
		}

		states, err := m.store.QueryByChannel(ctx, state.ChannelID)
		if err != nil {
			// An empty view is a miss, which is always safe.
			m.logger.Warnw("cannot rebuild channel view", "channel_id", state.ChannelID, "error", err)
			return nil
		}
		members, err := encodeMembers(states)
		if err != nil {
			return err
		}
		return m.cache.WriteChannelMembers(ctx, state.ChannelID, members)
	})
}

func (m *PresenceManager) mirrorConnection(ctx context.Context, conn *domain.VoiceConnection) {
	m.mirror(ctx, conn.ChannelID, func(ctx context.Context) error {
		data, err := json.Marshal(conn)
		if err != nil {
			return err
		}
		return m.cache.WriteConnection(ctx, conn.ChannelID, conn.UserID, data)
	})
}

// repopulate writes a cold read back into the cache in the background. The
// write is skipped when the channel changed since the store was queried.
func (m *PresenceManager) repopulate(channelID domain.ChannelID, epoch uint64, states []*domain.VoiceState) {
	if len(states) == 0 || !m.CacheAvailable() {
		return
	}
	members, err := encodeMembers(states)
	if err != nil {
		m.logger.Warnw("cannot encode channel members for cache", "channel_id", channelID, "error", err)
		return
	}

	m.background.Add(1)
	go func() {
		defer m.background.Done()
		defer func() {
			if r := recover(); r != nil {
				m.logger.Errorw("panic during cache repopulation", "channel_id", channelID, "panic", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RepopulateTimeout)
		defer cancel()

		lock := m.lockChannel(channelID)
		defer lock.Unlock()

		if m.channelEpoch(channelID) != epoch {
			return
		}
		if guard, ok := m.cache.(ports.RepopulationGuard); ok {
			release, claimed, err := guard.ClaimRepopulation(ctx, channelID)
			if err != nil {
				m.cacheFailed(channelID, "repopulate", err)
				return
			}
			if !claimed {
				m.logger.Debugw("channel view is being repopulated elsewhere", "channel_id", channelID)
				return
			}
			defer release()
		}
		if !m.prepareCache(ctx, channelID) {
			return
		}
		if err := m.cache.WriteChannelMembers(ctx, channelID, members); err != nil {
			m.cacheFailed(channelID, "repopulate", err)
			return
		}
		m.logger.Debugw("channel view repopulated", "channel_id", channelID, "members", len(members))
	}()
}

// lockChannel serializes cache writes for one channel.
func (m *PresenceManager) lockChannel(channelID domain.ChannelID) *sync.Mutex {
	m.channelMu.Lock()
	lock, ok := m.channelLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		m.channelLocks[channelID] = lock
	}
	m.channelMu.Unlock()

	lock.Lock()
	return lock
}

func (m *PresenceManager) bumpEpoch(channelID domain.ChannelID) {
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	m.epochs[channelID]++
}

func (m *PresenceManager) channelEpoch(channelID domain.ChannelID) uint64 {
	m.channelMu.Lock()
	defer m.channelMu.Unlock()
	return m.epochs[channelID]
}

func (m *PresenceManager) cacheFailed(channelID domain.ChannelID, op string, err error) {
	m.logger.Warnw("voice cache degraded, serving from store",
		"op", op,
		"channel_id", channelID,
		"error", apperrors.CacheUnavailable(op, err),
	)
	m.markDirty(channelID)
	m.markUnavailable(m.cacheSup)
}

func (m *PresenceManager) markDirty(channelID domain.ChannelID) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	m.dirty[channelID] = struct{}{}
}

func (m *PresenceManager) clearDirty(channelID domain.ChannelID) {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	delete(m.dirty, channelID)
}

func (m *PresenceManager) isDirty(channelID domain.ChannelID) bool {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	_, ok := m.dirty[channelID]
	return ok
}

func (m *PresenceManager) dirtyChannels() []domain.ChannelID {
	m.dirtyMu.Lock()
	defer m.dirtyMu.Unlock()
	channels := make([]domain.ChannelID, 0, len(m.dirty))
	for channelID := range m.dirty {
		channels = append(channels, channelID)
	}
	return channels
}

// flushDirty deletes the keys of every dirty channel on a freshly
// reconnected cache.
func (m *PresenceManager) flushDirty(ctx context.Context) error {
	for _, channelID := range m.dirtyChannels() {
		if err := m.invalidate(ctx, channelID); err != nil {
			return fmt.Errorf("invalidate channel %s: %w", channelID, err)
		}
	}
	return nil
}

// sweepExpired removes rows older than StaleAfter whose user has no live
// session.
func (m *PresenceManager) sweepExpired(ctx context.Context) {
	if m.cfg.StaleAfter <= 0 {
		return
	}
	removed, err := m.sweepStale(ctx, m.now().Add(-m.cfg.StaleAfter))
	if err != nil {
		m.logger.Warnw("stale presence sweep failed", "error", err)
		return
	}
	if removed > 0 {
		m.logger.Infow("removed stale presence", "users", removed, "stale_after", m.cfg.StaleAfter)
	}
}

// sweepStale removes the state and connection of every user with a row
// older than cutoff and no live session, mirroring each removal into the
// cache. It returns the number of users removed.
func (m *PresenceManager) sweepStale(ctx context.Context, cutoff time.Time) (int, error) {
	if !m.StoreAvailable() {
		return 0, apperrors.StoreUnavailable("sweep stale presence", domain.ErrStoreUnavailable)
	}
	users, err := m.store.StaleUsers(ctx, cutoff)
	if err != nil {
		return 0, m.storeFailed(ctx, "sweep stale presence", err)
	}

	removed := 0
	for _, userID := range users {
		if m.sessions != nil && m.sessions.HasSession(userID) {
			continue
		}
		if err := m.RemoveVoiceConnection(ctx, userID); err != nil {
			return removed, err
		}
		if err := m.RemoveVoiceState(ctx, userID); err != nil {
			return removed, err
		}
		m.logger.Debugw("removed presence with no live session", "user_id", userID)
		removed++
	}
	return removed, nil
}

func (m *PresenceManager) setAvailable(s *supervisedAdapter, available bool) {
	s.available.Store(available)
	if m.metrics != nil {
		m.metrics.RecordAdapterAvailability(s.name, available)
	}
}

// markUnavailable flips the flag and wakes the adapter's supervision loop
// so the reconnect cycle starts without waiting for the next tick.
func (m *PresenceManager) markUnavailable(s *supervisedAdapter) {
	if !s.available.Load() {
		return
	}
	m.setAvailable(s, false)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (m *PresenceManager) supervise(ctx context.Context, s *supervisedAdapter) {
	defer m.loops.Done()

	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		scheduled := false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduled = true
		case <-s.wake:
		}
		m.checkAdapter(ctx, s)
		if scheduled && s.onTick != nil && s.available.Load() {
			m.runTick(ctx, s)
		}
	}
}

func (m *PresenceManager) runTick(ctx context.Context, s *supervisedAdapter) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("panic in adapter maintenance", "adapter", s.name, "panic", r)
		}
	}()
	s.onTick(ctx)
}

func (m *PresenceManager) checkAdapter(ctx context.Context, s *supervisedAdapter) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Errorw("panic in adapter health check", "adapter", s.name, "panic", r)
		}
	}()

	if s.available.Load() {
		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := s.adapter.HealthCheck(probeCtx)
		cancel()
		if err == nil {
			return
		}
		m.logger.Warnw("adapter health probe failed", "adapter", s.name, "error", err)
		m.setAvailable(s, false)
	}

	m.reconnect(ctx, s)
}

// reconnect makes a bounded number of attempts with exponential backoff.
// When they are exhausted the adapter stays unavailable until the next tick.
func (m *PresenceManager) reconnect(ctx context.Context, s *supervisedAdapter) {
	cfg := retry.ExponentialConfig(m.cfg.ReconnectAttempts, m.cfg.ReconnectBaseDelay, m.cfg.ReconnectMaxDelay)
	// Replicas that lost the same backend should not redial in lockstep.
	cfg.Jitter = true
	cfg.OnRetry = func(attempt int, delay time.Duration, err error) {
		m.logger.Infow("adapter reconnect failed, backing off",
			"adapter", s.name,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
	}

	err := retry.Retry(ctx, cfg, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		defer cancel()

		err := s.adapter.Reconnect(attemptCtx)
		if err == nil {
			err = s.adapter.HealthCheck(attemptCtx)
		}
		if m.metrics != nil {
			m.metrics.RecordReconnectAttempt(s.name, err == nil)
		}
		return err
	})
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Errorw("adapter still unavailable after reconnect attempts",
				"adapter", s.name,
				"attempts", m.cfg.ReconnectAttempts,
				"error", err,
			)
		}
		return
	}

	if s.onRecovered != nil {
		if err := s.onRecovered(ctx); err != nil {
			m.logger.Warnw("adapter reconnected but recovery step failed", "adapter", s.name, "error", err)
			return
		}
	}

	m.setAvailable(s, true)
	m.logger.Infow("adapter recovered", "adapter", s.name)
}

func (m *PresenceManager) observe(op string, start time.Time, err *error) {
	if m.metrics != nil {
		m.metrics.RecordPresenceOperation(op, time.Since(start), *err)
	}
}

func (m *PresenceManager) recordCacheRead(result string) {
	if m.metrics != nil {
		m.metrics.RecordCacheRead(result)
	}
}

func encodeMembers(states []*domain.VoiceState) (map[domain.UserID][]byte, error) {
	members := make(map[domain.UserID][]byte, len(states))
	for _, state := range states {
		data, err := json.Marshal(state)
		if err != nil {
			return nil, err
		}
		members[state.UserID] = data
	}
	return members, nil
}

func cloneStates(states []*domain.VoiceState) []*domain.VoiceState {
	out := make([]*domain.VoiceState, len(states))
	for i, state := range states {
		cp := *state
		out[i] = &cp
	}
	return out
}
