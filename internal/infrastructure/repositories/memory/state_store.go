package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"voxrelay/internal/core/domain"
)

// StateStore keeps voice states and connections in process memory. It
// satisfies ports.StateStore for development and tests; nothing survives a
// restart.
type StateStore struct {
	states      map[domain.UserID]*domain.VoiceState
	connections map[domain.UserID]*domain.VoiceConnection
	mu          sync.RWMutex

	offline atomic.Bool
}

func NewStateStore() *StateStore {
	return &StateStore{
		states:      make(map[domain.UserID]*domain.VoiceState),
		connections: make(map[domain.UserID]*domain.VoiceConnection),
	}
}

// SetAvailable simulates the backend going away and coming back.
func (s *StateStore) SetAvailable(available bool) {
	s.offline.Store(!available)
}

func (s *StateStore) check(op string) error {
	if s.offline.Load() {
		return fmt.Errorf("%w: %s: memory store offline", domain.ErrStoreUnavailable, op)
	}
	return nil
}

func (s *StateStore) UpsertState(ctx context.Context, state *domain.VoiceState) error {
	if err := s.check("upsert_state"); err != nil {
		return err
	}

	stored := *state
	if stored.Timestamp.IsZero() {
		stored.Timestamp = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.UserID] = &stored
	return nil
}

func (s *StateStore) GetState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error) {
	if err := s.check("get_state"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[userID]
	if !ok {
		return nil, domain.ErrVoiceStateNotFound
	}
	cp := *state
	return &cp, nil
}

func (s *StateStore) DeleteState(ctx context.Context, userID domain.UserID) error {
	if err := s.check("delete_state"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, userID)
	return nil
}

func (s *StateStore) QueryByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error) {
	if err := s.check("query_by_channel"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	result := make([]*domain.VoiceState, 0)
	for _, state := range s.states {
		if state.ChannelID == channelID {
			cp := *state
			result = append(result, &cp)
		}
	}
	s.mu.RUnlock()

	domain.SortVoiceStates(result)
	return result, nil
}

func (s *StateStore) InsertConnection(ctx context.Context, conn *domain.VoiceConnection) error {
	if err := s.check("insert_connection"); err != nil {
		return err
	}

	stored := *conn
	stored.ICEServers = append([]domain.ICEServer(nil), conn.ICEServers...)
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for userID, existing := range s.connections {
		if existing.PeerID == conn.PeerID {
			delete(s.connections, userID)
		}
	}
	s.connections[conn.UserID] = &stored
	return nil
}

func (s *StateStore) GetConnection(ctx context.Context, userID domain.UserID) (*domain.VoiceConnection, error) {
	if err := s.check("get_connection"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	conn, ok := s.connections[userID]
	if !ok {
		return nil, domain.ErrConnectionNotFound
	}
	cp := *conn
	return &cp, nil
}

func (s *StateStore) DeleteConnection(ctx context.Context, userID domain.UserID) error {
	if err := s.check("delete_connection"); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.connections, userID)
	return nil
}

func (s *StateStore) QueryConnectionsByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceConnection, error) {
	if err := s.check("query_connections"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.VoiceConnection, 0)
	for _, conn := range s.connections {
		if conn.ChannelID == channelID {
			cp := *conn
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *StateStore) StaleUsers(ctx context.Context, before time.Time) ([]domain.UserID, error) {
	if err := s.check("stale_users"); err != nil {
		return nil, err
	}

	s.mu.RLock()
	seen := make(map[domain.UserID]struct{})
	for userID, state := range s.states {
		if state.Timestamp.Before(before) {
			seen[userID] = struct{}{}
		}
	}
	for userID, conn := range s.connections {
		if conn.CreatedAt.Before(before) {
			seen[userID] = struct{}{}
		}
	}
	s.mu.RUnlock()

	users := make([]domain.UserID, 0, len(seen))
	for userID := range seen {
		users = append(users, userID)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users, nil
}

func (s *StateStore) HealthCheck(ctx context.Context) error {
	return s.check("health_check")
}

func (s *StateStore) Reconnect(ctx context.Context) error {
	return s.check("reconnect")
}

func (s *StateStore) Close() error {
	return nil
}
