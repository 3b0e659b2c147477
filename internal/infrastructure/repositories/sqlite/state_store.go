package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/tracing"

	"go.uber.org/zap"
)

// StateStore implements ports.StateStore on SQLite. Timestamps are stored as
// unix nanoseconds so ordering survives the round trip exactly.
type StateStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	logger *zap.SugaredLogger
}

// NewStateStore opens (creating if needed) the database at path and applies
// pending migrations.
func NewStateStore(ctx context.Context, path string, logger *zap.SugaredLogger) (*StateStore, error) {
	db, err := openDB(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if err := migrate(ctx, db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Infow("voice state store ready", "driver", "sqlite", "path", path)

	return &StateStore{db: db, path: path, logger: logger}, nil
}

func (s *StateStore) conn() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
}

func (s *StateStore) UpsertState(ctx context.Context, state *domain.VoiceState) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "upsert_state")
	defer span.End()

	ts := state.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	query := `
		INSERT INTO voice_states (user_id, channel_id, server_id, is_muted, is_deafened,
		                          connection_quality, device_name, device_type, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id)
		DO UPDATE SET channel_id = excluded.channel_id,
		              server_id = excluded.server_id,
		              is_muted = excluded.is_muted,
		              is_deafened = excluded.is_deafened,
		              connection_quality = excluded.connection_quality,
		              device_name = excluded.device_name,
		              device_type = excluded.device_type,
		              updated_at = excluded.updated_at`

	_, err := s.conn().ExecContext(ctx, query,
		string(state.UserID), string(state.ChannelID), string(state.ServerID),
		state.IsMuted, state.IsDeafened, state.ConnectionQuality,
		state.DeviceInfo.Name, state.DeviceInfo.Type, ts.UnixNano(),
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return unavailable("upsert voice state", err)
	}
	return nil
}

const stateColumns = `user_id, channel_id, server_id, is_muted, is_deafened,
	connection_quality, device_name, device_type, updated_at`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanState(row scanner) (*domain.VoiceState, error) {
	var (
		state                       domain.VoiceState
		userID, channelID, serverID string
		updatedAt                   int64
	)
	if err := row.Scan(&userID, &channelID, &serverID, &state.IsMuted, &state.IsDeafened,
		&state.ConnectionQuality, &state.DeviceInfo.Name, &state.DeviceInfo.Type, &updatedAt); err != nil {
		return nil, err
	}
	state.UserID = domain.UserID(userID)
	state.ChannelID = domain.ChannelID(channelID)
	state.ServerID = domain.ServerID(serverID)
	state.Timestamp = time.Unix(0, updatedAt).UTC()
	return &state, nil
}

func (s *StateStore) GetState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "get_state")
	defer span.End()

	row := s.conn().QueryRowContext(ctx,
		`SELECT `+stateColumns+` FROM voice_states WHERE user_id = ?`, string(userID))
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrVoiceStateNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, unavailable("get voice state", err)
	}
	return state, nil
}

func (s *StateStore) DeleteState(ctx context.Context, userID domain.UserID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "delete_state")
	defer span.End()

	if _, err := s.conn().ExecContext(ctx, `DELETE FROM voice_states WHERE user_id = ?`, string(userID)); err != nil {
		tracing.RecordError(ctx, err)
		return unavailable("delete voice state", err)
	}
	return nil
}

func (s *StateStore) QueryByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "query_by_channel")
	defer span.End()

	rows, err := s.conn().QueryContext(ctx, `
		SELECT `+stateColumns+` FROM voice_states
		WHERE channel_id = ?
		ORDER BY updated_at DESC, user_id ASC`, string(channelID))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, unavailable("query voice states", err)
	}
	defer rows.Close()

	states := make([]*domain.VoiceState, 0)
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, unavailable("scan voice state", err)
		}
		states = append(states, state)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate voice states", err)
	}
	return states, nil
}

// InsertConnection replaces any row sharing the peer ID or the user ID.
func (s *StateStore) InsertConnection(ctx context.Context, conn *domain.VoiceConnection) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "insert_connection")
	defer span.End()

	iceServers, err := json.Marshal(conn.ICEServers)
	if err != nil {
		return fmt.Errorf("failed to marshal ice servers: %w", err)
	}
	createdAt := conn.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	connType := conn.ConnectionType
	if connType == "" {
		connType = domain.ConnectionDirect
	}

	_, err = s.conn().ExecContext(ctx, `
		INSERT OR REPLACE INTO voice_connections
			(peer_id, user_id, channel_id, ice_servers, connection_type,
			 jitter_ms, packet_loss, rtt_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(conn.PeerID), string(conn.UserID), string(conn.ChannelID), string(iceServers),
		string(connType), conn.Quality.JitterMs, conn.Quality.PacketLoss, conn.Quality.RTTMs,
		createdAt.UnixNano(),
	)
	if err != nil {
		tracing.RecordError(ctx, err)
		return unavailable("insert voice connection", err)
	}
	return nil
}

const connectionColumns = `peer_id, user_id, channel_id, ice_servers, connection_type,
	jitter_ms, packet_loss, rtt_ms, created_at`

func scanConnection(row scanner) (*domain.VoiceConnection, error) {
	var (
		conn                                    domain.VoiceConnection
		peerID, userID, channelID, ice, connTyp string
		createdAt                               int64
	)
	if err := row.Scan(&peerID, &userID, &channelID, &ice, &connTyp,
		&conn.Quality.JitterMs, &conn.Quality.PacketLoss, &conn.Quality.RTTMs, &createdAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(ice), &conn.ICEServers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal ice servers: %w", err)
	}
	conn.PeerID = domain.PeerID(peerID)
	conn.UserID = domain.UserID(userID)
	conn.ChannelID = domain.ChannelID(channelID)
	conn.ConnectionType = domain.ConnectionType(connTyp)
	conn.CreatedAt = time.Unix(0, createdAt).UTC()
	return &conn, nil
}

func (s *StateStore) GetConnection(ctx context.Context, userID domain.UserID) (*domain.VoiceConnection, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "get_connection")
	defer span.End()

	row := s.conn().QueryRowContext(ctx,
		`SELECT `+connectionColumns+` FROM voice_connections WHERE user_id = ?`, string(userID))
	conn, err := scanConnection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrConnectionNotFound
	}
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, unavailable("get voice connection", err)
	}
	return conn, nil
}

func (s *StateStore) DeleteConnection(ctx context.Context, userID domain.UserID) error {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "delete_connection")
	defer span.End()

	if _, err := s.conn().ExecContext(ctx, `DELETE FROM voice_connections WHERE user_id = ?`, string(userID)); err != nil {
		tracing.RecordError(ctx, err)
		return unavailable("delete voice connection", err)
	}
	return nil
}

func (s *StateStore) QueryConnectionsByChannel(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceConnection, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "query_connections")
	defer span.End()

	rows, err := s.conn().QueryContext(ctx, `
		SELECT `+connectionColumns+` FROM voice_connections
		WHERE channel_id = ?
		ORDER BY created_at ASC`, string(channelID))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, unavailable("query voice connections", err)
	}
	defer rows.Close()

	conns := make([]*domain.VoiceConnection, 0)
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			return nil, unavailable("scan voice connection", err)
		}
		conns = append(conns, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate voice connections", err)
	}
	return conns, nil
}

// StaleUsers lists users whose voice state was last updated, or whose
// connection was opened, before the cutoff.
func (s *StateStore) StaleUsers(ctx context.Context, before time.Time) ([]domain.UserID, error) {
	ctx, span := tracing.TraceStoreOperation(ctx, "sqlite", "stale_users")
	defer span.End()

	cutoff := before.UnixNano()
	rows, err := s.conn().QueryContext(ctx, `
		SELECT user_id FROM voice_states WHERE updated_at < ?
		UNION
		SELECT user_id FROM voice_connections WHERE created_at < ?
		ORDER BY user_id`, cutoff, cutoff)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, unavailable("query stale users", err)
	}
	defer rows.Close()

	var users []domain.UserID
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, unavailable("scan stale user", err)
		}
		users = append(users, domain.UserID(userID))
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate stale users", err)
	}
	return users, nil
}

// HealthCheck verifies the database answers a trivial query.
func (s *StateStore) HealthCheck(ctx context.Context) error {
	var one int
	if err := s.conn().QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return unavailable("health check", err)
	}
	return nil
}

// Reconnect reopens the database file and swaps the handle in.
func (s *StateStore) Reconnect(ctx context.Context) error {
	db, err := openDB(ctx, s.path)
	if err != nil {
		return unavailable("reconnect", err)
	}
	if err := migrate(ctx, db, s.logger); err != nil {
		db.Close()
		return unavailable("reconnect", err)
	}

	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

func (s *StateStore) Close() error {
	return s.conn().Close()
}
