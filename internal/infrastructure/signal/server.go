// Package signal is the WebSocket signaling server: it authenticates voice
// clients, routes join/leave through the presence service and relays
// session-establishment messages between members of the same channel.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"
	"sync"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/ports"
	"voxrelay/pkg/config"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Config struct {
	PingInterval      time.Duration
	PongTimeout       time.Duration
	WriteTimeout      time.Duration
	OperationTimeout  time.Duration
	MaxMessageSize    int64
	MaxProtocolErrors int
	SendBuffer        int
	// PendingOperations bounds presence messages queued behind a slow one.
	PendingOperations int
	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
	ICEServers        []domain.ICEServer
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		OperationTimeout:  10 * time.Second,
		MaxMessageSize:    64 * 1024,
		MaxProtocolErrors: 3,
		SendBuffer:        64,
		PendingOperations: 16,
		AllowedOrigins:    []string{"*"},
	}
}

// ConfigFrom maps the process configuration onto the server's settings.
func ConfigFrom(cfg *config.Config) Config {
	c := DefaultConfig()
	c.PingInterval = cfg.Signal.PingInterval
	c.PongTimeout = cfg.Signal.PongTimeout
	c.WriteTimeout = cfg.Signal.WriteTimeout
	c.OperationTimeout = cfg.Signal.OperationTimeout
	c.MaxProtocolErrors = cfg.Signal.MaxProtocolErrors
	c.AllowedOrigins = cfg.Signal.AllowedOrigins
	if cfg.RateLimiting.WebSocket.MaxMessageSizeBytes > 0 {
		c.MaxMessageSize = cfg.RateLimiting.WebSocket.MaxMessageSizeBytes
	}
	if cfg.RateLimiting.Enabled {
		c.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		c.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	for _, s := range cfg.WebRTC.ICEServers {
		c.ICEServers = append(c.ICEServers, domain.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return c
}

// Session is the view of a live connection given to registered handlers.
type Session interface {
	UserID() domain.UserID
	ChannelID() domain.ChannelID
	Send(msg interface{}) error
}

// HandlerFunc handles a message type the server does not know itself.
type HandlerFunc func(ctx context.Context, session Session, data []byte) error

type Server struct {
	cfg      Config
	presence ports.PresenceService
	auth     Authenticator
	metrics  ports.SignalMetrics
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	clients  map[domain.UserID]*client
	handlers map[protocol.Type]HandlerFunc
	closed   bool

	// userLocks serialize presence changes of one user across that user's
	// old and new connections.
	userLocks [64]sync.Mutex

	wg sync.WaitGroup
}

func NewServer(cfg Config, presence ports.PresenceService, auth Authenticator, metrics ports.SignalMetrics, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConfig().SendBuffer
	}
	if cfg.MaxProtocolErrors <= 0 {
		cfg.MaxProtocolErrors = DefaultConfig().MaxProtocolErrors
	}
	if cfg.PendingOperations <= 0 {
		cfg.PendingOperations = DefaultConfig().PendingOperations
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		presence: presence,
		auth:     auth,
		metrics:  metrics,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		clients:  make(map[domain.UserID]*client),
		handlers: make(map[protocol.Type]HandlerFunc),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// RegisterHandler routes an additional message type, such as the media
// queue's media_state, to fn. Built-in types cannot be overridden.
func (s *Server) RegisterHandler(t protocol.Type, fn HandlerFunc) error {
	if isBuiltin(t) {
		return fmt.Errorf("message type %q is handled by the signaling server", t)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = fn
	return nil
}

func (s *Server) handler(t protocol.Type) (HandlerFunc, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn, ok := s.handlers[t]
	return fn, ok
}

// HandleWebSocket authenticates the request, upgrades it and serves the
// connection until it closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := s.auth.AuthenticateRequest(r)
	if err != nil || userID == "" {
		s.logger.Infow("refusing unauthenticated websocket upgrade", "remote", r.RemoteAddr, "error", err)
		writeJSONError(w, apperrors.NewUnauthorizedError("a valid bearer token is required"))
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeJSONError(w, apperrors.NewAppError(apperrors.ErrCodeServiceUnavailable, "server is shutting down", http.StatusServiceUnavailable))
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	c := newClient(s, conn, userID)
	s.register(c)
	s.metrics.RecordConnectionOpened()
	s.logger.Infow("signaling client connected", "user_id", userID, "remote", r.RemoteAddr)

	c.serve()
}

// register makes c the user's current connection. A previous connection is
// closed and its cleanup, including the implicit leave, completes first.
func (s *Server) register(c *client) {
	s.mu.Lock()
	old := s.clients[c.userID]
	s.clients[c.userID] = c
	closed := s.closed
	s.mu.Unlock()

	if closed {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}
	if old == nil {
		return
	}
	s.logger.Infow("replacing existing signaling connection", "user_id", c.userID)
	old.shutdown(protocol.CloseReplaced, "replaced by a newer connection")
	select {
	case <-old.finished:
	case <-time.After(s.cfg.WriteTimeout + s.cfg.OperationTimeout):
		s.logger.Warnw("previous connection did not finish in time", "user_id", c.userID)
	}
}

// unregister removes c unless a newer connection already replaced it.
func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clients[c.userID] == c {
		delete(s.clients, c.userID)
	}
}

func (s *Server) lookup(userID domain.UserID) *client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clients[userID]
}

// HasSession reports whether userID has a live connection. The presence
// sweeps use it to spare rows that are old but still owned.
func (s *Server) HasSession(userID domain.UserID) bool {
	return s.lookup(userID) != nil
}

func (s *Server) lockUser(userID domain.UserID) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.userLocks[h.Sum32()%uint32(len(s.userLocks))]
}

// successor reports whether a newer connection of c's user has joined a
// channel, and which. Call with the user lock held.
func (s *Server) successor(c *client) (bool, domain.ChannelID) {
	current := s.lookup(c.userID)
	if current == nil || current == c {
		return false, ""
	}
	state, channelID := current.snapshot()
	return state == stateInChannel, channelID
}

// members returns the live connections joined to channelID.
func (s *Server) members(channelID domain.ChannelID) []*client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*client
	for _, c := range s.clients {
		if state, ch := c.snapshot(); state == stateInChannel && ch == channelID {
			out = append(out, c)
		}
	}
	return out
}

// Broadcast sends msg to every member of channelID except exclude.
func (s *Server) Broadcast(channelID domain.ChannelID, msg interface{}, exclude domain.UserID) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode broadcast", "channel_id", channelID, "error", err)
		return
	}
	for _, c := range s.members(channelID) {
		if c.userID == exclude {
			continue
		}
		if err := c.sendRaw(data); err != nil {
			s.logger.Debugw("dropping broadcast to closing connection", "user_id", c.userID, "error", err)
		}
	}
}

// relay sends voice_data to every other member of channelID. Members whose
// buffer is full miss the packet instead of being disconnected.
func (s *Server) relay(channelID domain.ChannelID, msg protocol.VoiceData, exclude domain.UserID) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Errorw("failed to encode voice data", "channel_id", channelID, "error", err)
		return
	}
	for _, c := range s.members(channelID) {
		if c.userID == exclude {
			continue
		}
		if !c.offer(data) {
			s.logger.Debugw("dropping voice data for a slow member", "user_id", c.userID, "channel_id", channelID)
		}
	}
}

// ConnectionCount reports the number of live connections.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// HandleHealth reports liveness and the connection count.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":      "ok",
		"connections": s.ConnectionCount(),
		"timestamp":   time.Now().UTC(),
	})
}

// Shutdown refuses new connections, closes live ones with 1001 and waits
// for their cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		c.shutdown(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func writeJSONError(w http.ResponseWriter, appErr *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(appErr.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   string(appErr.Code),
		"message": appErr.Message,
	})
}

type nopMetrics struct{}

func (nopMetrics) RecordConnectionOpened() {}
func (nopMetrics) RecordConnectionClosed() {}
func (nopMetrics) RecordMessage(string)    {}
func (nopMetrics) RecordProtocolError()    {}
