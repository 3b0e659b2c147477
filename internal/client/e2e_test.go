package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/monitoring"
	"voxrelay/internal/infrastructure/repositories/memory"
	"voxrelay/internal/infrastructure/signal"
	"voxrelay/pkg/logger"
	"voxrelay/pkg/protocol"
)

type liveServer struct {
	url      string
	auth     services.AuthService
	presence *services.PresenceManager
}

func newLiveServer(t *testing.T) *liveServer {
	t.Helper()
	collector := monitoring.NewPrometheusCollector(prometheus.NewRegistry())
	presence := services.NewPresenceManager(memory.NewStateStore(), memory.NewVoiceCache(time.Hour),
		services.DefaultPresenceConfig(), collector, logger.Nop())
	auth := services.NewAuthService("e2e-secret", time.Hour)
	server := signal.NewServer(signal.DefaultConfig(), presence, signal.NewJWTAuthenticator(auth), collector, logger.Nop())

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	httpServer := httptest.NewServer(mux)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
		httpServer.Close()
		_ = presence.Shutdown(ctx)
	})
	return &liveServer{
		url:      "ws" + strings.TrimPrefix(httpServer.URL, "http") + "/ws",
		auth:     auth,
		presence: presence,
	}
}

// recordingPeers wraps the real peer manager and notes which signal kinds
// reached it.
type recordingPeers struct {
	Peers
	mu    sync.Mutex
	kinds []protocol.SignalKind
}

func (p *recordingPeers) HandleSignal(from domain.UserID, payload protocol.SignalPayload) error {
	p.mu.Lock()
	p.kinds = append(p.kinds, payload.Kind)
	p.mu.Unlock()
	return p.Peers.HandleSignal(from, payload)
}

func (p *recordingPeers) saw(kind protocol.SignalKind) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, k := range p.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

func (s *liveServer) client(t *testing.T, userID domain.UserID) (*Orchestrator, *recordingPeers) {
	t.Helper()
	token, err := s.auth.GenerateToken(userID, string(userID))
	require.NoError(t, err)

	rec := &recordingPeers{}
	var once sync.Once
	factory := func(cfg PeerConfig) (Peers, error) {
		var err error
		once.Do(func() { rec.Peers, err = NewPeerManager(cfg) })
		return rec, err
	}

	cfg := DefaultConfig()
	cfg.JoinTimeout = 3 * time.Second
	o := NewOrchestrator(cfg, &SyntheticDevices{}, NewWSDialer(s.url, StaticToken(token)), logger.Nop(),
		WithPeerFactory(factory))
	t.Cleanup(func() { _ = o.Close() })
	return o, rec
}

func TestEndToEnd_JoinNegotiateLeave(t *testing.T) {
	s := newLiveServer(t)
	alice, alicePeers := s.client(t, "alice")
	bob, bobPeers := s.client(t, "bob")

	require.NoError(t, alice.Join(context.Background(), "lobby"))
	require.NoError(t, bob.Join(context.Background(), "lobby"))

	assert.ElementsMatch(t, []domain.UserID{"alice"}, bob.Members())
	require.Eventually(t, func() bool { return len(alice.Members()) == 1 }, waitFor, 10*time.Millisecond)

	// Bob joined last, so Bob offers and Alice answers.
	require.Eventually(t, func() bool { return alicePeers.saw(protocol.SignalOffer) }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return bobPeers.saw(protocol.SignalAnswer) }, waitFor, 10*time.Millisecond)
	assert.True(t, alicePeers.Has("bob"))
	assert.True(t, bobPeers.Has("alice"))

	states, err := s.presence.GetChannelVoiceStates(context.Background(), "lobby")
	require.NoError(t, err)
	assert.Len(t, states, 2)

	require.NoError(t, bob.SetMuted(true))
	require.Eventually(t, func() bool {
		st, err := s.presence.GetUserVoiceState(context.Background(), "bob")
		return err == nil && st.IsMuted
	}, waitFor, 10*time.Millisecond)

	require.NoError(t, bob.Leave())
	require.Eventually(t, func() bool { return len(alice.Members()) == 0 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		states, err := s.presence.GetChannelVoiceStates(context.Background(), "lobby")
		return err == nil && len(states) == 1
	}, waitFor, 10*time.Millisecond)
	assert.False(t, alicePeers.Has("bob"), "session torn down when bob left")
}

func TestEndToEnd_SecondLoginReplacesFirst(t *testing.T) {
	s := newLiveServer(t)
	first, _ := s.client(t, "alice")
	second, _ := s.client(t, "alice")

	require.NoError(t, first.Join(context.Background(), "lobby"))
	require.NoError(t, second.Join(context.Background(), "lobby"))

	require.Eventually(t, func() bool {
		state, _ := first.State()
		return state == StateIdle
	}, waitFor, 10*time.Millisecond)
	_, err := first.State()
	assert.ErrorIs(t, err, domain.ErrConnectionLost)

	state, _ := second.State()
	assert.Equal(t, StateJoined, state)
	require.Eventually(t, func() bool {
		st, err := s.presence.GetUserVoiceState(context.Background(), "alice")
		return err == nil && st.ChannelID == "lobby"
	}, waitFor, 10*time.Millisecond)
}

func TestEndToEnd_RejectedTokenFailsJoin(t *testing.T) {
	s := newLiveServer(t)
	o := NewOrchestrator(DefaultConfig(), &SyntheticDevices{}, NewWSDialer(s.url, StaticToken("not-a-jwt")), nil)
	t.Cleanup(func() { _ = o.Close() })

	err := o.Join(context.Background(), "lobby")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConnectionLost)
	state, _ := o.State()
	assert.Equal(t, StateIdle, state)
}
