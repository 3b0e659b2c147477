package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/middleware"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/logger"
)

type mockPresence struct {
	mock.Mock
}

func (m *mockPresence) UpdateVoiceState(ctx context.Context, state *domain.VoiceState) error {
	return m.Called(ctx, state).Error(0)
}

func (m *mockPresence) RemoveVoiceState(ctx context.Context, userID domain.UserID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresence) GetChannelVoiceStates(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceState, error) {
	args := m.Called(ctx, channelID)
	states, _ := args.Get(0).([]*domain.VoiceState)
	return states, args.Error(1)
}

func (m *mockPresence) GetUserVoiceState(ctx context.Context, userID domain.UserID) (*domain.VoiceState, error) {
	args := m.Called(ctx, userID)
	state, _ := args.Get(0).(*domain.VoiceState)
	return state, args.Error(1)
}

func (m *mockPresence) AddVoiceConnection(ctx context.Context, conn *domain.VoiceConnection) error {
	return m.Called(ctx, conn).Error(0)
}

func (m *mockPresence) RemoveVoiceConnection(ctx context.Context, userID domain.UserID) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPresence) UpdateConnectionQuality(ctx context.Context, userID domain.UserID, quality domain.ConnectionQuality, connType domain.ConnectionType) error {
	return m.Called(ctx, userID, quality, connType).Error(0)
}

func (m *mockPresence) SetConnectionType(ctx context.Context, userID domain.UserID, connType domain.ConnectionType) error {
	return m.Called(ctx, userID, connType).Error(0)
}

func (m *mockPresence) GetChannelConnections(ctx context.Context, channelID domain.ChannelID) ([]*domain.VoiceConnection, error) {
	args := m.Called(ctx, channelID)
	conns, _ := args.Get(0).([]*domain.VoiceConnection)
	return conns, args.Error(1)
}

type handlerFixture struct {
	router   *gin.Engine
	presence *mockPresence
	token    string
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	auth := services.NewAuthService("secret", time.Minute)
	token, err := auth.GenerateToken("42", "alice")
	require.NoError(t, err)

	presence := &mockPresence{}
	router := gin.New()
	router.Use(middleware.RecoveryMiddleware(logger.Nop()), middleware.ErrorHandlerMiddleware(logger.Nop()))
	NewPresenceHandler(presence).SetupRoutes(router, middleware.AuthMiddleware(auth))

	t.Cleanup(func() { presence.AssertExpectations(t) })
	return &handlerFixture{router: router, presence: presence, token: token}
}

func (f *handlerFixture) get(path string, authenticated bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if authenticated {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestPresenceHandler_RequiresAuth(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.get("/api/v1/channels/5/voice-states", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPresenceHandler_ChannelVoiceStates(t *testing.T) {
	f := newHandlerFixture(t)
	states := []*domain.VoiceState{
		{UserID: "42", ChannelID: "5", IsMuted: true},
		{UserID: "7", ChannelID: "5"},
	}
	f.presence.On("GetChannelVoiceStates", mock.Anything, domain.ChannelID("5")).Return(states, nil)

	w := f.get("/api/v1/channels/5/voice-states", true)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		ChannelID   string              `json:"channelId"`
		VoiceStates []domain.VoiceState `json:"voiceStates"`
		Count       int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "5", body.ChannelID)
	assert.Equal(t, 2, body.Count)
	assert.True(t, body.VoiceStates[0].IsMuted)
}

func TestPresenceHandler_InvalidChannelID(t *testing.T) {
	f := newHandlerFixture(t)
	w := f.get("/api/v1/channels/bad%20id/voice-states", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "INVALID_INPUT")
}

func TestPresenceHandler_StoreUnavailable(t *testing.T) {
	f := newHandlerFixture(t)
	f.presence.On("GetChannelVoiceStates", mock.Anything, domain.ChannelID("5")).
		Return(nil, apperrors.StoreUnavailable("query channel", errors.New("database is locked")))

	w := f.get("/api/v1/channels/5/voice-states", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "STORE_UNAVAILABLE")
	assert.NotContains(t, w.Body.String(), "database is locked")
}

func TestPresenceHandler_ConnectionsHideRelayCredentials(t *testing.T) {
	f := newHandlerFixture(t)
	conns := []*domain.VoiceConnection{{
		PeerID:     "p1",
		UserID:     "42",
		ChannelID:  "5",
		ICEServers: []domain.ICEServer{{URLs: []string{"turn:relay.example.org"}, Username: "u", Credential: "secret"}},
	}}
	f.presence.On("GetChannelConnections", mock.Anything, domain.ChannelID("5")).Return(conns, nil)

	w := f.get("/api/v1/channels/5/connections", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"peerId":"p1"`)
	assert.NotContains(t, w.Body.String(), "secret")
	// The service's copy is untouched.
	assert.Len(t, conns[0].ICEServers, 1)
}

func TestPresenceHandler_MyVoiceState(t *testing.T) {
	f := newHandlerFixture(t)
	f.presence.On("GetUserVoiceState", mock.Anything, domain.UserID("42")).
		Return(&domain.VoiceState{UserID: "42", ChannelID: "5"}, nil).Once()

	w := f.get("/api/v1/users/me/voice-state", true)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"channelId":"5"`)

	f.presence.On("GetUserVoiceState", mock.Anything, domain.UserID("42")).
		Return(nil, apperrors.WrapError(domain.ErrVoiceStateNotFound, apperrors.ErrCodeNotFound, "voice state not found", http.StatusNotFound)).Once()

	w = f.get("/api/v1/users/me/voice-state", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
