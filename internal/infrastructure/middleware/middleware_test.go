package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"voxrelay/internal/core/services"
	apperrors "voxrelay/pkg/errors"
	"voxrelay/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestBearerToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=from-query", nil)
	assert.Equal(t, "from-query", BearerToken(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", BearerToken(r))

	r.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, BearerToken(r))
}

func TestAuthMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	auth := services.NewAuthService("secret", time.Minute)

	router := gin.New()
	router.Use(AuthMiddleware(auth))
	router.GET("/me", func(c *gin.Context) {
		userID, ok := UserID(c)
		require.True(t, ok)
		fromCtx, err := auth.GetUserFromContext(c.Request.Context())
		require.NoError(t, err)
		assert.Equal(t, userID, fromCtx)
		c.String(http.StatusOK, string(userID))
	})

	missing := serve(router, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, missing.Code)
	assert.Contains(t, missing.Body.String(), "UNAUTHORIZED")

	bad := httptest.NewRequest(http.MethodGet, "/me", nil)
	bad.Header.Set("Authorization", "Bearer nope")
	assert.Equal(t, http.StatusUnauthorized, serve(router, bad).Code)

	token, err := auth.GenerateToken("42", "alice")
	require.NoError(t, err)
	ok := httptest.NewRequest(http.MethodGet, "/me", nil)
	ok.Header.Set("Authorization", "Bearer "+token)
	w := serve(router, ok)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "42", w.Body.String())
}

func TestErrorHandlerMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.Nop()), ErrorHandlerMiddleware(logger.Nop()))
	router.GET("/store", func(c *gin.Context) {
		_ = c.Error(apperrors.StoreUnavailable("query", errors.New("disk gone")))
	})
	router.GET("/plain", func(c *gin.Context) {
		_ = c.Error(errors.New("boom"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("kaboom")
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/store", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "STORE_UNAVAILABLE")
	assert.NotContains(t, w.Body.String(), "disk gone")

	w = serve(router, httptest.NewRequest(http.MethodGet, "/plain", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "boom")

	w = serve(router, httptest.NewRequest(http.MethodGet, "/panic", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type recordedRequest struct {
	method, route string
	status        int
}

type fakeRecorder struct {
	mu       sync.Mutex
	requests []recordedRequest
}

func (f *fakeRecorder) RecordHTTPRequest(method, route string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, recordedRequest{method, route, status})
}

func TestRequestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := &fakeRecorder{}

	router := gin.New()
	router.Use(TracingMiddleware(), RequestMiddleware(logger.NewContextLogger(zap.NewNop()), recorder))
	router.GET("/channels/:id", func(c *gin.Context) {
		assert.NotEmpty(t, logger.RequestID(c.Request.Context()))
		c.Set(claimsContextKey, &services.Claims{UserID: "42"})
		c.Status(http.StatusNoContent)
	})

	w := serve(router, httptest.NewRequest(http.MethodGet, "/channels/5", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/missing", nil)
	req.Header.Set(requestIDHeader, "req-fixed")
	w = serve(router, req)
	assert.Equal(t, "req-fixed", w.Header().Get(requestIDHeader))

	require.Len(t, recorder.requests, 2)
	assert.Equal(t, recordedRequest{"GET", "/channels/:id", http.StatusNoContent}, recorder.requests[0])
	assert.Equal(t, recordedRequest{"GET", "unmatched", http.StatusNotFound}, recorder.requests[1])
}
