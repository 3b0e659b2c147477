package middleware

import (
	"net/http"
	"strings"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/pkg/errors"

	"github.com/gin-gonic/gin"
)

const claimsContextKey = "voxrelay.claims"

// BearerToken extracts the access token of a presence or signaling request.
// Browsers cannot set headers on a WebSocket upgrade, so the token query
// parameter is accepted when no Authorization header is present. A header
// with any other scheme yields "".
func BearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return r.URL.Query().Get("token")
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// AuthMiddleware rejects requests without a valid access token and exposes
// the caller both on the gin context and on the request context.
func AuthMiddleware(authService services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			abortWithAppError(c, errors.NewUnauthorizedError("access token required"))
			return
		}
		claims, err := authService.ValidateToken(token)
		if err != nil {
			abortWithAppError(c, errors.WrapError(err, errors.ErrCodeUnauthorized, "invalid access token", http.StatusUnauthorized))
			return
		}

		c.Set(claimsContextKey, claims)
		c.Request = c.Request.WithContext(services.ContextWithUser(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// UserID returns the caller authenticated by AuthMiddleware.
func UserID(c *gin.Context) (domain.UserID, bool) {
	v, _ := c.Get(claimsContextKey)
	claims, ok := v.(*services.Claims)
	if !ok || claims.UserID == "" {
		return "", false
	}
	return claims.UserID, true
}
