package signal

import (
	"errors"
	"net/http"

	"voxrelay/internal/core/domain"
	"voxrelay/internal/core/services"
	"voxrelay/internal/infrastructure/middleware"
)

// Authenticator supplies the verified identity of a signaling client.
type Authenticator interface {
	// AuthenticateRequest runs before the upgrade; an error refuses it.
	AuthenticateRequest(r *http.Request) (domain.UserID, error)
	// VerifyToken checks a token sent later in an authenticate message.
	VerifyToken(token string) (domain.UserID, error)
}

// JWTAuthenticator accepts the bearer tokens AuthService validates.
type JWTAuthenticator struct {
	auth services.AuthService
}

func NewJWTAuthenticator(auth services.AuthService) *JWTAuthenticator {
	return &JWTAuthenticator{auth: auth}
}

func (a *JWTAuthenticator) AuthenticateRequest(r *http.Request) (domain.UserID, error) {
	token := middleware.BearerToken(r)
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return a.VerifyToken(token)
}

func (a *JWTAuthenticator) VerifyToken(token string) (domain.UserID, error) {
	claims, err := a.auth.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}
