package services

import (
	"context"
	"errors"
	"time"

	"voxrelay/internal/core/domain"
	"voxrelay/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrUnauthorized = errors.New("unauthorized")
)

// AuthService verifies the bearer tokens issued by the account service.
// Generation exists for tools and tests; voxrelay never issues tokens to users.
type AuthService interface {
	GenerateToken(userID domain.UserID, username string) (string, error)
	ValidateToken(tokenString string) (*Claims, error)
	GetUserFromContext(ctx context.Context) (domain.UserID, error)
}

type Claims struct {
	UserID   domain.UserID `json:"userId"`
	Username string        `json:"username,omitempty"`
	jwt.RegisteredClaims
}

type userIDKey struct{}

// ContextWithUser stores an authenticated user ID on ctx.
func ContextWithUser(ctx context.Context, userID domain.UserID) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

// authService checks HS256 tokens against one shared secret. Tokens from the
// account service may carry only "sub"; userId is filled from it.
type authService struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthService(jwtSecret string, accessTokenTTL time.Duration) AuthService {
	return &authService{secret: []byte(jwtSecret), ttl: accessTokenTTL, now: time.Now}
}

func (s *authService) GenerateToken(userID domain.UserID, username string) (string, error) {
	if err := validation.ValidateUserID(string(userID)); err != nil {
		return "", err
	}
	issued := s.now()
	return jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			IssuedAt:  jwt.NewNumericDate(issued),
			NotBefore: jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(s.ttl)),
		},
	}).SignedString(s.secret)
}

func (s *authService) key(*jwt.Token) (interface{}, error) { return s.secret, nil }

func (s *authService) ValidateToken(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, s.key,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, ErrExpiredToken
	case err != nil:
		return nil, ErrInvalidToken
	}

	if claims.UserID == "" {
		claims.UserID = domain.UserID(claims.Subject)
	}
	if validation.ValidateUserID(string(claims.UserID)) != nil {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *authService) GetUserFromContext(ctx context.Context) (domain.UserID, error) {
	if userID, ok := ctx.Value(userIDKey{}).(domain.UserID); ok && userID != "" {
		return userID, nil
	}
	return "", ErrUnauthorized
}
