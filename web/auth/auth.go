// Package auth resolves the calling user from a bearer JWT.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// ContextKey is used to store user information in the request context
type ContextKey string

const (
	// UserIDKey is the context key for storing the user ID
	UserIDKey ContextKey = "user_id"
	// AuthHeaderName is the name of the authentication header
	AuthHeaderName = "Authorization"
)

var ErrUnauthenticated = errors.New("user not authenticated")

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AuthMiddleware verifies HS256 tokens signed with a shared secret. The
// token subject is the user id.
type AuthMiddleware struct {
	secret []byte
	log    *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(secret string, logger *zap.Logger) (*AuthMiddleware, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return &AuthMiddleware{secret: []byte(secret), log: logger}, nil
}

// Authenticate is the middleware function for authentication
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get(AuthHeaderName)
		if authHeader == "" {
			SendUnauthorized(w, "Missing authentication token")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			SendUnauthorized(w, "Invalid authentication token format")
			return
		}

		userID, err := m.Verify(parts[1])
		if err != nil {
			m.log.Debug("token verification failed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			SendUnauthorized(w, "Invalid authentication token")

			return
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// Verify parses token and returns its subject.
func (m *AuthMiddleware) Verify(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}

	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return "", err
	}

	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}

	return claims.Subject, nil
}

// Sign issues a token for userID valid for ttl. Used by tooling and tests.
func (m *AuthMiddleware) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	return t.SignedString(m.secret)
}

const userSlotKey ContextKey = "user_slot"

// WithUserID stores userID in ctx and fills the slot installed by
// WithUserSlot, if any.
func WithUserID(ctx context.Context, userID string) context.Context {
	if slot, ok := ctx.Value(userSlotKey).(*string); ok {
		*slot = userID
	}

	return context.WithValue(ctx, UserIDKey, userID)
}

// WithUserSlot lets middleware running before authentication learn the
// resolved user id once the request has been served.
func WithUserSlot(ctx context.Context, slot *string) context.Context {
	return context.WithValue(ctx, userSlotKey, slot)
}

// GetUserID extracts the user ID from the request context
func GetUserID(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(UserIDKey).(string)
	if !ok || userID == "" {
		return "", ErrUnauthenticated
	}

	return userID, nil
}

// SendUnauthorized sends a 401 Unauthorized response with JSON error.
func SendUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Code:    http.StatusUnauthorized,
		Message: message,
	})
}
