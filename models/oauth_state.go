package models

import (
	"context"
	"time"
)

// OAuthState correlates an authorization redirect with its callback.
type OAuthState struct {
	State        string         `json:"-"`
	UserID       string         `json:"user_id"`
	Provider     string         `json:"provider"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	CodeVerifier string         `json:"code_verifier,omitempty"`
	ExpiresAt    time.Time      `json:"-"`
}

// Expired reports whether the state can no longer be consumed at now.
func (s *OAuthState) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// OAuthStateRepository stores pending authorization states.
type OAuthStateRepository interface {
	Create(ctx context.Context, state *OAuthState) error
	// Consume reads and deletes the state in one step. A second call for the
	// same state returns ErrNotFound.
	Consume(ctx context.Context, state string) (*OAuthState, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
