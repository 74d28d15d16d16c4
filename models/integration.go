package models

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// IntegrationStatus is the lifecycle state of a connected account.
type IntegrationStatus string

const (
	StatusConnected    IntegrationStatus = "connected"
	StatusError        IntegrationStatus = "error"
	StatusExpired      IntegrationStatus = "expired"
	StatusDisconnected IntegrationStatus = "disconnected"
)

// Integration represents one user's connected third-party account.
// (UserID, Provider, AccountID) identifies the row.
type Integration struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Provider     string            `json:"provider"`
	AccountID    string            `json:"account_id"`
	AccessToken  string            `json:"-"` // Stored encrypted
	RefreshToken string            `json:"-"` // Stored encrypted, empty when the provider issues none
	ExpiresAt    *time.Time        `json:"expires_at,omitempty"`
	Scopes       []string          `json:"scopes"`
	Metadata     map[string]any    `json:"metadata"`
	Status       IntegrationStatus `json:"status"`
	LastSyncAt   *time.Time        `json:"last_sync_at,omitempty"`
	DeletedAt    *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Active reports whether the integration can be synced.
func (i *Integration) Active() bool {
	return i.Status == StatusConnected && i.DeletedAt == nil
}

// IntegrationRepository manages integration rows.
type IntegrationRepository interface {
	Get(ctx context.Context, id string) (*Integration, error)
	// GetByProvider returns the most recently updated non-deleted integration of a user for a provider.
	GetByProvider(ctx context.Context, userID, provider string) (*Integration, error)
	// ListConnected returns the user's connected, non-deleted integrations.
	ListConnected(ctx context.Context, userID string) ([]Integration, error)
	// ListDue returns connected, non-deleted integrations never synced or last synced before cutoff.
	ListDue(ctx context.Context, cutoff time.Time) ([]Integration, error)
	// Upsert inserts or updates the row keyed by (UserID, Provider, AccountID). The update path clears
	// the soft delete and resets the status to connected. ID, CreatedAt and UpdatedAt are filled in.
	Upsert(ctx context.Context, integration *Integration) error
	UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error
	UpdateStatus(ctx context.Context, id string, status IntegrationStatus) error
	MarkSynced(ctx context.Context, id string, at time.Time) error
	// SoftDelete sets the status to disconnected and stamps deleted_at.
	SoftDelete(ctx context.Context, id string, at time.Time) error
}
