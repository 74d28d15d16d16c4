package connector

import (
	"errors"
	"fmt"
)

var (
	ErrOAuthStateInvalid = errors.New("oauth state is missing, expired or already used")
	ErrUnknownProvider   = errors.New("unknown provider")
	ErrRateLimited       = errors.New("rate limited by provider")
	ErrUnauthorized      = errors.New("unauthorized by provider")
	ErrPaginationLimit   = errors.New("pagination limit reached")
	ErrNotConnected      = errors.New("integration is not connected")
	ErrValidationFailed  = errors.New("connection validation failed")
	ErrInvalidSignature  = errors.New("invalid webhook signature")
	ErrMissingMetadata   = errors.New("required connect metadata is missing or invalid")
	ErrSyncInProgress    = errors.New("integration is already syncing")
)

// ConfigError reports a connector that cannot run: missing credentials or a
// missing account identity after the token exchange. It points at a code or
// deployment defect, not at the user.
type ConfigError struct {
	Provider string
	Reason   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s connector misconfigured: %s", e.Provider, e.Reason)
}

// TokenExchangeError wraps a failed authorization code exchange. Body holds
// the provider response and must not leave the process.
type TokenExchangeError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s token exchange failed with status %d", e.Provider, e.StatusCode)
	}

	return fmt.Sprintf("%s token exchange failed: %v", e.Provider, e.Err)
}

func (e *TokenExchangeError) Unwrap() error {
	return e.Err
}

// TokenRefreshError wraps a failed refresh. The integration is marked
// expired when it is returned during a sync.
type TokenRefreshError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *TokenRefreshError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s token refresh failed with status %d", e.Provider, e.StatusCode)
	}

	return fmt.Sprintf("%s token refresh failed: %v", e.Provider, e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// APIError is a non successful provider API response.
type APIError struct {
	Provider   string
	Method     string
	URL        string
	StatusCode int
	Body       string
	Err        error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api %s %s returned %d", e.Provider, e.Method, e.URL, e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}
