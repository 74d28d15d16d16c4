// Package connector defines the capability set every provider integration
// implements, and the shared runtime (token handling, request pacing,
// pagination and sync logging) the provider packages build on.
package connector

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/Vector/vector-commerce-sync/models"
)

// SyncErrorDataType labels the single result returned when a sync fails
// before or around its data type routines.
const SyncErrorDataType = "sync_error"

// OAuthConfig describes how a provider authorizes users.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	AuthorizeURL string
	TokenURL     string
	RedirectURI  string
	Scopes       []string
	RequiresPKCE bool
	AuthStyle    oauth2.AuthStyle
	// ScopeSeparator joins Scopes in the authorize URL. Defaults to a space.
	ScopeSeparator string
}

// OAuth2 converts the config for golang.org/x/oauth2.
func (c OAuthConfig) OAuth2() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		RedirectURL:  c.RedirectURI,
		Scopes:       c.Scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.AuthorizeURL,
			TokenURL:  c.TokenURL,
			AuthStyle: c.AuthStyle,
		},
	}
}

// AuthCodeURL builds the authorize URL. The PKCE challenge is only added when
// the provider requires PKCE and a verifier is given.
func (c OAuthConfig) AuthCodeURL(state, codeVerifier string) string {
	sep := c.ScopeSeparator
	if sep == "" {
		sep = " "
	}

	cfg := c.OAuth2()
	cfg.Scopes = nil

	opts := []oauth2.AuthCodeOption{}
	if len(c.Scopes) > 0 {
		opts = append(opts, oauth2.SetAuthURLParam("scope", strings.Join(c.Scopes, sep)))
	}

	if c.RequiresPKCE && codeVerifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(codeVerifier))
	}

	return cfg.AuthCodeURL(state, opts...)
}

// TokenSet is the result of an authorization code exchange.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	Scopes       []string
	AccountID    string
	Metadata     map[string]any
}

// SyncResult is the outcome of one data type sync.
type SyncResult struct {
	DataType    string            `json:"data_type"`
	Status      models.SyncStatus `json:"status"`
	RecordCount int               `json:"record_count"`
	Error       string            `json:"error,omitempty"`
}

// Connector is implemented once per provider.
type Connector interface {
	Provider() string
	OAuthConfig() OAuthConfig
	AuthorizationURL(state, codeVerifier string) string
	// ExchangeCode trades an authorization code for tokens and resolves the
	// provider account id. An empty account id is reported as *ConfigError.
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error)
	// RefreshAccessToken returns a live access token, persisting rotated
	// tokens. Providers with permanent tokens return the stored one.
	RefreshAccessToken(ctx context.Context) (string, error)
	ValidateConnection(ctx context.Context) bool
	// Sync runs every data type routine. It never returns an error: failures
	// are reported in the results.
	Sync(ctx context.Context) []SyncResult
	HandleWebhook(ctx context.Context, payload []byte, headers http.Header) error
}

// Binding is what a connector instance is bound to. Integration is nil while
// an OAuth flow is in progress.
type Binding struct {
	Integration *models.Integration
	Metadata    map[string]any
}

// MetadataString returns a string metadata value or "".
func (b Binding) MetadataString(key string) string {
	if b.Metadata == nil {
		return ""
	}

	switch v := b.Metadata[key].(type) {
	case string:
		return v
	case []string:
		if len(v) > 0 {
			return v[0]
		}
	}

	return ""
}

// RedirectURI is the callback URL registered with a provider.
func RedirectURI(apiBaseURL, provider string) string {
	u, err := url.JoinPath(apiBaseURL, "integrations", provider, "callback")
	if err != nil {
		return apiBaseURL + "/integrations/" + provider + "/callback"
	}

	return u
}
