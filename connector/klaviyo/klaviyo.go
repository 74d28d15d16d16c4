// Package klaviyo connects Klaviyo accounts through OAuth with PKCE and
// syncs campaigns, flows, metrics and events from the JSON:API endpoints.
package klaviyo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Vector/vector-commerce-sync/connector"
)

const (
	Provider        = "klaviyo"
	DefaultRevision = "2024-10-15"

	// RateLimitDelay keeps one account at ten requests per second.
	RateLimitDelay = 100 * time.Millisecond

	defaultAuthorizeURL = "https://www.klaviyo.com/oauth/authorize"
	defaultTokenURL     = "https://a.klaviyo.com/oauth/token"
	defaultAPIBaseURL   = "https://a.klaviyo.com/api"

	jsonAPIMediaType = "application/vnd.api+json"
)

// DefaultScopes are requested on connect.
var DefaultScopes = []string{
	"accounts:read",
	"campaigns:read",
	"flows:read",
	"metrics:read",
	"events:read",
	"profiles:read",
}

type options struct {
	authorizeURL   string
	tokenURL       string
	apiBaseURL     string
	revision       string
	scopes         []string
	rateLimitDelay time.Duration
}

type Option func(*options)

// WithEndpoints points the connector at other OAuth and API hosts.
func WithEndpoints(authorizeURL, tokenURL, apiBaseURL string) Option {
	return func(o *options) {
		o.authorizeURL = authorizeURL
		o.tokenURL = tokenURL
		o.apiBaseURL = strings.TrimRight(apiBaseURL, "/")
	}
}

// WithRevision pins the API revision header.
func WithRevision(revision string) Option {
	return func(o *options) {
		o.revision = revision
	}
}

func WithScopes(scopes ...string) Option {
	return func(o *options) {
		o.scopes = scopes
	}
}

func WithRateLimitDelay(d time.Duration) Option {
	return func(o *options) {
		o.rateLimitDelay = d
	}
}

// NewFactory returns the registry factory for Klaviyo connectors.
func NewFactory(opts ...Option) connector.Factory {
	o := options{
		authorizeURL:   defaultAuthorizeURL,
		tokenURL:       defaultTokenURL,
		apiBaseURL:     defaultAPIBaseURL,
		revision:       DefaultRevision,
		scopes:         DefaultScopes,
		rateLimitDelay: RateLimitDelay,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return func(env connector.Env, b connector.Binding) (connector.Connector, error) {
		return New(env, b, o), nil
	}
}

// Connector is a Klaviyo account connection.
type Connector struct {
	env     connector.Env
	binding connector.Binding
	opts    options
	session *connector.Session
}

func New(env connector.Env, b connector.Binding, o options) *Connector {
	c := &Connector{
		env:     env,
		binding: b,
		opts:    o,
	}

	c.session = connector.NewSession(env, b, connector.SessionConfig{
		Provider:       Provider,
		RateLimitDelay: o.rateLimitDelay,
		Authorize:      c.authorize,
		Refresh:        c.RefreshAccessToken,
	})

	return c
}

func (c *Connector) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", jsonAPIMediaType)
	req.Header.Set("revision", c.opts.revision)
}

func (c *Connector) Provider() string {
	return Provider
}

func (c *Connector) OAuthConfig() connector.OAuthConfig {
	return connector.OAuthConfig{
		ClientID:     c.env.Credentials.ClientID,
		ClientSecret: c.env.Credentials.ClientSecret,
		AuthorizeURL: c.opts.authorizeURL,
		TokenURL:     c.opts.tokenURL,
		RedirectURI:  c.env.RedirectURI,
		Scopes:       c.opts.scopes,
		RequiresPKCE: true,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
}

func (c *Connector) AuthorizationURL(state, codeVerifier string) string {
	return c.OAuthConfig().AuthCodeURL(state, codeVerifier)
}

type account struct {
	ID         string `json:"id"`
	Attributes struct {
		ContactInformation struct {
			OrganizationName   string `json:"organization_name"`
			DefaultSenderEmail string `json:"default_sender_email"`
		} `json:"contact_information"`
		PreferredCurrency string `json:"preferred_currency"`
		Timezone          string `json:"timezone"`
		Industry          string `json:"industry"`
	} `json:"attributes"`
}

type accountsResponse struct {
	Data []account `json:"data"`
}

// ExchangeCode redeems the code with the PKCE verifier and resolves the
// account id from the accounts endpoint, since the token response carries
// none.
func (c *Connector) ExchangeCode(ctx context.Context, code, codeVerifier string) (*connector.TokenSet, error) {
	tok, err := connector.Exchange(ctx, c.session.HTTPClient(), Provider, c.OAuthConfig(), code, codeVerifier)
	if err != nil {
		return nil, err
	}

	acct, err := c.fetchAccount(ctx, tok.AccessToken)
	if err != nil {
		return nil, &connector.TokenExchangeError{Provider: Provider, Err: fmt.Errorf("failed to fetch account: %w", err)}
	}

	if acct.ID == "" {
		return nil, &connector.ConfigError{Provider: Provider, Reason: "account id missing from accounts response"}
	}

	return &connector.TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    connector.TokenExpiry(tok),
		Scopes:       connector.TokenScopes(tok, " "),
		AccountID:    acct.ID,
		Metadata: map[string]any{
			"organizationName": acct.Attributes.ContactInformation.OrganizationName,
			"currency":         acct.Attributes.PreferredCurrency,
			"timezone":         acct.Attributes.Timezone,
		},
	}, nil
}

func (c *Connector) fetchAccount(ctx context.Context, token string) (*account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.opts.apiBaseURL+"/accounts/", nil)
	if err != nil {
		return nil, err
	}

	c.authorize(req, token)

	resp, err := c.session.HTTPClient().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &connector.APIError{Provider: Provider, Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload accountsResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	if len(payload.Data) == 0 {
		return &account{}, nil
	}

	return &payload.Data[0], nil
}

// RefreshAccessToken redeems the stored refresh token and persists the new
// pair. Klaviyo rotates refresh tokens, so the returned one replaces it.
func (c *Connector) RefreshAccessToken(ctx context.Context) (string, error) {
	refreshToken, err := c.session.RefreshToken()
	if err != nil {
		return "", &connector.TokenRefreshError{Provider: Provider, Err: err}
	}

	tok, err := connector.Refresh(ctx, c.session.HTTPClient(), Provider, c.OAuthConfig(), refreshToken)
	if err != nil {
		return "", err
	}

	if err := c.session.StoreTokens(ctx, tok.AccessToken, tok.RefreshToken, connector.TokenExpiry(tok)); err != nil {
		return "", err
	}

	c.session.Logger().Info("access token refreshed")

	return tok.AccessToken, nil
}

func (c *Connector) ValidateConnection(ctx context.Context) bool {
	var payload accountsResponse

	if _, err := c.session.GetJSON(ctx, c.opts.apiBaseURL+"/accounts/", nil, &payload); err != nil {
		c.session.Logger().Warn("klaviyo connection check failed", zap.Error(err))
		return false
	}

	return len(payload.Data) > 0
}

// HandleWebhook only logs: Klaviyo data arrives through the scheduled sync.
func (c *Connector) HandleWebhook(_ context.Context, payload []byte, headers http.Header) error {
	c.session.Logger().Info("klaviyo webhook received",
		zap.Int("bytes", len(payload)),
		zap.String("topic", headers.Get("X-Klaviyo-Topic")),
	)

	return nil
}
