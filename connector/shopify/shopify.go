// Package shopify connects Shopify stores: OAuth app install, incremental
// order, product and customer syncs over the Admin REST API, and webhooks.
package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Vector/vector-commerce-sync/connector"
)

const (
	Provider          = "shopify"
	DefaultAPIVersion = "2024-01"

	accessTokenHeader = "X-Shopify-Access-Token"
)

// DefaultScopes are requested on install.
var DefaultScopes = []string{"read_orders", "read_products", "read_customers", "read_analytics"}

var shopDomainRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*\.myshopify\.com$`)

type options struct {
	apiVersion     string
	scopes         []string
	baseURL        func(shop string) string
	rateLimitDelay time.Duration
}

type Option func(*options)

// WithAPIVersion pins the Admin API version.
func WithAPIVersion(v string) Option {
	return func(o *options) {
		o.apiVersion = v
	}
}

func WithScopes(scopes ...string) Option {
	return func(o *options) {
		o.scopes = scopes
	}
}

// WithRateLimitDelay changes the pause between API requests of one store.
func WithRateLimitDelay(d time.Duration) Option {
	return func(o *options) {
		o.rateLimitDelay = d
	}
}

// WithBaseURL overrides how a shop domain maps to its base URL.
func WithBaseURL(fn func(shop string) string) Option {
	return func(o *options) {
		o.baseURL = fn
	}
}

// NewFactory returns the registry factory for Shopify connectors.
func NewFactory(opts ...Option) connector.Factory {
	o := options{
		apiVersion:     DefaultAPIVersion,
		scopes:         DefaultScopes,
		rateLimitDelay: RateLimitDelay,
		baseURL: func(shop string) string {
			return "https://" + shop
		},
	}

	for _, opt := range opts {
		opt(&o)
	}

	return func(env connector.Env, b connector.Binding) (connector.Connector, error) {
		return New(env, b, o)
	}
}

// Connector is a Shopify store connection.
type Connector struct {
	env     connector.Env
	binding connector.Binding
	opts    options
	shop    string
	session *connector.Session
}

func New(env connector.Env, b connector.Binding, o options) (*Connector, error) {
	raw := b.MetadataString("shopDomain")
	if raw == "" {
		raw = b.MetadataString("shop")
	}

	if b.Integration != nil && b.Integration.AccountID != "" {
		raw = b.Integration.AccountID
	}

	shop, err := NormalizeShopDomain(raw)
	if err != nil {
		return nil, err
	}

	c := &Connector{
		env:     env,
		binding: b,
		opts:    o,
		shop:    shop,
	}

	c.session = connector.NewSession(env, b, connector.SessionConfig{
		Provider:       Provider,
		RateLimitDelay: o.rateLimitDelay,
		Authorize: func(req *http.Request, token string) {
			req.Header.Set(accessTokenHeader, token)
			req.Header.Set("Accept", "application/json")
		},
		Refresh: c.RefreshAccessToken,
	})

	return c, nil
}

// NormalizeShopDomain accepts "store", "store.myshopify.com" or a store URL
// and returns the canonical myshopify.com domain.
func NormalizeShopDomain(raw string) (string, error) {
	shop := strings.ToLower(strings.TrimSpace(raw))
	shop = strings.TrimPrefix(shop, "https://")
	shop = strings.TrimPrefix(shop, "http://")

	if i := strings.IndexByte(shop, '/'); i >= 0 {
		shop = shop[:i]
	}

	if shop != "" && !strings.Contains(shop, ".") {
		shop += ".myshopify.com"
	}

	if !shopDomainRe.MatchString(shop) {
		return "", fmt.Errorf("%w: a valid myshopify.com shop domain is required", connector.ErrMissingMetadata)
	}

	return shop, nil
}

func (c *Connector) Provider() string {
	return Provider
}

func (c *Connector) Shop() string {
	return c.shop
}

func (c *Connector) baseURL() string {
	return strings.TrimRight(c.opts.baseURL(c.shop), "/")
}

func (c *Connector) apiURL(path string) string {
	return fmt.Sprintf("%s/admin/api/%s/%s", c.baseURL(), c.opts.apiVersion, path)
}

func (c *Connector) OAuthConfig() connector.OAuthConfig {
	return connector.OAuthConfig{
		ClientID:       c.env.Credentials.ClientID,
		ClientSecret:   c.env.Credentials.ClientSecret,
		AuthorizeURL:   c.baseURL() + "/admin/oauth/authorize",
		TokenURL:       c.baseURL() + "/admin/oauth/access_token",
		RedirectURI:    c.env.RedirectURI,
		Scopes:         c.opts.scopes,
		ScopeSeparator: ",",
		AuthStyle:      oauth2.AuthStyleInParams,
	}
}

func (c *Connector) AuthorizationURL(state, codeVerifier string) string {
	return c.OAuthConfig().AuthCodeURL(state, codeVerifier)
}

type shopInfo struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Email           string `json:"email"`
	Domain          string `json:"domain"`
	MyshopifyDomain string `json:"myshopify_domain"`
	Currency        string `json:"currency"`
	IANATimezone    string `json:"iana_timezone"`
	PlanName        string `json:"plan_name"`
}

// ExchangeCode installs the app. Shopify offline tokens never expire, so the
// token set has neither refresh token nor expiry. The account id is the shop
// domain.
func (c *Connector) ExchangeCode(ctx context.Context, code, codeVerifier string) (*connector.TokenSet, error) {
	tok, err := connector.Exchange(ctx, c.env.HTTPClient, Provider, c.OAuthConfig(), code, codeVerifier)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{"shopDomain": c.shop}

	info, err := c.fetchShop(ctx, tok.AccessToken)
	if err != nil {
		c.env.Logger.Warn("failed to fetch shop details after install", zap.String("shop", c.shop), zap.Error(err))
	} else {
		metadata["shopName"] = info.Name
		metadata["currency"] = info.Currency
		metadata["timezone"] = info.IANATimezone
		metadata["shopId"] = info.ID
		metadata["planName"] = info.PlanName
	}

	return &connector.TokenSet{
		AccessToken: tok.AccessToken,
		Scopes:      connector.TokenScopes(tok, ","),
		AccountID:   c.shop,
		Metadata:    metadata,
	}, nil
}

func (c *Connector) fetchShop(ctx context.Context, token string) (*shopInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL("shop.json"), nil)
	if err != nil {
		return nil, err
	}

	req.Header.Set(accessTokenHeader, token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.env.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &connector.APIError{Provider: Provider, Method: req.Method, URL: req.URL.Path, StatusCode: resp.StatusCode, Body: string(body)}
	}

	var payload struct {
		Shop shopInfo `json:"shop"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}

	return &payload.Shop, nil
}

// RefreshAccessToken returns the stored token: offline tokens are permanent.
func (c *Connector) RefreshAccessToken(_ context.Context) (string, error) {
	integration := c.binding.Integration
	if integration == nil {
		return "", connector.ErrNotConnected
	}

	return c.env.Vault.Decrypt(integration.AccessToken)
}

func (c *Connector) ValidateConnection(ctx context.Context) bool {
	var payload struct {
		Shop shopInfo `json:"shop"`
	}

	if _, err := c.session.GetJSON(ctx, c.apiURL("shop.json"), nil, &payload); err != nil {
		c.session.Logger().Warn("shopify connection check failed", zap.Error(err))
		return false
	}

	return true
}
