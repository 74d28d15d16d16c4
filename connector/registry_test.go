package connector

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type stubConnector struct {
	cfg OAuthConfig
	b   Binding
}

func (c *stubConnector) Provider() string          { return "stub" }
func (c *stubConnector) OAuthConfig() OAuthConfig { return c.cfg }
func (c *stubConnector) AuthorizationURL(state, verifier string) string {
	return c.cfg.AuthCodeURL(state, verifier)
}
func (c *stubConnector) ExchangeCode(context.Context, string, string) (*TokenSet, error) {
	return &TokenSet{}, nil
}
func (c *stubConnector) RefreshAccessToken(context.Context) (string, error) { return "", nil }
func (c *stubConnector) ValidateConnection(context.Context) bool            { return true }
func (c *stubConnector) Sync(context.Context) []SyncResult                  { return nil }
func (c *stubConnector) HandleWebhook(context.Context, []byte, http.Header) error {
	return nil
}

func stubFactory(env Env, b Binding) (Connector, error) {
	return &stubConnector{
		b: b,
		cfg: OAuthConfig{
			ClientID:     env.Credentials.ClientID,
			ClientSecret: env.Credentials.ClientSecret,
			AuthorizeURL: "https://provider.test/oauth/authorize",
			TokenURL:     "https://provider.test/oauth/token",
			RedirectURI:  env.RedirectURI,
			Scopes:       []string{"a:read", "b:read"},
			RequiresPKCE: true,
		},
	}, nil
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(RegistryConfig{
		APIBaseURL:  "https://api.example.com",
		Credentials: map[string]Credentials{"stub": {ClientID: "id", ClientSecret: "secret"}},
	})
	r.Register("stub", stubFactory)
	r.Register("unconfigured", stubFactory)

	assert.True(t, r.Has("stub"))
	assert.False(t, r.Has("nope"))
	assert.Equal(t, []string{"stub", "unconfigured"}, r.Providers())

	cfg, err := r.OAuthConfig("stub", map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, "id", cfg.ClientID)
	assert.Equal(t, "https://api.example.com/integrations/stub/callback", cfg.RedirectURI)

	_, err = r.OAuthConfig("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = r.OAuthConfig("unconfigured", nil)

	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "unconfigured", cfgErr.Provider)

	// building for sync does not require credentials
	_, err = r.Build("unconfigured", Binding{})
	assert.NoError(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	cfg := OAuthConfig{
		ClientID:     "id",
		AuthorizeURL: "https://provider.test/oauth/authorize",
		RedirectURI:  "https://api.example.com/integrations/stub/callback",
		Scopes:       []string{"read_orders", "read_products"},
		RequiresPKCE: true,
	}

	withPKCE, err := url.Parse(cfg.AuthCodeURL("st", "verifier-123"))
	require.NoError(t, err)

	q := withPKCE.Query()
	assert.Equal(t, "st", q.Get("state"))
	assert.Equal(t, "id", q.Get("client_id"))
	assert.Equal(t, "read_orders read_products", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier("verifier-123"), q.Get("code_challenge"))

	noVerifier, err := url.Parse(cfg.AuthCodeURL("st", ""))
	require.NoError(t, err)
	assert.Empty(t, noVerifier.Query().Get("code_challenge"))

	cfg.RequiresPKCE = false
	cfg.ScopeSeparator = ","

	noPKCE, err := url.Parse(cfg.AuthCodeURL("st", "verifier-123"))
	require.NoError(t, err)
	assert.Empty(t, noPKCE.Query().Get("code_challenge"))
	assert.Equal(t, "read_orders,read_products", noPKCE.Query().Get("scope"))
}

func TestBindingMetadataString(t *testing.T) {
	b := Binding{Metadata: map[string]any{"shop": "a.myshopify.com", "list": []string{"x"}, "n": 3}}

	assert.Equal(t, "a.myshopify.com", b.MetadataString("shop"))
	assert.Equal(t, "x", b.MetadataString("list"))
	assert.Empty(t, b.MetadataString("n"))
	assert.Empty(t, Binding{}.MetadataString("shop"))
}
