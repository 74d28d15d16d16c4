package klaviyo

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/memory"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
)

const (
	testClientID = "kl-client"
	testSecret   = "kl-secret"
	testVerifier = "dBjftJeZ4CVP-mJ92K9fG1kXyzNnz1p8SjlKtMAbQrM"
	testKey      = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"
)

type fakeKlaviyo struct {
	mu      sync.Mutex
	srv     *httptest.Server
	valid   map[string]bool
	spent   map[string]bool
	queries map[string][]url.Values
	// closed once the rotated access token is first used
	rotated     chan struct{}
	rotatedOnce sync.Once
}

func newFakeKlaviyo(t *testing.T) *fakeKlaviyo {
	t.Helper()

	f := &fakeKlaviyo{
		valid:   map[string]bool{"access-1": true},
		spent:   map[string]bool{},
		queries: map[string][]url.Values{},
		rotated: make(chan struct{}),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		id, secret, ok := r.BasicAuth()
		if !ok || id != testClientID || secret != testSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")

		switch r.PostForm.Get("grant_type") {
		case "authorization_code":
			if r.PostForm.Get("code") != "good-code" || r.PostForm.Get("code_verifier") != testVerifier {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

				return
			}

			_, _ = w.Write([]byte(`{"access_token":"access-1","refresh_token":"refresh-1","expires_in":3600,"token_type":"Bearer","scope":"accounts:read campaigns:read"}`))
		case "refresh_token":
			token := r.PostForm.Get("refresh_token")

			// refresh tokens are single use
			f.mu.Lock()
			replayed := f.spent[token]
			redeemed := token == "refresh-1" && !replayed
			if redeemed {
				f.spent[token] = true
				f.valid["access-2"] = true
			}
			f.mu.Unlock()

			if replayed {
				// answer a replay only after the winner stored and used its tokens
				select {
				case <-f.rotated:
				case <-time.After(5 * time.Second):
				}
			}

			if !redeemed {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))

				return
			}

			_, _ = w.Write([]byte(`{"access_token":"access-2","refresh_token":"refresh-2","expires_in":3600,"token_type":"Bearer"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get("Authorization")

			f.mu.Lock()
			ok := len(token) > 7 && f.valid[token[7:]]
			if ok {
				f.queries[r.URL.Path] = append(f.queries[r.URL.Path], r.URL.Query())
			}
			f.mu.Unlock()

			if ok && token == "Bearer access-2" {
				f.rotatedOnce.Do(func() { close(f.rotated) })
			}

			if !ok || r.Header.Get("revision") != DefaultRevision || r.Header.Get("Accept") != jsonAPIMediaType {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			w.Header().Set("Content-Type", jsonAPIMediaType)
			next(w, r)
		}
	}

	mux.HandleFunc("/api/accounts/", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"type":"account","id":"ACCT1","attributes":{"contact_information":{"organization_name":"Acme"},"preferred_currency":"USD","timezone":"America/New_York"}}]}`))
	}))

	mux.HandleFunc("/api/campaigns/", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page[cursor]") == "" {
			fmt.Fprintf(w, `{"data":[{"type":"campaign","id":"c1","attributes":{"updated_at":"2024-05-01T10:00:00+00:00"}}],"links":{"next":"%s/api/campaigns/?page%%5Bcursor%%5D=n2"}}`, f.srv.URL)
			return
		}

		_, _ = w.Write([]byte(`{"data":[{"type":"campaign","id":"c2","attributes":{}}],"links":{"next":null}}`))
	}))

	mux.HandleFunc("/api/flows/", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"type":"flow","id":"f1","attributes":{"updated":"2024-05-02T00:00:00Z"}}],"links":{}}`))
	}))

	mux.HandleFunc("/api/metrics/", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"type":"metric","id":"m1"},{"type":"metric","id":"m2"}],"links":{"next":null}}`))
	}))

	mux.HandleFunc("/api/events/", auth(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[],"links":{"next":null}}`))
	}))

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	return f
}

func (f *fakeKlaviyo) query(path string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]url.Values(nil), f.queries[path]...)
}

type env struct {
	env          connector.Env
	integrations models.IntegrationRepository
	records      *memory.RecordRepository
}

func newEnv(t *testing.T) *env {
	t.Helper()

	vault, err := encryption.New(testKey, nil)
	require.NoError(t, err)

	e := &env{
		integrations: memory.NewIntegrationRepository(),
		records:      memory.NewRecordRepository(),
	}

	e.env = connector.Env{
		Credentials:  connector.Credentials{ClientID: testClientID, ClientSecret: testSecret},
		RedirectURI:  "https://api.example.com/integrations/klaviyo/callback",
		Vault:        vault,
		Integrations: e.integrations,
		SyncLogs:     memory.NewSyncLogRepository(),
		Records:      e.records,
		HTTPClient:   &http.Client{Timeout: 5 * time.Second},
	}

	return e
}

func (e *env) connected(t *testing.T, access, refresh string, expiresAt *time.Time) *models.Integration {
	t.Helper()

	encAccess, err := e.env.Vault.Encrypt(access)
	require.NoError(t, err)

	encRefresh, err := e.env.Vault.Encrypt(refresh)
	require.NoError(t, err)

	integration := &models.Integration{
		UserID:       "user-1",
		Provider:     Provider,
		AccountID:    "ACCT1",
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    expiresAt,
	}
	require.NoError(t, e.integrations.Upsert(context.Background(), integration))

	return integration
}

func factoryFor(f *fakeKlaviyo) connector.Factory {
	return NewFactory(
		WithEndpoints(f.srv.URL+"/oauth/authorize", f.srv.URL+"/oauth/token", f.srv.URL+"/api"),
		WithRateLimitDelay(time.Millisecond),
	)
}

func TestAuthorizationURL(t *testing.T) {
	e := newEnv(t)

	c, err := NewFactory()(e.env, connector.Binding{})
	require.NoError(t, err)

	assert.True(t, c.OAuthConfig().RequiresPKCE)

	u, err := url.Parse(c.AuthorizationURL("state-1", testVerifier))
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "www.klaviyo.com", u.Host)
	assert.Equal(t, "/oauth/authorize", u.Path)
	assert.Equal(t, "state-1", q.Get("state"))
	assert.Equal(t, testClientID, q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "https://api.example.com/integrations/klaviyo/callback", q.Get("redirect_uri"))
	assert.Equal(t, "accounts:read campaigns:read flows:read metrics:read events:read profiles:read", q.Get("scope"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, oauth2.S256ChallengeFromVerifier(testVerifier), q.Get("code_challenge"))
}

func TestExchangeCode(t *testing.T) {
	f := newFakeKlaviyo(t)
	e := newEnv(t)

	c, err := factoryFor(f)(e.env, connector.Binding{})
	require.NoError(t, err)

	tokens, err := c.ExchangeCode(context.Background(), "good-code", testVerifier)
	require.NoError(t, err)

	assert.Equal(t, "access-1", tokens.AccessToken)
	assert.Equal(t, "refresh-1", tokens.RefreshToken)
	require.NotNil(t, tokens.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(time.Hour), *tokens.ExpiresAt, time.Minute)
	assert.Equal(t, []string{"accounts:read", "campaigns:read"}, tokens.Scopes)
	assert.Equal(t, "ACCT1", tokens.AccountID)
	assert.Equal(t, "Acme", tokens.Metadata["organizationName"])
	assert.Equal(t, "USD", tokens.Metadata["currency"])
	assert.Equal(t, "America/New_York", tokens.Metadata["timezone"])

	_, err = c.ExchangeCode(context.Background(), "good-code", "wrong-verifier")

	var exchangeErr *connector.TokenExchangeError
	require.ErrorAs(t, err, &exchangeErr)
	assert.Equal(t, http.StatusBadRequest, exchangeErr.StatusCode)
	assert.Contains(t, exchangeErr.Body, "invalid_grant")
}

func TestSync(t *testing.T) {
	f := newFakeKlaviyo(t)
	e := newEnv(t)
	integration := e.connected(t, "access-1", "refresh-1", nil)

	c, err := factoryFor(f)(e.env, connector.Binding{Integration: integration})
	require.NoError(t, err)

	assert.True(t, c.ValidateConnection(context.Background()))

	results := c.Sync(context.Background())
	require.Len(t, results, 4)

	assert.Equal(t, connector.SyncResult{DataType: DataTypeCampaigns, Status: models.SyncSuccess, RecordCount: 2}, results[0])
	assert.Equal(t, connector.SyncResult{DataType: DataTypeFlows, Status: models.SyncSuccess, RecordCount: 1}, results[1])
	assert.Equal(t, connector.SyncResult{DataType: DataTypeMetrics, Status: models.SyncSuccess, RecordCount: 2}, results[2])
	assert.Equal(t, connector.SyncResult{DataType: DataTypeEvents, Status: models.SyncSuccess, RecordCount: 0}, results[3])

	assert.Equal(t, 2, e.records.Count(integration.ID, DataTypeCampaigns))

	campaigns := f.query("/api/campaigns/")
	require.Len(t, campaigns, 2)
	assert.Equal(t, "equals(messages.channel,'email')", campaigns[0].Get("filter"))
	assert.Equal(t, "n2", campaigns[1].Get("page[cursor]"))

	assert.Equal(t, "50", f.query("/api/flows/")[0].Get("page[size]"))
	assert.Empty(t, f.query("/api/flows/")[0].Get("filter"))

	c.Sync(context.Background())

	campaigns = f.query("/api/campaigns/")
	assert.Contains(t, campaigns[2].Get("filter"), "equals(messages.channel,'email'),greater-than(updated_at,")

	flows := f.query("/api/flows/")
	assert.Contains(t, flows[1].Get("filter"), "greater-than(updated,")

	metrics := f.query("/api/metrics/")
	assert.Empty(t, metrics[1].Get("filter"))
}

func TestRefreshOnUnauthorized(t *testing.T) {
	f := newFakeKlaviyo(t)
	e := newEnv(t)
	integration := e.connected(t, "stale-token", "refresh-1", nil)

	c, err := factoryFor(f)(e.env, connector.Binding{Integration: integration})
	require.NoError(t, err)

	assert.True(t, c.ValidateConnection(context.Background()))

	stored, err := e.integrations.Get(context.Background(), integration.ID)
	require.NoError(t, err)

	access, err := e.env.Vault.Decrypt(stored.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "access-2", access)

	refresh, err := e.env.Vault.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refresh)

	require.NotNil(t, stored.ExpiresAt)
	assert.Equal(t, models.StatusConnected, stored.Status)
}

func TestRefreshFailureExpiresIntegration(t *testing.T) {
	f := newFakeKlaviyo(t)
	e := newEnv(t)

	past := time.Now().Add(-time.Hour)
	integration := e.connected(t, "access-1", "revoked-refresh", &past)

	c, err := factoryFor(f)(e.env, connector.Binding{Integration: integration})
	require.NoError(t, err)

	results := c.Sync(context.Background())
	require.Len(t, results, 1)
	assert.Equal(t, connector.SyncErrorDataType, results[0].DataType)
	assert.Equal(t, models.SyncError, results[0].Status)

	stored, err := e.integrations.Get(context.Background(), integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, stored.Status)

	_, err = c.RefreshAccessToken(context.Background())

	var refreshErr *connector.TokenRefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.Equal(t, http.StatusBadRequest, refreshErr.StatusCode)
}

func TestConcurrentSyncsShareRotatedRefreshToken(t *testing.T) {
	f := newFakeKlaviyo(t)
	e := newEnv(t)
	ctx := context.Background()

	soon := time.Now().Add(time.Minute)
	integration := e.connected(t, "access-1", "refresh-1", &soon)

	var (
		wg      sync.WaitGroup
		results [2][]connector.SyncResult
	)

	for i := range results {
		// each sync loads its own copy of the row, like two workers would
		loaded, err := e.integrations.Get(ctx, integration.ID)
		require.NoError(t, err)

		c, err := factoryFor(f)(e.env, connector.Binding{Integration: loaded})
		require.NoError(t, err)

		wg.Add(1)

		go func() {
			defer wg.Done()
			results[i] = c.Sync(ctx)
		}()
	}

	wg.Wait()

	for _, res := range results {
		require.Len(t, res, 4)

		for _, r := range res {
			assert.Equal(t, models.SyncSuccess, r.Status, r.Error)
		}
	}

	stored, err := e.integrations.Get(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusConnected, stored.Status)

	refresh, err := e.env.Vault.Decrypt(stored.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "refresh-2", refresh)
}

func TestFilterFor(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 30, 0, 0, time.FixedZone("x", 2*3600))

	assert.Equal(t, "", filterFor(resources[2], &since))
	assert.Equal(t, "greater-than(datetime,2024-05-01T10:30:00Z)", filterFor(resources[3], &since))
	assert.Equal(t, "equals(messages.channel,'email')", filterFor(resources[0], nil))
	assert.Equal(t, "equals(messages.channel,'email'),greater-than(updated_at,2024-05-01T10:30:00Z)", filterFor(resources[0], &since))
}

func TestHandleWebhookIsAccepted(t *testing.T) {
	e := newEnv(t)

	c, err := NewFactory()(e.env, connector.Binding{})
	require.NoError(t, err)

	assert.NoError(t, c.HandleWebhook(context.Background(), []byte(`{}`), http.Header{}))
}
