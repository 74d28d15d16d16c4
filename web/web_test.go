package web_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/vector-commerce-sync/integrations"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/web"
	"github.com/Vector/vector-commerce-sync/web/auth"
)

type stubService struct{ userID string }

func (s *stubService) Supports(provider string) bool { return provider == "shopify" }

func (s *stubService) InitiateOAuth(context.Context, string, string, map[string]any) (*integrations.AuthorizationRequest, error) {
	return &integrations.AuthorizationRequest{}, nil
}

func (s *stubService) HandleOAuthCallback(context.Context, string, string, string, map[string]any) (*models.Integration, error) {
	return &models.Integration{ID: "int-1"}, nil
}

func (s *stubService) ProviderStatus(_ context.Context, userID, provider string) (*integrations.ProviderStatus, error) {
	s.userID = userID
	return &integrations.ProviderStatus{Provider: provider}, nil
}

func (s *stubService) TriggerSync(context.Context, string, string) (*models.Integration, error) {
	return nil, models.ErrNotFound
}

func (s *stubService) TriggerUserSync(context.Context, string) (int, error) { return 0, models.ErrNotFound }

func (s *stubService) GetIntegrationStatus(context.Context, string) (*integrations.IntegrationStatus, error) {
	return nil, models.ErrNotFound
}

func (s *stubService) DisconnectProvider(context.Context, string, string) error { return nil }

func (s *stubService) DisconnectIntegration(context.Context, string) error { return nil }

func (s *stubService) HandleWebhook(context.Context, string, string, []byte, http.Header) error {
	return nil
}

type pinger struct{ err error }

func (p pinger) PingContext(context.Context) error { return p.err }

func newServer(t *testing.T, svc *stubService, db pinger) (*web.Server, *auth.AuthMiddleware) {
	t.Helper()

	m, err := auth.NewAuthMiddleware("secret", nil)
	require.NoError(t, err)

	srv, err := web.New(web.Config{
		Addr:         "127.0.0.1:0",
		FrontendURL:  "https://app.example.com/integrations",
		Auth:         m,
		Integrations: svc,
		DB:           db,
	})
	require.NoError(t, err)

	return srv, m
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := web.New(web.Config{})
	assert.Error(t, err)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	svc := &stubService{}
	srv, m := newServer(t, svc, pinger{})

	req := httptest.NewRequest(http.MethodGet, "/integrations/shopify/status", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := m.Sign("user-42", time.Hour)
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/integrations/shopify/status", http.NoBody)
	req.Header.Set(auth.AuthHeaderName, "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"connected":false,"provider":"shopify"}`, rec.Body.String())
	assert.Equal(t, "user-42", svc.userID)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestPublicRoutesSkipAuth(t *testing.T) {
	srv, _ := newServer(t, &stubService{}, pinger{})

	req := httptest.NewRequest(http.MethodGet, "/integrations/shopify/callback?code=c&state=s", http.NoBody)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://app.example.com/integrations?connected=shopify&integration=int-1", rec.Header().Get("Location"))

	req = httptest.NewRequest(http.MethodPost, "/integrations/shopify/webhook?integrationId=int-1", http.NoBody)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newServer(t, &stubService{}, pinger{})

	req := httptest.NewRequest(http.MethodOptions, "/integrations/shopify/connect", http.NoBody)
	req.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/integrations/shopify/connect", http.NoBody)
	req.Header.Set("Origin", "https://evil.example.com")
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestHealthz(t *testing.T) {
	srv, _ := newServer(t, &stubService{}, pinger{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusOK, rec.Code)

	srv, _ = newServer(t, &stubService{}, pinger{err: errors.New("down")})

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestStartStopsOnCancel(t *testing.T) {
	srv, _ := newServer(t, &stubService{}, pinger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- srv.Start(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
