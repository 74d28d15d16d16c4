package connector

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
)

// Credentials are the OAuth client credentials of one provider app.
type Credentials struct {
	ClientID     string
	ClientSecret string
}

func (c Credentials) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Env carries the collaborators a connector instance needs.
type Env struct {
	Credentials  Credentials
	RedirectURI  string
	Vault        *encryption.Vault
	Integrations models.IntegrationRepository
	SyncLogs     models.SyncLogRepository
	Records      models.RecordRepository
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Factory builds a connector bound to b.
type Factory func(env Env, b Binding) (Connector, error)

type RegistryConfig struct {
	// APIBaseURL is the public base URL of this service, used for redirect URIs.
	APIBaseURL   string
	Credentials  map[string]Credentials
	Vault        *encryption.Vault
	Integrations models.IntegrationRepository
	SyncLogs     models.SyncLogRepository
	Records      models.RecordRepository
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Registry maps provider identifiers to connector factories.
type Registry struct {
	cfg RegistryConfig

	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	if cfg.Credentials == nil {
		cfg.Credentials = map[string]Credentials{}
	}

	return &Registry{
		cfg:       cfg,
		factories: make(map[string]Factory),
	}
}

func (r *Registry) Register(provider string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.factories[provider] = f
}

func (r *Registry) Has(provider string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.factories[provider]

	return ok
}

// Providers returns the registered providers in alphabetical order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ans := make([]string, 0, len(r.factories))
	for p := range r.factories {
		ans = append(ans, p)
	}

	sort.Strings(ans)

	return ans
}

// Configured reports whether client credentials exist for provider.
func (r *Registry) Configured(provider string) bool {
	return r.cfg.Credentials[provider].Configured()
}

func (r *Registry) env(provider string) Env {
	return Env{
		Credentials:  r.cfg.Credentials[provider],
		RedirectURI:  RedirectURI(r.cfg.APIBaseURL, provider),
		Vault:        r.cfg.Vault,
		Integrations: r.cfg.Integrations,
		SyncLogs:     r.cfg.SyncLogs,
		Records:      r.cfg.Records,
		HTTPClient:   r.cfg.HTTPClient,
		Logger:       r.cfg.Logger.With(zap.String("provider", provider)),
	}
}

// Build creates a connector instance for provider bound to b.
func (r *Registry) Build(provider string, b Binding) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if b.Metadata == nil && b.Integration != nil {
		b.Metadata = b.Integration.Metadata
	}

	return f(r.env(provider), b)
}

// ForOAuth builds a connector for an authorization flow, before any
// integration exists. Missing client credentials are reported as *ConfigError.
func (r *Registry) ForOAuth(provider string, metadata map[string]any) (Connector, error) {
	if !r.Has(provider) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	if !r.Configured(provider) {
		return nil, &ConfigError{Provider: provider, Reason: "client credentials are not configured"}
	}

	return r.Build(provider, Binding{Metadata: metadata})
}

// OAuthConfig returns the OAuth parameters of provider for the given metadata.
func (r *Registry) OAuthConfig(provider string, metadata map[string]any) (OAuthConfig, error) {
	c, err := r.ForOAuth(provider, metadata)
	if err != nil {
		return OAuthConfig{}, err
	}

	return c.OAuthConfig(), nil
}
