package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/integrations"
	"github.com/Vector/vector-commerce-sync/models"
)

// Dependencies aggregates shared services used by handlers.
type Dependencies struct {
	Logger       *zap.Logger
	Integrations IntegrationService
	// FrontendURL receives the browser after an OAuth callback.
	FrontendURL string
	// DB is pinged by the health check when set.
	DB Pinger
}

// HandlerGroup groups all handler categories for routing setup.
type HandlerGroup struct {
	Integration *IntegrationHandler
	Health      *HealthHandler
}

// NewHandlerGroup constructs a HandlerGroup with initialized handlers.
func NewHandlerGroup(deps Dependencies) *HandlerGroup {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &HandlerGroup{
		Integration: NewIntegrationHandler(deps),
		Health:      &HealthHandler{db: deps.DB},
	}
}

// IntegrationService is the orchestrator surface the integration routes need.
type IntegrationService interface {
	Supports(provider string) bool
	InitiateOAuth(ctx context.Context, provider, userID string, metadata map[string]any) (*integrations.AuthorizationRequest, error)
	HandleOAuthCallback(ctx context.Context, provider, code, state string, callbackMetadata map[string]any) (*models.Integration, error)
	ProviderStatus(ctx context.Context, userID, provider string) (*integrations.ProviderStatus, error)
	TriggerSync(ctx context.Context, userID, provider string) (*models.Integration, error)
	TriggerUserSync(ctx context.Context, userID string) (int, error)
	GetIntegrationStatus(ctx context.Context, integrationID string) (*integrations.IntegrationStatus, error)
	DisconnectProvider(ctx context.Context, userID, provider string) error
	DisconnectIntegration(ctx context.Context, integrationID string) error
	HandleWebhook(ctx context.Context, provider, integrationID string, payload []byte, headers http.Header) error
}

type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthHandler answers liveness checks.
type HealthHandler struct {
	db Pinger
}

func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := h.db.PingContext(ctx); err != nil {
			renderJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}

	renderJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func renderJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(data)
}

func renderError(w http.ResponseWriter, code int, message string) {
	renderJSON(w, code, models.APIError{Code: code, Message: message})
}
