package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"slices"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/integrations"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/web/auth"
)

// Error codes carried to the frontend after a failed OAuth callback.
const (
	CodeInvalidState          = "invalid_state"
	CodeOAuthFailed           = "oauth_failed"
	CodeProviderNotConfigured = "provider_not_configured"
	CodeAccessDenied          = "access_denied"
)

const (
	maxConnectBody = 64 << 10
	maxWebhookBody = 5 << 20
)

// callback query parameters that are never kept as integration metadata:
// the OAuth protocol fields and the request signing fields providers add
var droppedCallbackParams = []string{
	"code", "state", "error", "error_description", "error_uri",
	"hmac", "signature", "timestamp", "host",
}

type IntegrationHandler struct {
	svc         IntegrationService
	frontendURL string
	log         *zap.Logger
}

func NewIntegrationHandler(deps Dependencies) *IntegrationHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &IntegrationHandler{
		svc:         deps.Integrations,
		frontendURL: deps.FrontendURL,
		log:         logger,
	}
}

type syncAccepted struct {
	Status        string `json:"status"`
	Provider      string `json:"provider"`
	IntegrationID string `json:"integrationId"`
}

// Connect starts the OAuth flow. The optional JSON body is connect metadata,
// for example {"shopDomain": "acme.myshopify.com"}.
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	var metadata map[string]any

	err = json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConnectBody)).Decode(&metadata)
	if err != nil && !errors.Is(err, io.EOF) {
		renderError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req, err := h.svc.InitiateOAuth(r.Context(), provider, userID, metadata)
	if err != nil {
		var cfgErr *connector.ConfigError

		switch {
		case errors.Is(err, connector.ErrMissingMetadata):
			renderError(w, http.StatusBadRequest, err.Error())
		case errors.As(err, &cfgErr):
			h.log.Error("provider is not configured", zap.String("provider", provider), zap.Error(err))
			renderError(w, http.StatusServiceUnavailable, CodeProviderNotConfigured)
		default:
			h.log.Error("failed to initiate oauth", zap.String("provider", provider), zap.Error(err))
			renderError(w, http.StatusInternalServerError, "Failed to start authorization")
		}

		return
	}

	renderJSON(w, http.StatusOK, req)
}

// Callback is hit by the provider's redirect. It always answers with a
// redirect to the frontend, carrying either the new integration or an
// opaque error code.
func (h *IntegrationHandler) Callback(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	q := r.URL.Query()

	logger := h.log.With(zap.String("provider", provider))

	if !h.svc.Supports(provider) {
		h.redirectError(w, r, CodeOAuthFailed)
		return
	}

	if q.Get("error") != "" {
		logger.Info("authorization declined", zap.String("error", q.Get("error")))
		h.redirectError(w, r, CodeAccessDenied)

		return
	}

	code := q.Get("code")
	if code == "" {
		h.redirectError(w, r, CodeOAuthFailed)
		return
	}

	metadata := make(map[string]any)

	for k, v := range q {
		if len(v) == 0 || slices.Contains(droppedCallbackParams, k) {
			continue
		}

		metadata[k] = v[0]
	}

	integration, err := h.svc.HandleOAuthCallback(r.Context(), provider, code, q.Get("state"), metadata)
	if err != nil {
		var cfgErr *connector.ConfigError

		switch {
		case errors.Is(err, connector.ErrOAuthStateInvalid):
			logger.Info("oauth callback with invalid state", zap.Error(err))
			h.redirectError(w, r, CodeInvalidState)
		case errors.As(err, &cfgErr):
			logger.Error("oauth callback hit a connector configuration error", zap.Error(err))
			h.redirectError(w, r, CodeProviderNotConfigured)
		default:
			logger.Warn("oauth callback failed", zap.Error(err))
			h.redirectError(w, r, CodeOAuthFailed)
		}

		return
	}

	h.redirect(w, r, url.Values{
		"connected":   {provider},
		"integration": {integration.ID},
	})
}

func (h *IntegrationHandler) Status(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	status, err := h.svc.ProviderStatus(r.Context(), userID, provider)
	if err != nil {
		h.log.Error("failed to load integration status", zap.String("provider", provider), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to load status")

		return
	}

	renderJSON(w, http.StatusOK, status)
}

// Sync acknowledges immediately; the sync itself runs in the background.
func (h *IntegrationHandler) Sync(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	integration, err := h.svc.TriggerSync(r.Context(), userID, provider)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			renderError(w, http.StatusNotFound, "Integration not found")
			return
		}

		h.log.Error("failed to trigger sync", zap.String("provider", provider), zap.Error(err))
		renderError(w, http.StatusServiceUnavailable, "Failed to schedule sync")

		return
	}

	renderJSON(w, http.StatusAccepted, syncAccepted{
		Status:        "accepted",
		Provider:      provider,
		IntegrationID: integration.ID,
	})
}

// SyncAll queues a sync of every connected integration of the user.
func (h *IntegrationHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	n, err := h.svc.TriggerUserSync(r.Context(), userID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			renderError(w, http.StatusNotFound, "No connected integrations")
			return
		}

		h.log.Error("failed to trigger user sync", zap.Error(err))
		renderError(w, http.StatusServiceUnavailable, "Failed to schedule sync")

		return
	}

	renderJSON(w, http.StatusAccepted, map[string]any{"status": "accepted", "integrations": n})
}

// IntegrationStatus returns one integration of the user with its recent
// sync logs.
func (h *IntegrationHandler) IntegrationStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}

	renderJSON(w, http.StatusOK, status)
}

func (h *IntegrationHandler) DisconnectByID(w http.ResponseWriter, r *http.Request) {
	status, ok := h.ownedIntegration(w, r)
	if !ok {
		return
	}

	integration := status.Integration
	if integration.DeletedAt != nil {
		renderError(w, http.StatusNotFound, "Integration not found")
		return
	}

	if err := h.svc.DisconnectIntegration(r.Context(), integration.ID); err != nil {
		h.log.Error("failed to disconnect", zap.String("integration_id", integration.ID), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to disconnect")

		return
	}

	renderJSON(w, http.StatusOK, map[string]any{"disconnected": true, "provider": integration.Provider, "integrationId": integration.ID})
}

// ownedIntegration loads {integrationId} and answers 404 when it belongs
// to another user.
func (h *IntegrationHandler) ownedIntegration(w http.ResponseWriter, r *http.Request) (*integrations.IntegrationStatus, bool) {
	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return nil, false
	}

	id := mux.Vars(r)["integrationId"]

	status, err := h.svc.GetIntegrationStatus(r.Context(), id)

	switch {
	case errors.Is(err, models.ErrNotFound):
		renderError(w, http.StatusNotFound, "Integration not found")
		return nil, false
	case err != nil:
		h.log.Error("failed to load integration", zap.String("integration_id", id), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to load integration")

		return nil, false
	case status.Integration == nil || status.Integration.UserID != userID:
		renderError(w, http.StatusNotFound, "Integration not found")
		return nil, false
	}

	return status, true
}

func (h *IntegrationHandler) Disconnect(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	userID, err := auth.GetUserID(r.Context())
	if err != nil {
		renderError(w, http.StatusUnauthorized, "User not authenticated")
		return
	}

	if err := h.svc.DisconnectProvider(r.Context(), userID, provider); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			renderError(w, http.StatusNotFound, "Integration not found")
			return
		}

		h.log.Error("failed to disconnect", zap.String("provider", provider), zap.Error(err))
		renderError(w, http.StatusInternalServerError, "Failed to disconnect")

		return
	}

	renderJSON(w, http.StatusOK, map[string]any{"disconnected": true, "provider": provider})
}

// Webhook forwards the raw payload to the connector of ?integrationId.
func (h *IntegrationHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.provider(w, r)
	if !ok {
		return
	}

	integrationID := r.URL.Query().Get("integrationId")
	if integrationID == "" {
		renderError(w, http.StatusBadRequest, "integrationId is required")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		renderError(w, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	err = h.svc.HandleWebhook(r.Context(), provider, integrationID, payload, r.Header)

	switch {
	case err == nil:
		renderJSON(w, http.StatusOK, map[string]bool{"received": true})
	case errors.Is(err, connector.ErrInvalidSignature):
		h.log.Warn("webhook signature rejected",
			zap.String("provider", provider),
			zap.String("integration_id", integrationID),
		)
		renderError(w, http.StatusUnauthorized, "Invalid signature")
	case errors.Is(err, models.ErrNotFound), errors.Is(err, connector.ErrUnknownProvider):
		renderError(w, http.StatusNotFound, "Integration not found")
	default:
		h.log.Error("webhook handling failed",
			zap.String("provider", provider),
			zap.String("integration_id", integrationID),
			zap.Error(err),
		)
		renderError(w, http.StatusInternalServerError, "Webhook handling failed")
	}
}

func (h *IntegrationHandler) provider(w http.ResponseWriter, r *http.Request) (string, bool) {
	provider := mux.Vars(r)["provider"]
	if !h.svc.Supports(provider) {
		renderError(w, http.StatusNotFound, "Unknown provider")
		return "", false
	}

	return provider, true
}

func (h *IntegrationHandler) redirectError(w http.ResponseWriter, r *http.Request, code string) {
	h.redirect(w, r, url.Values{"error": {code}})
}

func (h *IntegrationHandler) redirect(w http.ResponseWriter, r *http.Request, params url.Values) {
	target, err := url.Parse(h.frontendURL)
	if err != nil || h.frontendURL == "" {
		target = &url.URL{Path: "/"}
	}

	q := target.Query()
	for k, v := range params {
		q[k] = v
	}

	target.RawQuery = q.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// RegisterRoutes registers the integration routes. Callback and webhook are
// called by providers and go on public; the rest need an authenticated user.
func (h *IntegrationHandler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/integrations/{provider}/callback", h.Callback).Methods(http.MethodGet)
	public.HandleFunc("/integrations/{provider}/webhook", h.Webhook).Methods(http.MethodPost)

	protected.HandleFunc("/integrations/{provider}/connect", h.Connect).Methods(http.MethodPost)
	protected.HandleFunc("/integrations/{provider}/status", h.Status).Methods(http.MethodGet)
	protected.HandleFunc("/integrations/{provider}/sync", h.Sync).Methods(http.MethodPost)
	protected.HandleFunc("/integrations/{provider}/disconnect", h.Disconnect).Methods(http.MethodDelete)

	protected.HandleFunc("/integrations/sync", h.SyncAll).Methods(http.MethodPost)
	protected.HandleFunc("/integrations/id/{integrationId}/status", h.IntegrationStatus).Methods(http.MethodGet)
	protected.HandleFunc("/integrations/id/{integrationId}/disconnect", h.DisconnectByID).Methods(http.MethodDelete)
}
