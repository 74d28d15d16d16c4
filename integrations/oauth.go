package integrations

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
	"github.com/Vector/vector-commerce-sync/tlmt"
)

// AuthorizationRequest is returned when a connect flow starts.
type AuthorizationRequest struct {
	AuthURL  string `json:"authUrl"`
	State    string `json:"state"`
	Provider string `json:"provider"`
}

// InitiateOAuth records a pending authorization for userID and returns the
// provider URL the user must visit.
func (s *Service) InitiateOAuth(ctx context.Context, provider, userID string, metadata map[string]any) (*AuthorizationRequest, error) {
	c, err := s.registry.ForOAuth(provider, metadata)
	if err != nil {
		return nil, err
	}

	state, err := encryption.GenerateState()
	if err != nil {
		return nil, err
	}

	var verifier string

	if c.OAuthConfig().RequiresPKCE {
		verifier, err = encryption.GenerateCodeVerifier()
		if err != nil {
			return nil, err
		}
	}

	pending := &models.OAuthState{
		State:        state,
		UserID:       userID,
		Provider:     provider,
		Metadata:     metadata,
		CodeVerifier: verifier,
		ExpiresAt:    s.now().Add(s.stateTTL).UTC(),
	}

	if err := s.states.Create(ctx, pending); err != nil {
		return nil, fmt.Errorf("failed to store oauth state: %w", err)
	}

	s.logger.Info("oauth flow initiated", zap.String("provider", provider), zap.String("user_id", userID))

	return &AuthorizationRequest{
		AuthURL:  c.AuthorizationURL(state, verifier),
		State:    state,
		Provider: provider,
	}, nil
}

// HandleOAuthCallback consumes the pending state, exchanges the code and
// upserts the integration keyed by (user, provider, account).
func (s *Service) HandleOAuthCallback(ctx context.Context, provider, code, state string, callbackMetadata map[string]any) (*models.Integration, error) {
	if state == "" {
		return nil, connector.ErrOAuthStateInvalid
	}

	pending, err := s.states.Consume(ctx, state)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, connector.ErrOAuthStateInvalid
		}

		return nil, fmt.Errorf("failed to load oauth state: %w", err)
	}

	if pending.Expired(s.now()) {
		return nil, fmt.Errorf("%w: state expired", connector.ErrOAuthStateInvalid)
	}

	if pending.Provider != provider {
		return nil, fmt.Errorf("%w: state issued for %s", connector.ErrOAuthStateInvalid, pending.Provider)
	}

	logger := s.logger.With(zap.String("provider", provider), zap.String("user_id", pending.UserID))

	metadata := maps.Clone(pending.Metadata)
	if metadata == nil {
		metadata = make(map[string]any, len(callbackMetadata))
	}

	maps.Copy(metadata, callbackMetadata)

	c, err := s.registry.ForOAuth(provider, metadata)
	if err != nil {
		return nil, err
	}

	tokens, err := c.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		logger.Error("token exchange failed", zap.Error(err))
		return nil, err
	}

	if tokens.AccountID == "" {
		err := &connector.ConfigError{Provider: provider, Reason: "token exchange returned no account id"}
		logger.Error("connector returned no account id", zap.Error(err))

		return nil, err
	}

	encAccess, err := s.vault.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}

	var encRefresh string

	if tokens.RefreshToken != "" {
		encRefresh, err = s.vault.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, err
		}
	}

	maps.Copy(metadata, tokens.Metadata)

	integration := &models.Integration{
		UserID:       pending.UserID,
		Provider:     provider,
		AccountID:    tokens.AccountID,
		AccessToken:  encAccess,
		RefreshToken: encRefresh,
		ExpiresAt:    tokens.ExpiresAt,
		Scopes:       tokens.Scopes,
		Metadata:     metadata,
		Status:       models.StatusConnected,
	}

	if err := s.integrations.Upsert(ctx, integration); err != nil {
		return nil, fmt.Errorf("failed to store integration: %w", err)
	}

	logger.Info("integration connected", zap.String("integration_id", integration.ID), zap.String("account_id", integration.AccountID))

	s.track(ctx, pending.UserID, tlmt.EventIntegrationConnected, map[string]any{
		"provider":       provider,
		"integration_id": integration.ID,
	})

	return integration, nil
}

// PurgeExpiredStates deletes abandoned connect attempts.
func (s *Service) PurgeExpiredStates(ctx context.Context) (int64, error) {
	n, err := s.states.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Info("expired oauth states purged", zap.Int64("count", n))
	}

	return n, nil
}
