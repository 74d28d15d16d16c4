package integrations

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/tlmt"
)

// IntegrationStatus is an integration with its recent sync history.
type IntegrationStatus struct {
	Integration *models.Integration `json:"integration"`
	RecentLogs  []models.SyncLog    `json:"recentLogs"`
	LastError   string              `json:"lastError,omitempty"`
}

func (s *Service) GetIntegrationStatus(ctx context.Context, integrationID string) (*IntegrationStatus, error) {
	integration, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	logs, err := s.syncLogs.Recent(ctx, integration.ID, RecentLogLimit)
	if err != nil {
		return nil, err
	}

	ans := IntegrationStatus{
		Integration: integration,
		RecentLogs:  logs,
	}

	for i := range logs {
		if logs[i].Status == models.SyncError {
			ans.LastError = logs[i].ErrorMessage
			break
		}
	}

	return &ans, nil
}

// ProviderStatus is the connection view of one provider for a user.
// Connected is false, with no other fields, when the user never connected.
type ProviderStatus struct {
	Connected  bool                     `json:"connected"`
	ID         string                   `json:"id,omitempty"`
	Provider   string                   `json:"provider"`
	Status     models.IntegrationStatus `json:"status,omitempty"`
	LastSyncAt *time.Time               `json:"lastSyncAt,omitempty"`
	Metadata   map[string]any           `json:"metadata,omitempty"`
}

func (s *Service) ProviderStatus(ctx context.Context, userID, provider string) (*ProviderStatus, error) {
	integration, err := s.integrations.GetByProvider(ctx, userID, provider)
	if errors.Is(err, models.ErrNotFound) {
		return &ProviderStatus{Provider: provider}, nil
	}

	if err != nil {
		return nil, err
	}

	return &ProviderStatus{
		Connected:  integration.Status == models.StatusConnected,
		ID:         integration.ID,
		Provider:   provider,
		Status:     integration.Status,
		LastSyncAt: integration.LastSyncAt,
		Metadata:   integration.Metadata,
	}, nil
}

// DisconnectIntegration soft-deletes the integration. The row is kept.
func (s *Service) DisconnectIntegration(ctx context.Context, integrationID string) error {
	integration, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return err
	}

	return s.disconnect(ctx, integration)
}

// DisconnectProvider soft-deletes the user's integration for provider.
func (s *Service) DisconnectProvider(ctx context.Context, userID, provider string) error {
	integration, err := s.integrations.GetByProvider(ctx, userID, provider)
	if err != nil {
		return err
	}

	return s.disconnect(ctx, integration)
}

func (s *Service) disconnect(ctx context.Context, integration *models.Integration) error {
	if err := s.integrations.SoftDelete(ctx, integration.ID, s.now().UTC()); err != nil {
		return err
	}

	s.logger.Info("integration disconnected",
		zap.String("provider", integration.Provider),
		zap.String("integration_id", integration.ID),
	)

	s.track(ctx, integration.UserID, tlmt.EventIntegrationDisconnected, map[string]any{
		"provider":       integration.Provider,
		"integration_id": integration.ID,
	})

	return nil
}
