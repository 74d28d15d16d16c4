package integrations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/distlock"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/tlmt"
)

// SyncLockName is the lock held while an integration syncs.
func SyncLockName(integrationID string) string {
	return "integration:" + integrationID
}

// SyncIntegration validates the connection and runs every data type of the
// integration. Per data type failures are only reported in the results; a
// structural failure is returned as an error as well. It returns
// connector.ErrSyncInProgress when another sync of the integration holds
// its lock.
func (s *Service) SyncIntegration(ctx context.Context, integrationID string) ([]connector.SyncResult, error) {
	results, acquired, err := distlock.WithLock(ctx, s.locker, SyncLockName(integrationID), func(ctx context.Context) ([]connector.SyncResult, error) {
		return s.syncIntegration(ctx, integrationID)
	})
	if !acquired {
		return nil, fmt.Errorf("%w: %s", connector.ErrSyncInProgress, integrationID)
	}

	return results, err
}

func (s *Service) syncIntegration(ctx context.Context, integrationID string) ([]connector.SyncResult, error) {
	integration, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return nil, err
	}

	if !integration.Active() {
		return nil, fmt.Errorf("%w: status %s", connector.ErrNotConnected, integration.Status)
	}

	logger := s.logger.With(
		zap.String("provider", integration.Provider),
		zap.String("integration_id", integration.ID),
	)

	c, err := s.registry.Build(integration.Provider, connector.Binding{Integration: integration})
	if err != nil {
		return nil, err
	}

	if !c.ValidateConnection(ctx) {
		// a failed refresh during validation already marked it expired
		if integration.Status != models.StatusExpired {
			if err := s.integrations.UpdateStatus(ctx, integration.ID, models.StatusError); err != nil {
				logger.Error("failed to mark integration as errored", zap.Error(err))
			}
		}

		return nil, fmt.Errorf("%w: %s", connector.ErrValidationFailed, integration.Provider)
	}

	started := s.now()
	results := c.Sync(ctx)

	if len(results) == 1 && results[0].DataType == connector.SyncErrorDataType {
		return results, fmt.Errorf("%s sync failed: %s", integration.Provider, results[0].Error)
	}

	if err := s.integrations.MarkSynced(ctx, integration.ID, s.now().UTC()); err != nil {
		logger.Error("failed to stamp last sync time", zap.Error(err))
	}

	var records, failed int

	for _, r := range results {
		records += r.RecordCount

		if r.Status != models.SyncSuccess {
			failed++
		}
	}

	logger.Info("integration synced",
		zap.Int("records", records),
		zap.Int("failed_data_types", failed),
		zap.Duration("took", s.now().Sub(started)),
	)

	s.track(ctx, integration.UserID, tlmt.EventIntegrationSynced, map[string]any{
		"provider":          integration.Provider,
		"integration_id":    integration.ID,
		"records":           records,
		"failed_data_types": failed,
	})

	return results, nil
}

// SyncOutcome is the result of one integration in a fan-out sync.
type SyncOutcome struct {
	IntegrationID string                 `json:"integrationId"`
	Provider      string                 `json:"provider"`
	Results       []connector.SyncResult `json:"results,omitempty"`
	Error         string                 `json:"error,omitempty"`
}

// FailedOutcomes counts the outcomes that carry an error.
func FailedOutcomes(outcomes []SyncOutcome) int {
	n := 0

	for _, o := range outcomes {
		if o.Error != "" {
			n++
		}
	}

	return n
}

// SyncUserIntegrations syncs all connected integrations of a user
// concurrently. One failing integration never stops the others.
func (s *Service) SyncUserIntegrations(ctx context.Context, userID string) ([]SyncOutcome, error) {
	list, err := s.integrations.ListConnected(ctx, userID)
	if err != nil {
		return nil, err
	}

	outcomes := make([]SyncOutcome, len(list))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for i := range list {
		integration := list[i]

		g.Go(func() error {
			outcome := SyncOutcome{IntegrationID: integration.ID, Provider: integration.Provider}

			results, err := s.SyncIntegration(gctx, integration.ID)
			outcome.Results = results

			if err != nil {
				s.logger.Warn("integration sync failed",
					zap.String("user_id", userID),
					zap.String("integration_id", integration.ID),
					zap.Error(err),
				)

				outcome.Error = err.Error()
			}

			outcomes[i] = outcome

			return nil
		})
	}

	_ = g.Wait()

	return outcomes, nil
}

// BatchReport summarizes one scheduled sync batch. Skipped counts
// integrations that were already syncing elsewhere.
type BatchReport struct {
	Total   int
	Failed  int
	Skipped int
}

// SyncDue syncs, one after another, every connected integration that was
// never synced or last synced more than interval ago.
func (s *Service) SyncDue(ctx context.Context, interval time.Duration) (BatchReport, error) {
	due, err := s.integrations.ListDue(ctx, s.now().Add(-interval))
	if err != nil {
		return BatchReport{}, fmt.Errorf("failed to list due integrations: %w", err)
	}

	report := BatchReport{Total: len(due)}

	for i := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		_, err := s.SyncIntegration(ctx, due[i].ID)

		switch {
		case err == nil:
		case errors.Is(err, connector.ErrSyncInProgress):
			report.Skipped++

			s.logger.Info("integration already syncing, skipped",
				zap.String("provider", due[i].Provider),
				zap.String("integration_id", due[i].ID),
			)
		default:
			report.Failed++

			s.logger.Warn("scheduled sync failed",
				zap.String("provider", due[i].Provider),
				zap.String("integration_id", due[i].ID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("scheduled sync batch finished",
		zap.Int("total", report.Total),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
	)

	return report, nil
}

// TriggerSync hands the user's integration for provider to the dispatcher
// and returns without waiting for the sync.
func (s *Service) TriggerSync(ctx context.Context, userID, provider string) (*models.Integration, error) {
	integration, err := s.integrations.GetByProvider(ctx, userID, provider)
	if err != nil {
		return nil, err
	}

	if err := s.dispatcher.Dispatch(ctx, integration.ID); err != nil {
		return nil, fmt.Errorf("failed to dispatch sync: %w", err)
	}

	return integration, nil
}

// TriggerUserSync hands a sync of all the user's connected integrations to
// the dispatcher and returns how many there are. It returns
// models.ErrNotFound when the user has none.
func (s *Service) TriggerUserSync(ctx context.Context, userID string) (int, error) {
	list, err := s.integrations.ListConnected(ctx, userID)
	if err != nil {
		return 0, err
	}

	if len(list) == 0 {
		return 0, models.ErrNotFound
	}

	if err := s.dispatcher.DispatchUser(ctx, userID); err != nil {
		return 0, fmt.Errorf("failed to dispatch sync: %w", err)
	}

	return len(list), nil
}

// HandleWebhook forwards a provider push notification to the connector of
// the addressed integration.
func (s *Service) HandleWebhook(ctx context.Context, provider, integrationID string, payload []byte, headers http.Header) error {
	if !s.registry.Has(provider) {
		return fmt.Errorf("%w: %s", connector.ErrUnknownProvider, provider)
	}

	integration, err := s.integrations.Get(ctx, integrationID)
	if err != nil {
		return err
	}

	if integration.Provider != provider || integration.DeletedAt != nil {
		return models.ErrNotFound
	}

	c, err := s.registry.Build(provider, connector.Binding{Integration: integration})
	if err != nil {
		return err
	}

	return c.HandleWebhook(ctx, payload, headers)
}
