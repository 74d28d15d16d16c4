package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/integrations"
)

// Job names.
const (
	JobIntegrationSync   = "integration-sync"
	JobOAuthStateCleanup = "oauth-state-cleanup"
)

// DueSyncer syncs the integrations that are due.
type DueSyncer interface {
	SyncDue(ctx context.Context, interval time.Duration) (integrations.BatchReport, error)
}

// IntegrationSyncJob syncs due integrations. The cadence also defines which
// integrations are due.
func IntegrationSyncJob(svc DueSyncer, interval func(context.Context) time.Duration) Job {
	return Job{
		Name:     JobIntegrationSync,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := svc.SyncDue(ctx, interval(ctx))
			return err
		},
	}
}

// StatePurger deletes expired OAuth states.
type StatePurger interface {
	PurgeExpiredStates(ctx context.Context) (int64, error)
}

func OAuthStateCleanupJob(svc StatePurger, every time.Duration, logger *zap.Logger) Job {
	if logger == nil {
		logger = zap.NewNop()
	}

	return Job{
		Name:     JobOAuthStateCleanup,
		Interval: Every(every),
		Run: func(ctx context.Context) error {
			n, err := svc.PurgeExpiredStates(ctx)
			if err != nil {
				return err
			}

			logger.Debug("oauth states purged", zap.Int64("count", n))

			return nil
		},
	}
}
