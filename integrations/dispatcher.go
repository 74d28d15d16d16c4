package integrations

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
)

// DefaultSyncTimeout bounds a dispatched sync.
const DefaultSyncTimeout = 30 * time.Minute

// Dispatcher starts a sync without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, integrationID string) error
	// DispatchUser starts a sync of every connected integration of a user.
	DispatchUser(ctx context.Context, userID string) error
}

// Syncer runs integration syncs.
type Syncer interface {
	SyncIntegration(ctx context.Context, integrationID string) ([]connector.SyncResult, error)
	SyncUserIntegrations(ctx context.Context, userID string) ([]SyncOutcome, error)
}

// GoroutineDispatcher runs syncs in background goroutines of this process.
type GoroutineDispatcher struct {
	syncer  Syncer
	logger  *zap.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewGoroutineDispatcher(syncer Syncer, logger *zap.Logger) *GoroutineDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &GoroutineDispatcher{
		syncer:  syncer,
		logger:  logger,
		timeout: DefaultSyncTimeout,
	}
}

// Dispatch detaches the sync from ctx so it outlives the request.
func (d *GoroutineDispatcher) Dispatch(ctx context.Context, integrationID string) error {
	d.run(ctx, func(ctx context.Context) {
		_, err := d.syncer.SyncIntegration(ctx, integrationID)

		switch {
		case err == nil:
		case errors.Is(err, connector.ErrSyncInProgress):
			d.logger.Info("manual sync skipped, integration already syncing", zap.String("integration_id", integrationID))
		default:
			d.logger.Warn("manual sync failed", zap.String("integration_id", integrationID), zap.Error(err))
		}
	})

	return nil
}

func (d *GoroutineDispatcher) DispatchUser(ctx context.Context, userID string) error {
	d.run(ctx, func(ctx context.Context) {
		outcomes, err := d.syncer.SyncUserIntegrations(ctx, userID)
		if err != nil {
			d.logger.Warn("user sync failed", zap.String("user_id", userID), zap.Error(err))
			return
		}

		d.logger.Info("user sync finished",
			zap.String("user_id", userID),
			zap.Int("integrations", len(outcomes)),
			zap.Int("failed", FailedOutcomes(outcomes)),
		)
	})

	return nil
}

func (d *GoroutineDispatcher) run(ctx context.Context, fn func(context.Context)) {
	d.wg.Add(1)

	go func() {
		defer d.wg.Done()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
		defer cancel()

		fn(runCtx)
	}()
}

// Wait blocks until every dispatched sync has returned.
func (d *GoroutineDispatcher) Wait() {
	d.wg.Wait()
}
