// Package tasks defines the queued task types and their handlers.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/integrations"
	"github.com/Vector/vector-commerce-sync/models"
)

// Syncer runs integration syncs.
type Syncer interface {
	SyncIntegration(ctx context.Context, integrationID string) ([]connector.SyncResult, error)
	SyncUserIntegrations(ctx context.Context, userID string) ([]integrations.SyncOutcome, error)
}

// Handler processes queued sync tasks.
type Handler struct {
	syncer      Syncer
	logger      *zap.Logger
	taskTimeout time.Duration
}

// HandlerOption is a function that configures a Handler
type HandlerOption func(*Handler)

// WithTaskTimeout sets the timeout for task processing
func WithTaskTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) {
		h.taskTimeout = timeout
	}
}

func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func NewHandler(syncer Syncer, opts ...HandlerOption) *Handler {
	h := &Handler{
		syncer:      syncer,
		logger:      zap.NewNop(),
		taskTimeout: 30 * time.Minute,
	}

	for _, opt := range opts {
		opt(h)
	}

	return h
}

// Mux routes every task type to the handler.
func (h *Handler) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeSyncIntegration, h)
	mux.Handle(TypeSyncUser, h)

	return mux
}

// ProcessTask processes a task based on its type
func (h *Handler) ProcessTask(ctx context.Context, task *asynq.Task) error {
	ctx, cancel := context.WithTimeout(ctx, h.taskTimeout)
	defer cancel()

	switch task.Type() {
	case TypeSyncIntegration:
		return h.processSync(ctx, task)
	case TypeSyncUser:
		return h.processUserSync(ctx, task)
	default:
		return fmt.Errorf("unknown task type: %s", task.Type())
	}
}

// processSync returns asynq.SkipRetry for failures a retry cannot fix.
func (h *Handler) processSync(ctx context.Context, task *asynq.Task) error {
	payload, err := decodeSyncPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With(zap.String("integration_id", payload.IntegrationID))

	_, err = h.syncer.SyncIntegration(ctx, payload.IntegrationID)

	switch {
	case err == nil:
		return nil
	case errors.Is(err, connector.ErrSyncInProgress):
		logger.Info("sync task skipped", zap.Error(err))
		return nil
	case errors.Is(err, models.ErrNotFound),
		errors.Is(err, connector.ErrNotConnected),
		errors.Is(err, connector.ErrValidationFailed),
		errors.Is(err, connector.ErrUnknownProvider):
		logger.Warn("sync task dropped", zap.Error(err))
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		logger.Error("sync task failed", zap.Error(err))
		return err
	}
}

// processUserSync retries only when the integrations could not be listed.
// Failed integrations are reported in their outcomes and not retried.
func (h *Handler) processUserSync(ctx context.Context, task *asynq.Task) error {
	payload, err := decodeUserSyncPayload(task.Payload())
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With(zap.String("user_id", payload.UserID))

	outcomes, err := h.syncer.SyncUserIntegrations(ctx, payload.UserID)
	if err != nil {
		logger.Error("user sync task failed", zap.Error(err))
		return err
	}

	logger.Info("user sync task finished",
		zap.Int("integrations", len(outcomes)),
		zap.Int("failed", integrations.FailedOutcomes(outcomes)),
	)

	return nil
}
