package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"
)

// Enqueuer puts a task on the queue.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, taskType string, payload []byte, opts ...asynq.Option) error
}

// Dispatcher queues manual syncs for the worker fleet. Repeated requests
// for an integration or a user collapse while one is still queued.
type Dispatcher struct {
	enqueuer   Enqueuer
	uniqueFor  time.Duration
	maxRetries int
	retention  time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithMaxRetries(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = n
	}
}

// WithRetention keeps completed sync tasks visible in the queue inspector.
func WithRetention(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.retention = ttl
	}
}

func NewDispatcher(enqueuer Enqueuer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		enqueuer:   enqueuer,
		uniqueFor:  5 * time.Minute,
		maxRetries: 2,
	}

	for _, opt := range opts {
		opt(d)
	}

	return d
}

func (d *Dispatcher) Dispatch(ctx context.Context, integrationID string) error {
	return d.enqueue(ctx, TypeSyncIntegration, SyncPayload{IntegrationID: integrationID})
}

// DispatchUser queues a sync of every connected integration of a user.
func (d *Dispatcher) DispatchUser(ctx context.Context, userID string) error {
	return d.enqueue(ctx, TypeSyncUser, UserSyncPayload{UserID: userID})
}

func (d *Dispatcher) enqueue(ctx context.Context, taskType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(PriorityDefault),
		asynq.MaxRetry(d.maxRetries),
		asynq.Unique(d.uniqueFor),
	}

	if d.retention > 0 {
		opts = append(opts, asynq.Retention(d.retention))
	}

	err = d.enqueuer.EnqueueTask(ctx, taskType, payload, opts...)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}

	return err
}
