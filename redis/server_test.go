package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
}

func (h *recordingHandler) ProcessTask(_ context.Context, task *asynq.Task) error {
	h.mu.Lock()
	h.seen = append(h.seen, string(task.Payload()))
	h.mu.Unlock()

	close(h.done)

	return nil
}

func TestServerProcessesTasks(t *testing.T) {
	cfg := newContainerConfig(t)
	cfg.Workers = 2

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handler := &recordingHandler{done: make(chan struct{})}

	mux := asynq.NewServeMux()
	mux.Handle("integration:sync", handler)

	srv := NewServer(cfg, nil)
	require.NoError(t, srv.Start(ctx, mux))

	defer srv.Shutdown()

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)

	defer client.Close()

	require.NoError(t, client.EnqueueTask(ctx, "integration:sync", []byte(`{"integration_id":"a"}`)))

	select {
	case <-handler.done:
	case <-time.After(30 * time.Second):
		t.Fatal("task was not processed")
	}

	handler.mu.Lock()
	defer handler.mu.Unlock()

	assert.Equal(t, []string{`{"integration_id":"a"}`}, handler.seen)
}
