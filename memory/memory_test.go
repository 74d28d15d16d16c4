package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/vector-commerce-sync/models"
)

func TestIntegrationUpsertIsKeyedByAccount(t *testing.T) {
	ctx := context.Background()
	repo := NewIntegrationRepository()

	first := &models.Integration{UserID: "u1", Provider: "shopify", AccountID: "a.myshopify.com", AccessToken: "t1"}
	require.NoError(t, repo.Upsert(ctx, first))
	require.NotEmpty(t, first.ID)

	require.NoError(t, repo.SoftDelete(ctx, first.ID, time.Now()))

	second := &models.Integration{UserID: "u1", Provider: "shopify", AccountID: "a.myshopify.com", AccessToken: "t2"}
	require.NoError(t, repo.Upsert(ctx, second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.StatusConnected, second.Status)
	assert.Nil(t, second.DeletedAt)

	got, err := repo.GetByProvider(ctx, "u1", "shopify")
	require.NoError(t, err)
	assert.Equal(t, "t2", got.AccessToken)

	list, err := repo.ListConnected(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIntegrationListDue(t *testing.T) {
	ctx := context.Background()
	repo := NewIntegrationRepository()

	fresh := &models.Integration{UserID: "u1", Provider: "shopify", AccountID: "fresh"}
	stale := &models.Integration{UserID: "u1", Provider: "shopify", AccountID: "stale"}
	never := &models.Integration{UserID: "u2", Provider: "klaviyo", AccountID: "never"}
	broken := &models.Integration{UserID: "u2", Provider: "klaviyo", AccountID: "broken"}

	for _, i := range []*models.Integration{fresh, stale, never, broken} {
		require.NoError(t, repo.Upsert(ctx, i))
	}

	now := time.Now()
	require.NoError(t, repo.MarkSynced(ctx, fresh.ID, now))
	require.NoError(t, repo.MarkSynced(ctx, stale.ID, now.Add(-2*time.Hour)))
	require.NoError(t, repo.UpdateStatus(ctx, broken.ID, models.StatusError))

	due, err := repo.ListDue(ctx, now.Add(-time.Hour))
	require.NoError(t, err)

	ids := make([]string, 0, len(due))
	for _, i := range due {
		ids = append(ids, i.ID)
	}

	assert.ElementsMatch(t, []string{stale.ID, never.ID}, ids)
}

func TestIntegrationGetNotFound(t *testing.T) {
	repo := NewIntegrationRepository()

	_, err := repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)

	err = repo.UpdateStatus(context.Background(), "missing", models.StatusError)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOAuthStateConsumeOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewOAuthStateRepository()

	require.NoError(t, repo.Create(ctx, &models.OAuthState{State: "s1", UserID: "u1", ExpiresAt: time.Now().Add(time.Minute)}))

	got, err := repo.Consume(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)

	_, err = repo.Consume(ctx, "s1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestOAuthStateDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := NewOAuthStateRepository()
	now := time.Now()

	require.NoError(t, repo.Create(ctx, &models.OAuthState{State: "old", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, repo.Create(ctx, &models.OAuthState{State: "new", ExpiresAt: now.Add(time.Minute)}))

	n, err := repo.DeleteExpired(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.Consume(ctx, "new")
	assert.NoError(t, err)
}

func TestSyncLogWatermarkAndRecent(t *testing.T) {
	ctx := context.Background()
	repo := NewSyncLogRepository()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	last, err := repo.LastSuccess(ctx, "i1", "orders")
	require.NoError(t, err)
	assert.Nil(t, last)

	for i, status := range []models.SyncStatus{models.SyncSuccess, models.SyncSuccess, models.SyncError} {
		require.NoError(t, repo.Create(ctx, &models.SyncLog{
			IntegrationID: "i1",
			DataType:      "orders",
			Status:        status,
			StartedAt:     base.Add(time.Duration(i) * time.Hour),
			CompletedAt:   base.Add(time.Duration(i)*time.Hour + time.Minute),
		}))
	}

	last, err = repo.LastSuccess(ctx, "i1", "orders")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, base.Add(time.Hour+time.Minute), *last)

	recent, err := repo.Recent(ctx, "i1", 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, models.SyncError, recent[0].Status)
}

func TestRecordUpsertBatch(t *testing.T) {
	repo := NewRecordRepository()

	recs := []models.Record{
		{IntegrationID: "i1", DataType: "orders", ExternalID: "1"},
		{IntegrationID: "i1", DataType: "orders", ExternalID: "2"},
		{IntegrationID: "i1", DataType: "orders", ExternalID: "1"},
	}

	require.NoError(t, repo.UpsertBatch(context.Background(), recs))
	assert.Equal(t, 2, repo.Count("i1", "orders"))
}
