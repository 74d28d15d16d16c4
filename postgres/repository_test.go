package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/testcontainers"
)

// openTestDB applies the migrations to the test server and empties the
// tables.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()

	dsn := testcontainers.PostgresDSN(t)

	require.NoError(t, NewMigrationRunner(dsn, nil).RunMigrations(ctx))

	db, err := Open(ctx, dsn)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	_, err = db.ExecContext(ctx, `TRUNCATE synced_records, sync_logs, oauth_states, integrations CASCADE`)
	require.NoError(t, err)

	return db
}

func TestIntegrationRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewIntegrationRepository(db)
	ctx := context.Background()

	userID := uuid.New().String()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	first := &models.Integration{
		UserID:       userID,
		Provider:     "shopify",
		AccountID:    "test-store.myshopify.com",
		AccessToken:  "enc-1",
		RefreshToken: "",
		Scopes:       []string{"read_orders"},
		Metadata:     map[string]any{"shopDomain": "test-store.myshopify.com"},
	}

	t.Run("Create", func(t *testing.T) {
		require.NoError(t, repo.Upsert(ctx, first))
		assert.NotEmpty(t, first.ID)
		assert.Equal(t, models.StatusConnected, first.Status)
		assert.False(t, first.CreatedAt.IsZero())
	})

	t.Run("ReconnectRevivesRow", func(t *testing.T) {
		require.NoError(t, repo.SoftDelete(ctx, first.ID, time.Now()))

		_, err := repo.GetByProvider(ctx, userID, "shopify")
		assert.ErrorIs(t, err, models.ErrNotFound)

		second := &models.Integration{
			UserID:      userID,
			Provider:    "shopify",
			AccountID:   "test-store.myshopify.com",
			AccessToken: "enc-2",
			ExpiresAt:   &expires,
			Metadata:    map[string]any{"shopDomain": "test-store.myshopify.com", "currency": "EUR"},
		}
		require.NoError(t, repo.Upsert(ctx, second))

		assert.Equal(t, first.ID, second.ID)
		assert.Nil(t, second.DeletedAt)
		assert.Equal(t, "enc-2", second.AccessToken)
		assert.Equal(t, "EUR", second.Metadata["currency"])
		require.NotNil(t, second.ExpiresAt)
		assert.True(t, expires.Equal(*second.ExpiresAt))
	})

	t.Run("UpdateTokensAndStatus", func(t *testing.T) {
		require.NoError(t, repo.UpdateTokens(ctx, first.ID, "enc-3", "enc-r", nil))
		require.NoError(t, repo.UpdateStatus(ctx, first.ID, models.StatusExpired))

		got, err := repo.Get(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "enc-3", got.AccessToken)
		assert.Equal(t, "enc-r", got.RefreshToken)
		assert.Nil(t, got.ExpiresAt)
		assert.Equal(t, models.StatusExpired, got.Status)

		list, err := repo.ListConnected(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("ListDue", func(t *testing.T) {
		require.NoError(t, repo.UpdateStatus(ctx, first.ID, models.StatusConnected))

		due, err := repo.ListDue(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		require.Len(t, due, 1)

		require.NoError(t, repo.MarkSynced(ctx, first.ID, time.Now()))

		due, err = repo.ListDue(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("NotFound", func(t *testing.T) {
		_, err := repo.Get(ctx, uuid.New().String())
		assert.ErrorIs(t, err, models.ErrNotFound)

		_, err = repo.Get(ctx, "not-a-uuid")
		assert.ErrorIs(t, err, models.ErrNotFound)

		err = repo.UpdateStatus(ctx, uuid.New().String(), models.StatusError)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestOAuthStateRepository(t *testing.T) {
	db := openTestDB(t)
	repo := NewOAuthStateRepository(db)
	ctx := context.Background()

	state := &models.OAuthState{
		State:        "state-1",
		UserID:       "user-1",
		Provider:     "klaviyo",
		Metadata:     map[string]any{"source": "onboarding"},
		CodeVerifier: "verifier",
		ExpiresAt:    time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, repo.Create(ctx, state))

	got, err := repo.Consume(ctx, "state-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "klaviyo", got.Provider)
	assert.Equal(t, "verifier", got.CodeVerifier)
	assert.Equal(t, "onboarding", got.Metadata["source"])

	_, err = repo.Consume(ctx, "state-1")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, repo.Create(ctx, &models.OAuthState{State: "old", ExpiresAt: time.Now().Add(-time.Minute)}))

	n, err := repo.DeleteExpired(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSyncLogAndRecordRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	integration := &models.Integration{UserID: "u", Provider: "klaviyo", AccountID: "org-1", AccessToken: "enc"}
	require.NoError(t, NewIntegrationRepository(db).Upsert(ctx, integration))

	logs := NewSyncLogRepository(db)

	last, err := logs.LastSuccess(ctx, integration.ID, "campaigns")
	require.NoError(t, err)
	assert.Nil(t, last)

	base := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)

	require.NoError(t, logs.Create(ctx, &models.SyncLog{
		IntegrationID: integration.ID, DataType: "campaigns", Status: models.SyncSuccess,
		RecordCount: 3, StartedAt: base, CompletedAt: base.Add(time.Second),
	}))
	require.NoError(t, logs.Create(ctx, &models.SyncLog{
		IntegrationID: integration.ID, DataType: "campaigns", Status: models.SyncError,
		ErrorMessage: "boom", StartedAt: base.Add(time.Minute), CompletedAt: base.Add(2 * time.Minute),
	}))

	last, err = logs.LastSuccess(ctx, integration.ID, "campaigns")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, base.Add(time.Second).Equal(*last))

	recent, err := logs.Recent(ctx, integration.ID, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "boom", recent[0].ErrorMessage)
	assert.Empty(t, recent[1].ErrorMessage)

	records := NewRecordRepository(db)
	batch := []models.Record{
		{IntegrationID: integration.ID, DataType: "campaigns", ExternalID: "c1", Payload: json.RawMessage(`{"v":1}`)},
		{IntegrationID: integration.ID, DataType: "campaigns", ExternalID: "c1", Payload: json.RawMessage(`{"v":2}`)},
	}

	require.NoError(t, records.UpsertBatch(ctx, batch[:1]))
	require.NoError(t, records.UpsertBatch(ctx, batch[1:]))

	var payload string
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT payload::text FROM synced_records WHERE integration_id = $1 AND external_id = 'c1'`,
		integration.ID).Scan(&payload))
	assert.JSONEq(t, `{"v":2}`, payload)
}
