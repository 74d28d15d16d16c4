package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Vector/vector-commerce-sync/models"
)

const integrationColumns = `id, user_id, provider, account_id, access_token, refresh_token, expires_at,
	scopes, metadata, status, last_sync_at, deleted_at, created_at, updated_at`

type IntegrationRepository struct {
	db *sql.DB
}

func NewIntegrationRepository(db *sql.DB) *IntegrationRepository {
	return &IntegrationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var (
		i                   models.Integration
		status              string
		scopes, metadataRaw []byte
	)

	err := row.Scan(
		&i.ID,
		&i.UserID,
		&i.Provider,
		&i.AccountID,
		&i.AccessToken,
		&i.RefreshToken,
		&i.ExpiresAt,
		&scopes,
		&metadataRaw,
		&status,
		&i.LastSyncAt,
		&i.DeletedAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	i.Status = models.IntegrationStatus(status)

	if len(scopes) > 0 {
		if err := json.Unmarshal(scopes, &i.Scopes); err != nil {
			return nil, fmt.Errorf("failed to decode scopes: %w", err)
		}
	}

	if len(metadataRaw) > 0 {
		if err := json.Unmarshal(metadataRaw, &i.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return &i, nil
}

func (r *IntegrationRepository) queryIntegrations(ctx context.Context, q string, args ...any) ([]models.Integration, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ans []models.Integration

	for rows.Next() {
		i, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}

		ans = append(ans, *i)
	}

	return ans, rows.Err()
}

func (r *IntegrationRepository) Get(ctx context.Context, id string) (*models.Integration, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, models.ErrNotFound
	}

	q := `SELECT ` + integrationColumns + ` FROM integrations WHERE id = $1`

	return scanIntegration(r.db.QueryRowContext(ctx, q, id))
}

func (r *IntegrationRepository) GetByProvider(ctx context.Context, userID, provider string) (*models.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations
		WHERE user_id = $1 AND provider = $2 AND deleted_at IS NULL
		ORDER BY updated_at DESC
		LIMIT 1`

	return scanIntegration(r.db.QueryRowContext(ctx, q, userID, provider))
}

func (r *IntegrationRepository) ListConnected(ctx context.Context, userID string) ([]models.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations
		WHERE user_id = $1 AND status = $2 AND deleted_at IS NULL
		ORDER BY created_at`

	return r.queryIntegrations(ctx, q, userID, string(models.StatusConnected))
}

func (r *IntegrationRepository) ListDue(ctx context.Context, cutoff time.Time) ([]models.Integration, error) {
	q := `SELECT ` + integrationColumns + ` FROM integrations
		WHERE status = $1 AND deleted_at IS NULL AND (last_sync_at IS NULL OR last_sync_at < $2)
		ORDER BY last_sync_at NULLS FIRST, created_at`

	return r.queryIntegrations(ctx, q, string(models.StatusConnected), cutoff)
}

// Upsert relies on the (user_id, provider, account_id) unique constraint, so a
// reconnect of a soft deleted account revives the existing row.
func (r *IntegrationRepository) Upsert(ctx context.Context, integration *models.Integration) error {
	if integration.AccountID == "" {
		return errors.New("integration account id is required")
	}

	scopes := integration.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	scopesRaw, err := json.Marshal(scopes)
	if err != nil {
		return err
	}

	metadata := integration.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	q := `
		INSERT INTO integrations (id, user_id, provider, account_id, access_token, refresh_token, expires_at,
			scopes, metadata, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (user_id, provider, account_id) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			metadata = EXCLUDED.metadata,
			status = EXCLUDED.status,
			deleted_at = NULL,
			updated_at = NOW()
		RETURNING ` + integrationColumns

	saved, err := scanIntegration(r.db.QueryRowContext(ctx, q,
		uuid.New().String(),
		integration.UserID,
		integration.Provider,
		integration.AccountID,
		integration.AccessToken,
		integration.RefreshToken,
		integration.ExpiresAt,
		string(scopesRaw),
		string(metadataRaw),
		string(models.StatusConnected),
	))
	if err != nil {
		return fmt.Errorf("failed to upsert integration: %w", err)
	}

	*integration = *saved

	return nil
}

func (r *IntegrationRepository) exec(ctx context.Context, q string, args ...any) error {
	res, err := r.db.ExecContext(ctx, q, args...)
	if err != nil {
		return err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if n == 0 {
		return models.ErrNotFound
	}

	return nil
}

func (r *IntegrationRepository) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	const q = `UPDATE integrations SET access_token = $2, refresh_token = $3, expires_at = $4, updated_at = NOW() WHERE id = $1`

	return r.exec(ctx, q, id, accessToken, refreshToken, expiresAt)
}

func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id string, status models.IntegrationStatus) error {
	const q = `UPDATE integrations SET status = $2, updated_at = NOW() WHERE id = $1`

	return r.exec(ctx, q, id, string(status))
}

func (r *IntegrationRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE integrations SET last_sync_at = $2, updated_at = NOW() WHERE id = $1`

	return r.exec(ctx, q, id, at)
}

func (r *IntegrationRepository) SoftDelete(ctx context.Context, id string, at time.Time) error {
	const q = `UPDATE integrations SET status = $2, deleted_at = $3, updated_at = NOW() WHERE id = $1`

	return r.exec(ctx, q, id, string(models.StatusDisconnected), at)
}
