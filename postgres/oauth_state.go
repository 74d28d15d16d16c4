package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Vector/vector-commerce-sync/models"
)

type OAuthStateRepository struct {
	db *sql.DB
}

func NewOAuthStateRepository(db *sql.DB) *OAuthStateRepository {
	return &OAuthStateRepository{db: db}
}

func (r *OAuthStateRepository) Create(ctx context.Context, state *models.OAuthState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}

	const q = `INSERT INTO oauth_states (state, payload, expires_at) VALUES ($1, $2, $3)`

	if _, err := r.db.ExecContext(ctx, q, state.State, string(payload), state.ExpiresAt); err != nil {
		return fmt.Errorf("failed to create oauth state: %w", err)
	}

	return nil
}

// Consume deletes the row and returns it in a single statement. Concurrent
// callers racing on the same state see at most one row returned.
func (r *OAuthStateRepository) Consume(ctx context.Context, state string) (*models.OAuthState, error) {
	const q = `DELETE FROM oauth_states WHERE state = $1 RETURNING payload, expires_at`

	var (
		payload   []byte
		expiresAt time.Time
	)

	err := r.db.QueryRowContext(ctx, q, state).Scan(&payload, &expiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.ErrNotFound
		}

		return nil, err
	}

	var ans models.OAuthState
	if err := json.Unmarshal(payload, &ans); err != nil {
		return nil, fmt.Errorf("failed to decode oauth state: %w", err)
	}

	ans.State = state
	ans.ExpiresAt = expiresAt

	return &ans, nil
}

func (r *OAuthStateRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	const q = `DELETE FROM oauth_states WHERE expires_at <= $1`

	res, err := r.db.ExecContext(ctx, q, now)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}
