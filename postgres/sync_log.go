package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Vector/vector-commerce-sync/models"
)

type SyncLogRepository struct {
	db *sql.DB
}

func NewSyncLogRepository(db *sql.DB) *SyncLogRepository {
	return &SyncLogRepository{db: db}
}

func (r *SyncLogRepository) Create(ctx context.Context, log *models.SyncLog) error {
	if log.ID == "" {
		log.ID = uuid.New().String()
	}

	metadata := log.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	metadataRaw, err := json.Marshal(metadata)
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO sync_logs (id, integration_id, data_type, status, record_count, error_message, metadata, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)`

	_, err = r.db.ExecContext(ctx, q,
		log.ID,
		log.IntegrationID,
		log.DataType,
		string(log.Status),
		log.RecordCount,
		log.ErrorMessage,
		string(metadataRaw),
		log.StartedAt,
		log.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync log: %w", err)
	}

	return nil
}

func (r *SyncLogRepository) LastSuccess(ctx context.Context, integrationID, dataType string) (*time.Time, error) {
	const q = `
		SELECT MAX(completed_at) FROM sync_logs
		WHERE integration_id = $1 AND data_type = $2 AND status = $3`

	var last sql.NullTime

	if err := r.db.QueryRowContext(ctx, q, integrationID, dataType, string(models.SyncSuccess)).Scan(&last); err != nil {
		return nil, err
	}

	if !last.Valid {
		return nil, nil
	}

	return &last.Time, nil
}

func (r *SyncLogRepository) Recent(ctx context.Context, integrationID string, limit int) ([]models.SyncLog, error) {
	const q = `
		SELECT id, integration_id, data_type, status, record_count, COALESCE(error_message, ''), metadata, started_at, completed_at
		FROM sync_logs
		WHERE integration_id = $1
		ORDER BY started_at DESC
		LIMIT $2`

	rows, err := r.db.QueryContext(ctx, q, integrationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ans []models.SyncLog

	for rows.Next() {
		var (
			l           models.SyncLog
			status      string
			metadataRaw []byte
		)

		if err := rows.Scan(&l.ID, &l.IntegrationID, &l.DataType, &status, &l.RecordCount,
			&l.ErrorMessage, &metadataRaw, &l.StartedAt, &l.CompletedAt); err != nil {
			return nil, err
		}

		l.Status = models.SyncStatus(status)

		if len(metadataRaw) > 0 {
			if err := json.Unmarshal(metadataRaw, &l.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode sync log metadata: %w", err)
			}
		}

		ans = append(ans, l)
	}

	return ans, rows.Err()
}
