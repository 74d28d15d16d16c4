package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Vector/vector-commerce-sync/models"
)

type RecordRepository struct {
	db *sql.DB
}

func NewRecordRepository(db *sql.DB) *RecordRepository {
	return &RecordRepository{db: db}
}

// UpsertBatch writes one page of records in a single transaction.
func (r *RecordRepository) UpsertBatch(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		_ = tx.Rollback()
	}()

	const q = `
		INSERT INTO synced_records (integration_id, data_type, external_id, payload, source_updated_at, synced_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (integration_id, data_type, external_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			source_updated_at = EXCLUDED.source_updated_at,
			synced_at = NOW()`

	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]

		payload := string(rec.Payload)
		if payload == "" {
			payload = "{}"
		}

		if _, err := stmt.ExecContext(ctx, rec.IntegrationID, rec.DataType, rec.ExternalID, payload, rec.SourceUpdatedAt); err != nil {
			return fmt.Errorf("failed to upsert %s record %s: %w", rec.DataType, rec.ExternalID, err)
		}
	}

	return tx.Commit()
}
