package models

import (
	"context"
	"encoding/json"
	"time"
)

// Record is one provider object (order, product, campaign, ...) pulled by a sync.
type Record struct {
	IntegrationID   string
	DataType        string
	ExternalID      string
	Payload         json.RawMessage
	SourceUpdatedAt *time.Time
}

// RecordRepository persists synced provider objects. Writes are upserts keyed by
// (IntegrationID, DataType, ExternalID) so a re-sync converges on the same rows.
type RecordRepository interface {
	UpsertBatch(ctx context.Context, records []Record) error
}
