package models

import (
	"context"
	"time"
)

// SyncStatus is the outcome of one data type sync attempt.
type SyncStatus string

const (
	SyncSuccess SyncStatus = "success"
	SyncError   SyncStatus = "error"
	SyncPartial SyncStatus = "partial"
)

// SyncLog is an append-only record of a single data type sync attempt.
type SyncLog struct {
	ID            string         `json:"id"`
	IntegrationID string         `json:"integration_id"`
	DataType      string         `json:"data_type"`
	Status        SyncStatus     `json:"status"`
	RecordCount   int            `json:"record_count"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// SyncLogRepository stores sync history.
type SyncLogRepository interface {
	Create(ctx context.Context, log *SyncLog) error
	// LastSuccess returns the completion time of the latest successful log for the data type,
	// or nil when the data type never synced successfully.
	LastSuccess(ctx context.Context, integrationID, dataType string) (*time.Time, error)
	// Recent returns the newest logs of an integration, newest first.
	Recent(ctx context.Context, integrationID string, limit int) ([]SyncLog, error)
}
