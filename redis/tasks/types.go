package tasks

import (
	"encoding/json"
	"fmt"
)

// Task types
const (
	TypeSyncIntegration = "integration:sync"
	TypeSyncUser        = "integration:sync-user"
)

// Queue names, highest priority first.
const (
	PriorityCritical = "critical"
	PriorityDefault  = "default"
	PriorityLow      = "low"
)

// SyncPayload asks a worker to sync one integration.
type SyncPayload struct {
	IntegrationID string `json:"integration_id"`
}

func (p SyncPayload) Validate() error {
	if p.IntegrationID == "" {
		return fmt.Errorf("integration_id is required")
	}

	return nil
}

func decodeSyncPayload(raw []byte) (SyncPayload, error) {
	var p SyncPayload

	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid sync payload: %w", err)
	}

	return p, p.Validate()
}

// UserSyncPayload asks a worker to sync every connected integration of a
// user.
type UserSyncPayload struct {
	UserID string `json:"user_id"`
}

func decodeUserSyncPayload(raw []byte) (UserSyncPayload, error) {
	var p UserSyncPayload

	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("invalid user sync payload: %w", err)
	}

	if p.UserID == "" {
		return p, fmt.Errorf("user_id is required")
	}

	return p, nil
}
