// Package tlmt sends product analytics events about connected integrations.
package tlmt

import (
	"context"
	"runtime"
	"time"
)

// Event names.
const (
	EventIntegrationConnected    = "integration_connected"
	EventIntegrationDisconnected = "integration_disconnected"
	EventIntegrationSynced       = "integration_synced"
)

type Event struct {
	DistinctID string
	Name       string
	Properties map[string]any
}

// NewEvent builds an event attributed to distinctID (the user id).
func NewEvent(distinctID, name string, props map[string]any) Event {
	ev := Event{
		DistinctID: distinctID,
		Name:       name,
		Properties: map[string]any{
			"go_version": runtime.Version(),
			"sent_at":    time.Now().UTC().Format(time.RFC3339),
		},
	}

	for k, v := range props {
		ev.Properties[k] = v
	}

	return ev
}

type Telemetry interface {
	Send(ctx context.Context, event Event) error
	Close() error
}
