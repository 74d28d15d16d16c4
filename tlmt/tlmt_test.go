package tlmt_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Vector/vector-commerce-sync/tlmt"
	"github.com/Vector/vector-commerce-sync/tlmt/gonoop"
)

func TestNewEvent(t *testing.T) {
	ev := tlmt.NewEvent("user-1", tlmt.EventIntegrationConnected, map[string]any{"provider": "shopify"})

	assert.Equal(t, "user-1", ev.DistinctID)
	assert.Equal(t, tlmt.EventIntegrationConnected, ev.Name)
	assert.Equal(t, "shopify", ev.Properties["provider"])
	assert.Contains(t, ev.Properties, "go_version")
}

func TestNoop(t *testing.T) {
	svc := gonoop.New()

	require.NoError(t, svc.Send(context.Background(), tlmt.NewEvent("u", "e", nil)))
	require.NoError(t, svc.Close())
}
