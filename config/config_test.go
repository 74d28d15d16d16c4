package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingStore struct {
	Store
	lookups int
}

func (c *countingStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	c.lookups++
	return c.Store.Lookup(ctx, key)
}

func TestServiceReadsAndCaches(t *testing.T) {
	store := &countingStore{Store: NewMemoryStore(map[string]string{
		KeySyncIntervalMinutes: "30",
		"sync.note":            "nightly",
	})}
	svc := NewWithStore(store)
	ctx := context.Background()

	d, err := svc.GetMinutes(ctx, KeySyncIntervalMinutes, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, d)

	_, err = svc.GetMinutes(ctx, KeySyncIntervalMinutes, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, store.lookups)

	note, err := svc.GetString(ctx, "sync.note", "")
	require.NoError(t, err)
	assert.Equal(t, "nightly", note)

	s, err := svc.GetString(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", s)

	require.NoError(t, svc.Upsert(ctx, KeySyncIntervalMinutes, "15", "int", "sync cadence"))

	d, err = svc.GetMinutes(ctx, KeySyncIntervalMinutes, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("SYNC_INTERVAL_MINUTES", "5")

	svc := NewWithStore(NewMemoryStore(map[string]string{KeySyncIntervalMinutes: "30"}))

	d, err := svc.GetMinutes(context.Background(), KeySyncIntervalMinutes, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)
}

type boundedStore struct{}

func (boundedStore) Lookup(context.Context, string) (Entry, bool, error) {
	minv, maxv := "10", "120"
	return Entry{Value: "1", MinValue: &minv, MaxValue: &maxv}, true, nil
}

func (boundedStore) Upsert(context.Context, string, string, string, string) error { return nil }

type brokenStore struct{ boundedStore }

func (brokenStore) Lookup(context.Context, string) (Entry, bool, error) {
	return Entry{}, false, errors.New("db down")
}

func TestGetIntClampsToBounds(t *testing.T) {
	svc := NewWithStore(boundedStore{})

	n, err := svc.GetInt(context.Background(), "x", 60)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	// cached entries keep their bounds
	n, err = svc.GetInt(context.Background(), "x", 60)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = NewWithStore(brokenStore{}).GetInt(context.Background(), "x", 60)
	assert.Error(t, err)
}
