// Package config serves runtime settings from the system_config table.
// Environment variables override stored values; lookups are cached.
package config

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// KeySyncIntervalMinutes is the cadence of the scheduled sync. It can be
// changed at runtime.
const KeySyncIntervalMinutes = "sync.interval_minutes"

const (
	defaultTTL       = time.Minute
	defaultCacheSize = 256
)

// Entry is a stored setting with its optional integer bounds.
type Entry struct {
	Value    string
	MinValue *string
	MaxValue *string
}

// Store reads and writes raw settings. Lookup returns found=false for
// unknown keys.
type Store interface {
	Lookup(ctx context.Context, key string) (Entry, bool, error)
	Upsert(ctx context.Context, key, value, typ, description string) error
}

// Service provides access to dynamic configuration values.
type Service struct {
	store Store
	cache *expirable.LRU[string, Entry]
}

func New(db *sql.DB) *Service {
	return NewWithStore(NewSQLStore(db))
}

func NewWithStore(store Store) *Service {
	return &Service{
		store: store,
		cache: expirable.NewLRU[string, Entry](defaultCacheSize, nil, defaultTTL),
	}
}

// lookup resolves key from the environment, the cache and finally the store.
// The env var name is derived from key by uppercasing and replacing dots
// with underscores.
func (s *Service) lookup(ctx context.Context, key string) (Entry, bool, error) {
	if v, ok := envOverride(key); ok {
		return Entry{Value: v}, true, nil
	}

	if e, ok := s.cache.Get(key); ok {
		return e, true, nil
	}

	e, found, err := s.store.Lookup(ctx, key)
	if err != nil || !found {
		return Entry{}, false, err
	}

	s.cache.Add(key, e)

	return e, true, nil
}

func (s *Service) GetString(ctx context.Context, key string, defaultValue string) (string, error) {
	e, found, err := s.lookup(ctx, key)
	if err != nil {
		return "", err
	}

	if !found {
		return defaultValue, nil
	}

	return e.Value, nil
}

// GetInt returns an integer value clamped to the stored bounds. Values that
// do not parse yield defaultValue.
func (s *Service) GetInt(ctx context.Context, key string, defaultValue int) (int, error) {
	e, found, err := s.lookup(ctx, key)
	if err != nil {
		return 0, err
	}

	if !found {
		return defaultValue, nil
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(e.Value))
	if err != nil {
		return defaultValue, nil
	}

	if e.MinValue != nil {
		if minParsed, err := strconv.Atoi(strings.TrimSpace(*e.MinValue)); err == nil && parsed < minParsed {
			parsed = minParsed
		}
	}

	if e.MaxValue != nil {
		if maxParsed, err := strconv.Atoi(strings.TrimSpace(*e.MaxValue)); err == nil && parsed > maxParsed {
			parsed = maxParsed
		}
	}

	return parsed, nil
}

// GetMinutes reads an integer setting expressed in minutes. Non positive
// values yield defaultValue.
func (s *Service) GetMinutes(ctx context.Context, key string, defaultValue time.Duration) (time.Duration, error) {
	n, err := s.GetInt(ctx, key, int(defaultValue/time.Minute))
	if err != nil {
		return 0, err
	}

	if n <= 0 {
		return defaultValue, nil
	}

	return time.Duration(n) * time.Minute, nil
}

// Upsert writes a configuration value with associated metadata type.
func (s *Service) Upsert(ctx context.Context, key string, value string, typ string, description string) error {
	if err := s.store.Upsert(ctx, key, value, typ, description); err != nil {
		return err
	}

	s.cache.Remove(key)

	return nil
}

func envOverride(key string) (string, bool) {
	envKey := strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	if v := os.Getenv(envKey); v != "" {
		return v, true
	}

	return "", false
}

type sqlStore struct {
	db *sql.DB
}

// NewSQLStore reads settings from the system_config table.
func NewSQLStore(db *sql.DB) Store {
	return &sqlStore{db: db}
}

func (s *sqlStore) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	const q = `SELECT value, min_value, max_value FROM system_config WHERE key = $1 LIMIT 1`

	var (
		v          string
		minv, maxv sql.NullString
	)

	err := s.db.QueryRowContext(ctx, q, key).Scan(&v, &minv, &maxv)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}

	if err != nil {
		return Entry{}, false, err
	}

	e := Entry{Value: v}

	if minv.Valid {
		e.MinValue = &minv.String
	}

	if maxv.Valid {
		e.MaxValue = &maxv.String
	}

	return e, true, nil
}

func (s *sqlStore) Upsert(ctx context.Context, key, value, typ, description string) error {
	const q = `INSERT INTO system_config (key, value, type, description, updated_at, updated_by)
	           VALUES ($1, $2, $3, $4, NOW(), 'system')
	           ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, type = EXCLUDED.type, description = EXCLUDED.description, updated_at = NOW()`

	_, err := s.db.ExecContext(ctx, q, key, value, typ, description)

	return err
}

type memoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns a store seeded with values, for the memory:// mode
// and tests.
func NewMemoryStore(values map[string]string) Store {
	m := &memoryStore{entries: make(map[string]Entry, len(values))}

	for k, v := range values {
		m.entries[k] = Entry{Value: v}
	}

	return m
}

func (m *memoryStore) Lookup(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]

	return e, ok, nil
}

func (m *memoryStore) Upsert(_ context.Context, key, value, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := m.entries[key]
	e.Value = value
	m.entries[key] = e

	return nil
}
