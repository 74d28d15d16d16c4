// Package memory holds in-process repositories. They back the tests and the
// memory:// development mode.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Vector/vector-commerce-sync/models"
)

type integrationRepo struct {
	mu    *sync.RWMutex
	items map[string]models.Integration
}

// NewIntegrationRepository returns an empty integration store.
func NewIntegrationRepository() models.IntegrationRepository {
	return &integrationRepo{
		mu:    &sync.RWMutex{},
		items: make(map[string]models.Integration),
	}
}

func cloneIntegration(i models.Integration) models.Integration {
	i.Scopes = slices.Clone(i.Scopes)
	i.Metadata = maps.Clone(i.Metadata)

	return i
}

func (r *integrationRepo) Get(_ context.Context, id string) (*models.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, ok := r.items[id]
	if !ok {
		return nil, models.ErrNotFound
	}

	ans := cloneIntegration(item)

	return &ans, nil
}

func (r *integrationRepo) GetByProvider(_ context.Context, userID, provider string) (*models.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var found *models.Integration

	for _, item := range r.items {
		if item.UserID != userID || item.Provider != provider || item.DeletedAt != nil {
			continue
		}

		if found == nil || item.UpdatedAt.After(found.UpdatedAt) {
			c := cloneIntegration(item)
			found = &c
		}
	}

	if found == nil {
		return nil, models.ErrNotFound
	}

	return found, nil
}

func (r *integrationRepo) selectSorted(keep func(models.Integration) bool) []models.Integration {
	ans := make([]models.Integration, 0, len(r.items))

	for _, item := range r.items {
		if keep(item) {
			ans = append(ans, cloneIntegration(item))
		}
	}

	sort.Slice(ans, func(i, j int) bool {
		return ans[i].CreatedAt.Before(ans[j].CreatedAt)
	})

	return ans
}

func (r *integrationRepo) ListConnected(_ context.Context, userID string) ([]models.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.selectSorted(func(i models.Integration) bool {
		return i.UserID == userID && i.Active()
	}), nil
}

func (r *integrationRepo) ListDue(_ context.Context, cutoff time.Time) ([]models.Integration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.selectSorted(func(i models.Integration) bool {
		return i.Active() && (i.LastSyncAt == nil || i.LastSyncAt.Before(cutoff))
	}), nil
}

func (r *integrationRepo) Upsert(_ context.Context, integration *models.Integration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()

	for id, item := range r.items {
		if item.UserID != integration.UserID || item.Provider != integration.Provider || item.AccountID != integration.AccountID {
			continue
		}

		item.AccessToken = integration.AccessToken
		item.RefreshToken = integration.RefreshToken
		item.ExpiresAt = integration.ExpiresAt
		item.Scopes = slices.Clone(integration.Scopes)
		item.Metadata = maps.Clone(integration.Metadata)
		item.Status = models.StatusConnected
		item.DeletedAt = nil
		item.UpdatedAt = now

		r.items[id] = item
		*integration = cloneIntegration(item)

		return nil
	}

	integration.ID = uuid.New().String()
	integration.Status = models.StatusConnected
	integration.DeletedAt = nil
	integration.CreatedAt = now
	integration.UpdatedAt = now

	r.items[integration.ID] = cloneIntegration(*integration)

	return nil
}

func (r *integrationRepo) update(id string, fn func(*models.Integration)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[id]
	if !ok {
		return models.ErrNotFound
	}

	fn(&item)
	item.UpdatedAt = time.Now().UTC()
	r.items[id] = item

	return nil
}

func (r *integrationRepo) UpdateTokens(_ context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	return r.update(id, func(i *models.Integration) {
		i.AccessToken = accessToken
		i.RefreshToken = refreshToken
		i.ExpiresAt = expiresAt
	})
}

func (r *integrationRepo) UpdateStatus(_ context.Context, id string, status models.IntegrationStatus) error {
	return r.update(id, func(i *models.Integration) {
		i.Status = status
	})
}

func (r *integrationRepo) MarkSynced(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(i *models.Integration) {
		i.LastSyncAt = &at
	})
}

func (r *integrationRepo) SoftDelete(_ context.Context, id string, at time.Time) error {
	return r.update(id, func(i *models.Integration) {
		i.Status = models.StatusDisconnected
		i.DeletedAt = &at
	})
}

// SyncLogRepository is the in-memory sync history. All exposes every row for
// assertions in tests.
type SyncLogRepository struct {
	mu   sync.RWMutex
	logs []models.SyncLog
}

func NewSyncLogRepository() *SyncLogRepository {
	return &SyncLogRepository{}
}

func (r *SyncLogRepository) Create(_ context.Context, log *models.SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if log.ID == "" {
		log.ID = uuid.New().String()
	}

	c := *log
	c.Metadata = maps.Clone(log.Metadata)
	r.logs = append(r.logs, c)

	return nil
}

func (r *SyncLogRepository) LastSuccess(_ context.Context, integrationID, dataType string) (*time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var last *time.Time

	for i := range r.logs {
		l := r.logs[i]
		if l.IntegrationID != integrationID || l.DataType != dataType || l.Status != models.SyncSuccess {
			continue
		}

		if last == nil || l.CompletedAt.After(*last) {
			t := l.CompletedAt
			last = &t
		}
	}

	return last, nil
}

func (r *SyncLogRepository) Recent(_ context.Context, integrationID string, limit int) ([]models.SyncLog, error) {
	ans := r.All(integrationID)

	sort.SliceStable(ans, func(i, j int) bool {
		return ans[i].StartedAt.After(ans[j].StartedAt)
	})

	if limit > 0 && len(ans) > limit {
		ans = ans[:limit]
	}

	return ans, nil
}

// All returns the logs of an integration in insertion order.
func (r *SyncLogRepository) All(integrationID string) []models.SyncLog {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ans []models.SyncLog

	for _, l := range r.logs {
		if l.IntegrationID == integrationID {
			ans = append(ans, l)
		}
	}

	return ans
}

type oauthStateRepo struct {
	mu    sync.Mutex
	items map[string]models.OAuthState
}

func NewOAuthStateRepository() models.OAuthStateRepository {
	return &oauthStateRepo{items: make(map[string]models.OAuthState)}
}

func (r *oauthStateRepo) Create(_ context.Context, state *models.OAuthState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *state
	c.Metadata = maps.Clone(state.Metadata)
	r.items[state.State] = c

	return nil
}

func (r *oauthStateRepo) Consume(_ context.Context, state string) (*models.OAuthState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.items[state]
	if !ok {
		return nil, models.ErrNotFound
	}

	delete(r.items, state)

	return &item, nil
}

func (r *oauthStateRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64

	for k, v := range r.items {
		if v.Expired(now) {
			delete(r.items, k)
			n++
		}
	}

	return n, nil
}

// RecordRepository keeps synced provider objects keyed by integration, data
// type and external id.
type RecordRepository struct {
	mu    sync.RWMutex
	items map[string]models.Record
}

func NewRecordRepository() *RecordRepository {
	return &RecordRepository{items: make(map[string]models.Record)}
}

func recordKey(r models.Record) string {
	return r.IntegrationID + "|" + r.DataType + "|" + r.ExternalID
}

func (r *RecordRepository) UpsertBatch(_ context.Context, records []models.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, rec := range records {
		r.items[recordKey(rec)] = rec
	}

	return nil
}

// Count returns the number of stored records of a data type.
func (r *RecordRepository) Count(integrationID, dataType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0

	for _, rec := range r.items {
		if rec.IntegrationID == integrationID && rec.DataType == dataType {
			n++
		}
	}

	return n
}
