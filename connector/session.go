package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Vector/vector-commerce-sync/models"
)

const (
	DefaultHTTPTimeout = 30 * time.Second
	DefaultMaxPages    = 10000

	// tokens expiring within this window are refreshed before use
	refreshSkew = 5 * time.Minute

	// longest Retry-After a session honors
	maxRetryAfter = DefaultHTTPTimeout

	staleRefreshChecks = 2
	staleRefreshWait   = 250 * time.Millisecond

	maxErrorBody = 64 << 10
)

// SessionConfig holds the provider specific parts of a session.
type SessionConfig struct {
	Provider       string
	RateLimitDelay time.Duration
	// Authorize sets the credentials header of an outgoing request.
	Authorize func(req *http.Request, accessToken string)
	// Refresh obtains a new access token. Nil disables refreshing.
	Refresh  func(ctx context.Context) (string, error)
	MaxPages int
}

// Session is the runtime a connector instance uses to talk to its provider:
// live access tokens, paced requests with 429 and 401 recovery, pagination
// and sync logging. A session serves one sync at a time.
type Session struct {
	env     Env
	binding Binding
	cfg     SessionConfig
	limiter *rate.Limiter
	logger  *zap.Logger

	mu          sync.Mutex
	accessToken string
}

func NewSession(env Env, b Binding, cfg SessionConfig) *Session {
	if env.HTTPClient == nil {
		env.HTTPClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}

	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}

	if cfg.Authorize == nil {
		cfg.Authorize = func(req *http.Request, token string) {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	limit := rate.Inf
	if cfg.RateLimitDelay > 0 {
		limit = rate.Every(cfg.RateLimitDelay)
	}

	logger := env.Logger
	if b.Integration != nil {
		logger = logger.With(zap.String("integration_id", b.Integration.ID))
	}

	return &Session{
		env:     env,
		binding: b,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}
}

func (s *Session) Env() Env {
	return s.env
}

func (s *Session) Binding() Binding {
	return s.binding
}

func (s *Session) Integration() *models.Integration {
	return s.binding.Integration
}

func (s *Session) Logger() *zap.Logger {
	return s.logger
}

func (s *Session) HTTPClient() *http.Client {
	return s.env.HTTPClient
}

func (s *Session) RateLimitDelay() time.Duration {
	return s.cfg.RateLimitDelay
}

func (s *Session) cachedToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accessToken
}

func (s *Session) setAccessToken(token string) {
	s.mu.Lock()
	s.accessToken = token
	s.mu.Unlock()
}

// AccessToken returns the decrypted access token, refreshing it first when
// it expires soon. Tokens without expiry are only refreshed after a 401.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	integration := s.binding.Integration
	if integration == nil {
		return "", ErrNotConnected
	}

	if integration.ExpiresAt != nil && s.cfg.Refresh != nil && time.Until(*integration.ExpiresAt) < refreshSkew {
		return s.refresh(ctx)
	}

	if token := s.cachedToken(); token != "" {
		return token, nil
	}

	token, err := s.env.Vault.Decrypt(integration.AccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s access token: %w", s.cfg.Provider, err)
	}

	s.setAccessToken(token)

	return token, nil
}

// RefreshToken returns the decrypted refresh token, or "" when none is stored.
func (s *Session) RefreshToken() (string, error) {
	integration := s.binding.Integration
	if integration == nil || integration.RefreshToken == "" {
		return "", nil
	}

	token, err := s.env.Vault.Decrypt(integration.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt %s refresh token: %w", s.cfg.Provider, err)
	}

	return token, nil
}

// StoreTokens encrypts and persists a refreshed token pair.
func (s *Session) StoreTokens(ctx context.Context, accessToken, refreshToken string, expiresAt *time.Time) error {
	encAccess, err := s.env.Vault.Encrypt(accessToken)
	if err != nil {
		return err
	}

	var encRefresh string

	if refreshToken != "" {
		encRefresh, err = s.env.Vault.Encrypt(refreshToken)
		if err != nil {
			return err
		}
	}

	if integration := s.binding.Integration; integration != nil {
		if err := s.env.Integrations.UpdateTokens(ctx, integration.ID, encAccess, encRefresh, expiresAt); err != nil {
			return fmt.Errorf("failed to store refreshed tokens: %w", err)
		}

		integration.AccessToken = encAccess
		integration.RefreshToken = encRefresh
		integration.ExpiresAt = expiresAt
	}

	s.setAccessToken(accessToken)

	return nil
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	if s.cfg.Refresh == nil {
		return "", &TokenRefreshError{Provider: s.cfg.Provider, Err: errors.New("provider does not support refresh")}
	}

	token, err := s.cfg.Refresh(ctx)
	if err != nil {
		if token, ok := s.adoptStoredTokens(ctx); ok {
			return token, nil
		}

		s.markExpired(ctx, err)

		var refreshErr *TokenRefreshError
		if !errors.As(err, &refreshErr) {
			err = &TokenRefreshError{Provider: s.cfg.Provider, Err: err}
		}

		return "", err
	}

	s.setAccessToken(token)

	return token, nil
}

// adoptStoredTokens reloads the integration after a failed refresh. Refresh
// tokens rotate on use, so when another sync of the same integration
// redeemed the token first, its stored pair is taken over instead of
// expiring a healthy integration.
func (s *Session) adoptStoredTokens(ctx context.Context) (string, bool) {
	integration := s.binding.Integration
	if integration == nil {
		return "", false
	}

	ctx = context.WithoutCancel(ctx)

	for i := 0; i < staleRefreshChecks; i++ {
		if i > 0 {
			_ = sleep(ctx, staleRefreshWait)
		}

		stored, err := s.env.Integrations.Get(ctx, integration.ID)
		if err != nil {
			s.logger.Warn("failed to reload integration after refresh failure", zap.Error(err))
			return "", false
		}

		if !stored.Active() {
			return "", false
		}

		if stored.AccessToken == integration.AccessToken && stored.RefreshToken == integration.RefreshToken {
			continue
		}

		token, err := s.env.Vault.Decrypt(stored.AccessToken)
		if err != nil {
			s.logger.Warn("failed to decrypt reloaded access token", zap.Error(err))
			return "", false
		}

		integration.AccessToken = stored.AccessToken
		integration.RefreshToken = stored.RefreshToken
		integration.ExpiresAt = stored.ExpiresAt
		s.setAccessToken(token)

		s.logger.Info("refresh token already redeemed, using tokens stored by another sync")

		return token, true
	}

	return "", false
}

func (s *Session) markExpired(ctx context.Context, cause error) {
	integration := s.binding.Integration
	if integration == nil {
		return
	}

	s.logger.Warn("token refresh failed, marking integration expired", zap.Error(cause))

	if err := s.env.Integrations.UpdateStatus(context.WithoutCancel(ctx), integration.ID, models.StatusExpired); err != nil {
		s.logger.Error("failed to mark integration expired", zap.Error(err))
		return
	}

	integration.Status = models.StatusExpired
}

func (s *Session) markError(ctx context.Context) {
	integration := s.binding.Integration
	if integration == nil || integration.Status == models.StatusExpired {
		return
	}

	if err := s.env.Integrations.UpdateStatus(context.WithoutCancel(ctx), integration.ID, models.StatusError); err != nil {
		s.logger.Error("failed to mark integration as errored", zap.Error(err))
		return
	}

	integration.Status = models.StatusError
}

// Do sends an authorized request under the session rate limit. A 429 is
// retried once after Retry-After (or the rate limit delay). A 401 triggers a
// single refresh and retry.
func (s *Session) Do(ctx context.Context, method, rawURL string, body []byte, header http.Header) (*http.Response, error) {
	token, err := s.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var retriedRateLimit, refreshed bool

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, method, rawURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}

		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}

		s.cfg.Authorize(req, token)

		resp, err := s.env.HTTPClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s request failed: %w", s.cfg.Provider, err)
		}

		switch resp.StatusCode {
		case http.StatusTooManyRequests:
			if retriedRateLimit {
				return nil, s.apiError(req, resp, ErrRateLimited)
			}

			retriedRateLimit = true
			wait := retryAfter(resp.Header, s.cfg.RateLimitDelay, time.Now())
			drain(resp)

			s.logger.Info("rate limited, retrying", zap.Duration("wait", wait))

			if err := sleep(ctx, wait); err != nil {
				return nil, err
			}

			continue
		case http.StatusUnauthorized:
			if refreshed || s.cfg.Refresh == nil {
				return nil, s.apiError(req, resp, ErrUnauthorized)
			}

			refreshed = true
			drain(resp)

			token, err = s.refresh(ctx)
			if err != nil {
				return nil, err
			}

			continue
		}

		return resp, nil
	}
}

// GetJSON performs a GET through Do and decodes a 2xx JSON body into out.
func (s *Session) GetJSON(ctx context.Context, rawURL string, header http.Header, out any) (http.Header, error) {
	resp, err := s.Do(ctx, http.MethodGet, rawURL, nil, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, s.apiError(resp.Request, resp, nil)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return nil, fmt.Errorf("failed to decode %s response: %w", s.cfg.Provider, err)
		}
	}

	return resp.Header, nil
}

func (s *Session) apiError(req *http.Request, resp *http.Response, sentinel error) error {
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	apiErr := &APIError{
		Provider:   s.cfg.Provider,
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Err:        sentinel,
	}

	if req != nil {
		apiErr.Method = req.Method
		apiErr.URL = req.URL.Path
	}

	return apiErr
}

// Paginate follows next page URLs with the session page limit.
func (s *Session) Paginate(ctx context.Context, first string, fetch func(ctx context.Context, pageURL string) (string, error)) (int, error) {
	return Paginate(ctx, s.cfg.MaxPages, first, fetch)
}

// Paginate calls fetch for first and then for every returned next cursor
// until the cursor is empty. It gives up with ErrPaginationLimit after
// maxPages pages or when a cursor repeats itself.
func Paginate(ctx context.Context, maxPages int, first string, fetch func(ctx context.Context, cursor string) (string, error)) (int, error) {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	cursor := first
	pages := 0

	for pages < maxPages {
		if err := ctx.Err(); err != nil {
			return pages, err
		}

		next, err := fetch(ctx, cursor)
		pages++

		if err != nil {
			return pages, err
		}

		if next == "" {
			return pages, nil
		}

		if next == cursor {
			return pages, fmt.Errorf("%w: cursor did not advance after %d pages", ErrPaginationLimit, pages)
		}

		cursor = next
	}

	return pages, fmt.Errorf("%w: stopped after %d pages", ErrPaginationLimit, pages)
}

// StoreRecords persists one page of records of a data type.
func (s *Session) StoreRecords(ctx context.Context, dataType string, records []models.Record) error {
	if s.env.Records == nil || len(records) == 0 {
		return nil
	}

	integration := s.binding.Integration
	if integration == nil {
		return ErrNotConnected
	}

	for i := range records {
		records[i].IntegrationID = integration.ID
		records[i].DataType = dataType
	}

	return s.env.Records.UpsertBatch(ctx, records)
}

// DataType is one sync routine. Run receives the watermark (nil for a full
// sync) and returns the number of records processed.
type DataType struct {
	Name string
	Run  func(ctx context.Context, since *time.Time) (int, error)
}

// RunSync runs every data type in order and reports one result each. When
// the sync cannot start (no live token, a panic) the integration is marked
// errored and a single sync_error result is returned.
func (s *Session) RunSync(ctx context.Context, dataTypes []DataType) (results []SyncResult) {
	defer func() {
		if rec := recover(); rec != nil {
			results = s.structuralFailure(ctx, fmt.Errorf("sync panicked: %v", rec))
		}
	}()

	if s.binding.Integration == nil {
		return s.structuralFailure(ctx, ErrNotConnected)
	}

	if _, err := s.AccessToken(ctx); err != nil {
		return s.structuralFailure(ctx, err)
	}

	results = make([]SyncResult, 0, len(dataTypes))

	for _, dt := range dataTypes {
		results = append(results, s.RunDataType(ctx, dt))
	}

	return results
}

func (s *Session) structuralFailure(ctx context.Context, err error) []SyncResult {
	s.logger.Error("sync failed", zap.Error(err))
	s.markError(ctx)

	return []SyncResult{{
		DataType: SyncErrorDataType,
		Status:   models.SyncError,
		Error:    err.Error(),
	}}
}

// RunDataType runs one routine from its watermark and writes exactly one
// sync log row for it.
func (s *Session) RunDataType(ctx context.Context, dt DataType) SyncResult {
	integration := s.binding.Integration
	logger := s.logger.With(zap.String("data_type", dt.Name))
	startedAt := time.Now().UTC()

	var count int

	since, err := s.env.SyncLogs.LastSuccess(ctx, integration.ID, dt.Name)
	if err != nil {
		err = fmt.Errorf("failed to read watermark: %w", err)
	} else {
		count, err = dt.Run(ctx, since)
	}

	status := models.SyncSuccess

	var message string

	if err != nil {
		message = err.Error()
		status = models.SyncError

		if errors.Is(err, ErrPaginationLimit) {
			status = models.SyncPartial
		}
	}

	metadata := map[string]any{"incremental": since != nil}
	if since != nil {
		metadata["since"] = since.UTC().Format(time.RFC3339)
	}

	entry := &models.SyncLog{
		IntegrationID: integration.ID,
		DataType:      dt.Name,
		Status:        status,
		RecordCount:   count,
		ErrorMessage:  message,
		Metadata:      metadata,
		StartedAt:     startedAt,
		CompletedAt:   time.Now().UTC(),
	}

	if err := s.env.SyncLogs.Create(context.WithoutCancel(ctx), entry); err != nil {
		logger.Error("failed to write sync log", zap.Error(err))
	}

	if status == models.SyncSuccess {
		logger.Info("data type synced", zap.Int("records", count))
	} else {
		logger.Warn("data type sync failed", zap.String("status", string(status)), zap.Int("records", count), zap.Error(err))
	}

	return SyncResult{
		DataType:    dt.Name,
		Status:      status,
		RecordCount: count,
		Error:       message,
	}
}

// retryAfter reads Retry-After as seconds or as an HTTP date. The wait never
// exceeds maxRetryAfter; values that cannot be read use fallback.
func retryAfter(h http.Header, fallback time.Duration, now time.Time) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return min(fallback, maxRetryAfter)
	}

	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		switch {
		case math.IsNaN(secs), secs < 0:
			return min(fallback, maxRetryAfter)
		case secs >= maxRetryAfter.Seconds():
			return maxRetryAfter
		default:
			return time.Duration(secs * float64(time.Second))
		}
	}

	if t, err := http.ParseTime(v); err == nil {
		return min(max(t.Sub(now), 0), maxRetryAfter)
	}

	return min(fallback, maxRetryAfter)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	_ = resp.Body.Close()
}
