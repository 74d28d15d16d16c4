// Package integrations drives the OAuth lifecycle and the synchronization of
// connected provider accounts.
package integrations

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Vector/vector-commerce-sync/connector"
	"github.com/Vector/vector-commerce-sync/distlock"
	"github.com/Vector/vector-commerce-sync/models"
	"github.com/Vector/vector-commerce-sync/pkg/encryption"
	"github.com/Vector/vector-commerce-sync/tlmt"
	"github.com/Vector/vector-commerce-sync/tlmt/gonoop"
)

const (
	// DefaultStateTTL bounds the time between connect and callback.
	DefaultStateTTL = 10 * time.Minute
	// DefaultSyncConcurrency caps SyncUserIntegrations fan-out.
	DefaultSyncConcurrency = 4
	// RecentLogLimit is the number of sync logs in a status view.
	RecentLogLimit = 10
)

type Config struct {
	Registry     *connector.Registry
	Vault        *encryption.Vault
	Integrations models.IntegrationRepository
	SyncLogs     models.SyncLogRepository
	States       models.OAuthStateRepository
}

type Option func(*Service)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithTelemetry(t tlmt.Telemetry) Option {
	return func(s *Service) {
		if t != nil {
			s.telemetry = t
		}
	}
}

func WithStateTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.stateTTL = ttl
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDispatcher sets how TriggerSync runs syncs. The default runs them in
// a goroutine of this process.
func WithDispatcher(d Dispatcher) Option {
	return func(s *Service) {
		s.dispatcher = d
	}
}

// WithLocker sets the lock that keeps two syncs of one integration apart.
// The default only excludes syncs within this process.
func WithLocker(l distlock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

func WithSyncConcurrency(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// Service is the connector orchestrator.
type Service struct {
	registry     *connector.Registry
	vault        *encryption.Vault
	integrations models.IntegrationRepository
	syncLogs     models.SyncLogRepository
	states       models.OAuthStateRepository

	dispatcher  Dispatcher
	locker      distlock.Locker
	telemetry   tlmt.Telemetry
	logger      *zap.Logger
	stateTTL    time.Duration
	concurrency int
	now         func() time.Time
}

func New(cfg Config, opts ...Option) *Service {
	s := &Service{
		registry:     cfg.Registry,
		vault:        cfg.Vault,
		integrations: cfg.Integrations,
		syncLogs:     cfg.SyncLogs,
		states:       cfg.States,
		locker:       distlock.NewMemoryLocker(),
		telemetry:    gonoop.New(),
		logger:       zap.NewNop(),
		stateTTL:     DefaultStateTTL,
		concurrency:  DefaultSyncConcurrency,
		now:          time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.dispatcher == nil {
		s.dispatcher = NewGoroutineDispatcher(s, s.logger)
	}

	return s
}

// Registry returns the connector registry the service resolves providers with.
func (s *Service) Registry() *connector.Registry {
	return s.registry
}

// Supports reports whether provider has a registered connector.
func (s *Service) Supports(provider string) bool {
	return s.registry.Has(provider)
}

func (s *Service) Dispatcher() Dispatcher {
	return s.dispatcher
}

func (s *Service) track(ctx context.Context, userID, name string, props map[string]any) {
	if err := s.telemetry.Send(ctx, tlmt.NewEvent(userID, name, props)); err != nil {
		s.logger.Debug("telemetry send failed", zap.String("event", name), zap.Error(err))
	}
}
