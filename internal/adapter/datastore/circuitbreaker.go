package datastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"sensorsync/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a probe is allowed.
	Timeout time.Duration
	// Interval clears failure counts while closed. 0 uses the default.
	Interval time.Duration
}

// CircuitBreakerStore wraps a SnapshotStore so that a datastore that keeps
// failing is not hammered: after MaxFailures consecutive server or network
// failures calls fail fast until Timeout elapses. Rejected (4xx) requests do
// not count as failures.
type CircuitBreakerStore struct {
	inner   domain.SnapshotStore
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewCircuitBreakerStore wraps inner with a circuit breaker.
func NewCircuitBreakerStore(inner domain.SnapshotStore, cfg BreakerConfig, logger *slog.Logger) *CircuitBreakerStore {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "datastore",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !(errors.Is(err, domain.ErrServer) || errors.Is(err, domain.ErrNetwork))
		},
	})

	return &CircuitBreakerStore{inner: inner, breaker: cb, logger: logger}
}

func (s *CircuitBreakerStore) SaveSnapshot(ctx context.Context, snap domain.Snapshot) (*domain.StoredRecord, error) {
	v, err := s.breaker.Execute(func() (any, error) {
		return s.inner.SaveSnapshot(ctx, snap)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return v.(*domain.StoredRecord), nil
}

func (s *CircuitBreakerStore) ListSnapshots(ctx context.Context) ([]domain.StoredRecord, error) {
	v, err := s.breaker.Execute(func() (any, error) {
		return s.inner.ListSnapshots(ctx)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return v.([]domain.StoredRecord), nil
}

func (s *CircuitBreakerStore) GetSnapshotsForPeripheral(ctx context.Context, peripheralID string) ([]domain.StoredRecord, error) {
	v, err := s.breaker.Execute(func() (any, error) {
		return s.inner.GetSnapshotsForPeripheral(ctx, peripheralID)
	})
	if err != nil {
		return nil, breakerError(err)
	}
	return v.([]domain.StoredRecord), nil
}

// HealthCheck bypasses the breaker so a recovered datastore is noticed.
func (s *CircuitBreakerStore) HealthCheck(ctx context.Context) bool {
	return s.inner.HealthCheck(ctx)
}

// State returns the current circuit breaker state for monitoring.
func (s *CircuitBreakerStore) State() gobreaker.State {
	return s.breaker.State()
}

func breakerError(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: datastore circuit open: %v", domain.ErrNetwork, err)
	}
	return err
}

var _ domain.SnapshotStore = (*CircuitBreakerStore)(nil)
