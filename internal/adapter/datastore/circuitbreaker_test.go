package datastore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorsync/internal/domain"
)

// stubStore returns err from every call.
type stubStore struct {
	err     error
	calls   int
	healthy bool
}

func (s *stubStore) SaveSnapshot(context.Context, domain.Snapshot) (*domain.StoredRecord, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &domain.StoredRecord{ID: "ok"}, nil
}

func (s *stubStore) ListSnapshots(context.Context) ([]domain.StoredRecord, error) {
	s.calls++
	return []domain.StoredRecord{{ID: "1"}}, s.err
}

func (s *stubStore) GetSnapshotsForPeripheral(context.Context, string) ([]domain.StoredRecord, error) {
	s.calls++
	return nil, s.err
}

func (s *stubStore) HealthCheck(context.Context) bool { return s.healthy }

func TestCircuitBreakerStore_OpensOnServerErrors(t *testing.T) {
	inner := &stubStore{err: fmt.Errorf("save: %w", &StatusError{StatusCode: 503})}
	cb := NewCircuitBreakerStore(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Minute}, testLogger())

	for range 2 {
		_, err := cb.SaveSnapshot(context.Background(), testSnapshot())
		assert.ErrorIs(t, err, domain.ErrServer)
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())

	_, err := cb.SaveSnapshot(context.Background(), testSnapshot())
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.ErrorContains(t, err, "circuit open")
	assert.Equal(t, 2, inner.calls)
}

func TestCircuitBreakerStore_ClientErrorsDoNotTrip(t *testing.T) {
	inner := &stubStore{err: &StatusError{StatusCode: 400}}
	cb := NewCircuitBreakerStore(inner, BreakerConfig{MaxFailures: 1}, testLogger())

	for range 3 {
		_, err := cb.SaveSnapshot(context.Background(), testSnapshot())
		assert.ErrorIs(t, err, domain.ErrClient)
	}
	assert.Equal(t, gobreaker.StateClosed, cb.State())
	assert.Equal(t, 3, inner.calls)
}

func TestCircuitBreakerStore_PassesThrough(t *testing.T) {
	inner := &stubStore{healthy: true}
	cb := NewCircuitBreakerStore(inner, BreakerConfig{}, testLogger())

	rec, err := cb.SaveSnapshot(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "ok", rec.ID)

	records, err := cb.ListSnapshots(context.Background())
	require.NoError(t, err)
	assert.Len(t, records, 1)

	_, err = cb.GetSnapshotsForPeripheral(context.Background(), "aa:01")
	require.NoError(t, err)
	assert.True(t, cb.HealthCheck(context.Background()))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, CategoryUnknown, Classify(nil))
	assert.Equal(t, CategoryTransient, Classify(&StatusError{StatusCode: 502}))
	assert.Equal(t, CategoryPermanent, Classify(&StatusError{StatusCode: 404}))
	assert.Equal(t, CategoryPermanent, Classify(domain.ErrRequestTimeout))
	assert.Equal(t, CategoryPermanent, Classify(domain.ErrNoDataReturned))
	assert.Equal(t, "transient", CategoryTransient.String())
}
