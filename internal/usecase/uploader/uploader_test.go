package uploader

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorsync/internal/adapter/outbox"
	"sensorsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

// fakeStore answers saves from a script of errors; nil means success.
type fakeStore struct {
	mu      sync.Mutex
	script  []error
	saved   []domain.Snapshot
	healthy bool
}

func (f *fakeStore) SaveSnapshot(_ context.Context, snap domain.Snapshot) (*domain.StoredRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if len(f.script) > 0 {
		err, f.script = f.script[0], f.script[1:]
	}
	if err != nil {
		return nil, err
	}
	f.saved = append(f.saved, snap)
	return &domain.StoredRecord{ID: fmt.Sprintf("rec-%d", len(f.saved)), Snapshot: snap}, nil
}

func (f *fakeStore) ListSnapshots(context.Context) ([]domain.StoredRecord, error) { return nil, nil }

func (f *fakeStore) GetSnapshotsForPeripheral(context.Context, string) ([]domain.StoredRecord, error) {
	return nil, nil
}

func (f *fakeStore) HealthCheck(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy
}

func (f *fakeStore) savedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for _, s := range f.saved {
		ids = append(ids, s.PeripheralID)
	}
	return ids
}

func serverErr() error  { return fmt.Errorf("save: %w", domain.ErrServer) }
func networkErr() error { return fmt.Errorf("save: %w", domain.ErrNetwork) }
func clientErr() error  { return fmt.Errorf("save: %w", domain.ErrClient) }

func snap(id string) domain.Snapshot {
	return domain.NewSnapshot(id, "SOPH-"+id, time.Now(), json.RawMessage(`{}`))
}

func newOutbox(t *testing.T) *outbox.SQLiteStore {
	t.Helper()
	ob, err := outbox.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { ob.Close() })
	return ob
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.FlushRate = 1000
	return cfg
}

func TestUpload_Success(t *testing.T) {
	store := &fakeStore{}
	svc := New(store, newOutbox(t), fastConfig(), nil, testLogger())

	rec, queued, err := svc.Upload(context.Background(), snap("a"))
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, "rec-1", rec.ID)
}

func TestUpload_QueuesTransientFailures(t *testing.T) {
	for name, fail := range map[string]error{"server": serverErr(), "network": networkErr()} {
		t.Run(name, func(t *testing.T) {
			ob := newOutbox(t)
			svc := New(&fakeStore{script: []error{fail}}, ob, fastConfig(), nil, testLogger())

			rec, queued, err := svc.Upload(context.Background(), snap("a"))
			require.NoError(t, err)
			assert.True(t, queued)
			assert.Nil(t, rec)

			n, err := ob.Len(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 1, n)
		})
	}
}

func TestUpload_ClientErrorNotQueued(t *testing.T) {
	ob := newOutbox(t)
	svc := New(&fakeStore{script: []error{clientErr()}}, ob, fastConfig(), nil, testLogger())

	_, queued, err := svc.Upload(context.Background(), snap("a"))
	assert.ErrorIs(t, err, domain.ErrClient)
	assert.False(t, queued)

	n, err := ob.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpload_NoOutbox(t *testing.T) {
	svc := New(&fakeStore{script: []error{serverErr()}}, nil, fastConfig(), nil, testLogger())
	_, queued, err := svc.Upload(context.Background(), snap("a"))
	assert.ErrorIs(t, err, domain.ErrServer)
	assert.False(t, queued)
}

func enqueue(t *testing.T, ob domain.Outbox, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := ob.Enqueue(context.Background(), snap(id))
		require.NoError(t, err)
	}
}

func TestFlush_FIFOAndDeletesUploaded(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b", "c")
	store := &fakeStore{healthy: true}
	svc := New(store, ob, fastConfig(), nil, testLogger())

	n, err := svc.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a", "b", "c"}, store.savedIDs())

	left, err := ob.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestFlush_StopsAtFirstTransientFailure(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b", "c")
	store := &fakeStore{healthy: true, script: []error{nil, serverErr()}}
	svc := New(store, ob, fastConfig(), nil, testLogger())

	n, err := svc.Flush(context.Background())
	assert.ErrorIs(t, err, domain.ErrServer)
	assert.Equal(t, 1, n)

	pending, err := ob.Pending(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "b", pending[0].Snapshot.PeripheralID)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, "c", pending[1].Snapshot.PeripheralID)
}

func TestFlush_DropsRejectedEntries(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b")
	store := &fakeStore{healthy: true, script: []error{clientErr()}}
	svc := New(store, ob, fastConfig(), nil, testLogger())

	n, err := svc.Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, store.savedIDs())

	left, err := ob.Len(context.Background())
	require.NoError(t, err)
	assert.Zero(t, left)
}

func TestFlush_SkipsWhenUnhealthy(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a")
	store := &fakeStore{healthy: false}
	svc := New(store, ob, fastConfig(), nil, testLogger())

	n, err := svc.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, store.savedIDs())

	left, err := ob.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, left)
}

func TestFlush_PublishesSummary(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b")
	pub := &capturePublisher{}
	svc := New(&fakeStore{healthy: true}, ob, fastConfig(), pub, testLogger())

	_, err := svc.Flush(context.Background())
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventOutboxFlushed, events[0].Type)
	var p domain.FlushPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, domain.FlushPayload{Uploaded: 2, Remaining: 0}, p)
}

func TestFlush_RespectsContext(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a", "b", "c")
	cfg := DefaultConfig()
	cfg.FlushRate = 0.5 // one token up front, then one per two seconds
	store := &fakeStore{healthy: true}
	svc := New(store, ob, cfg, nil, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	n, err := svc.Flush(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
}

func TestStartRunsScheduledFlush(t *testing.T) {
	ob := newOutbox(t)
	enqueue(t, ob, "a")
	store := &fakeStore{healthy: true}
	cfg := fastConfig()
	cfg.FlushSchedule = "20ms"
	svc := New(store, ob, cfg, nil, testLogger())

	require.NoError(t, svc.Start(context.Background()))
	defer svc.Stop()

	require.Eventually(t, func() bool {
		n, err := ob.Len(context.Background())
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"a"}, store.savedIDs())
}

func TestStartWithoutOutbox(t *testing.T) {
	svc := New(&fakeStore{}, nil, fastConfig(), nil, testLogger())
	require.NoError(t, svc.Start(context.Background()))
	svc.Stop()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePublisher) Publish(_ context.Context, ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) all() []domain.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Event(nil), p.events...)
}
