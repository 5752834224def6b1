package datastore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorsync/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

// recordingSleep replaces the retry delay so tests run instantly.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
	return nil
}

func (r *recordingSleep) all() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func newTestClient(t *testing.T, srv *httptest.Server) (*Client, *recordingSleep) {
	t.Helper()
	c := NewClient(Config{
		BaseURL:        srv.URL + "/",
		APIKey:         "anon-key",
		RequestTimeout: 2 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     100 * time.Millisecond,
	}, nil, testLogger())
	rs := &recordingSleep{}
	c.sleep = rs.sleep
	return c, rs
}

func testSnapshot() domain.Snapshot {
	return domain.NewSnapshot("aa:01", "SOPH-1",
		time.Date(2026, 3, 1, 12, 0, 0, 500_000_000, time.UTC),
		json.RawMessage(`{"battery_level":80}`))
}

const storedRow = `[{"id":"rec-1","device_id":"aa:01","device_name":"SOPH-1","timestamp":"2026-03-01T12:00:00.5+00:00","value":{"battery_level":80},"created_at":"2026-03-01T12:00:01.123456+00:00"}]`

func TestSaveSnapshot_RequestShape(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultEndpoint, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "anon-key", r.Header.Get("apikey"))
		assert.Equal(t, "Bearer anon-key", r.Header.Get("Authorization"))
		assert.Equal(t, "return=representation", r.Header.Get("Prefer"))

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{
			"device_id": "aa:01",
			"device_name": "SOPH-1",
			"timestamp": "2026-03-01T12:00:00.500Z",
			"value": {"battery_level": 80}
		}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(storedRow))
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	rec, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, "aa:01", rec.PeripheralID)
	assert.JSONEq(t, `{"battery_level":80}`, string(rec.Payload()))
	require.NotNil(t, rec.CreatedAt)
	assert.Nil(t, rec.UpdatedAt)
	assert.Empty(t, rs.all())
}

func TestSaveSnapshot_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(storedRow))
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	rec, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.NoError(t, err)
	assert.Equal(t, "rec-1", rec.ID)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, rs.all())
}

func TestSaveSnapshot_GivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrServer)
	assert.Equal(t, 500, StatusCode(err))
	assert.Equal(t, CategoryTransient, Classify(err))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, rs.all())
}

func TestSaveSnapshot_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"message":"bad column"}`))
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClient)
	assert.NotErrorIs(t, err, domain.ErrServer)
	assert.Equal(t, CategoryPermanent, Classify(err))
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rs.all())
}

func TestSaveSnapshot_EmptyRepresentation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	assert.ErrorIs(t, err, domain.ErrNoDataReturned)
	assert.ErrorIs(t, err, domain.ErrUnexpected)
}

func TestSaveSnapshot_NetworkErrorNotRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c, rs := newTestClient(t, srv)
	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNetwork)
	assert.Equal(t, CategoryPermanent, Classify(err))
	assert.Empty(t, rs.all())
}

func TestSaveSnapshot_RequestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c, _ := newTestClient(t, srv)
	c.cfg.RequestTimeout = 50 * time.Millisecond
	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	assert.ErrorIs(t, err, domain.ErrRequestTimeout)
	assert.ErrorIs(t, err, domain.ErrNetwork)
}

func TestSaveSnapshot_RetryStateIsPerCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Every odd request fails once, so each save needs exactly one retry.
		if calls.Add(1)%2 == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(storedRow))
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	for range 3 {
		_, err := c.SaveSnapshot(context.Background(), testSnapshot())
		require.NoError(t, err)
	}
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 100 * time.Millisecond, 100 * time.Millisecond}, rs.all())
}

func TestSaveSnapshot_PublishesEvents(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(storedRow))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	pub := &capturePublisher{}
	c.bus = pub

	_, err := c.SaveSnapshot(context.Background(), testSnapshot())
	require.NoError(t, err)

	events := pub.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventSaveRetried, events[0].Type)
	var p domain.SaveRetriedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &p))
	assert.Equal(t, 1, p.Attempt)
	assert.Equal(t, http.StatusServiceUnavailable, p.Status)
	assert.Equal(t, domain.EventSnapshotSaved, events[1].Type)
}

func TestListSnapshots_KeepsServerOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		q := r.URL.Query()
		assert.Equal(t, "*", q.Get("select"))
		assert.Equal(t, "timestamp.desc", q.Get("order"))
		assert.Empty(t, q.Get("device_id"))
		// Deliberately ascending: the client must not reorder.
		_, _ = w.Write([]byte(`[
			{"id":1,"device_id":"a","device_name":"SOPH-A","timestamp":"2026-01-01T00:00:00Z","value":null},
			{"id":2,"device_id":"b","device_name":"SOPH-B","timestamp":"2026-01-02T00:00:00Z","value":{"x":1}}
		]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	records, err := c.ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ID)
	assert.Equal(t, "2", records[1].ID)
	assert.True(t, records[0].CapturedAt.Before(records[1].CapturedAt))
}

func TestListSnapshots_DateOnlyTimestamps(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id":1,"device_id":"a","device_name":"SOPH-A","timestamp":"2024-02-01","value":{}},
			{"id":2,"device_id":"b","device_name":"SOPH-B","timestamp":"2024-01-01","value":{}}
		]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	records, err := c.ListSnapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "1", records[0].ID)
	assert.Equal(t, "2", records[1].ID)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), records[0].CapturedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), records[1].CapturedAt)
}

func TestGetSnapshotsForPeripheral(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		q := r.URL.Query()
		assert.Equal(t, "eq.aa:01", q.Get("device_id"))
		assert.Equal(t, "timestamp.desc", q.Get("order"))
		assert.Equal(t, "*", q.Get("select"))
		_, _ = w.Write([]byte(storedRow))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	records, err := c.GetSnapshotsForPeripheral(context.Background(), "aa:01")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SOPH-1", records[0].PeripheralName)

	_, err = c.GetSnapshotsForPeripheral(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Equal(t, int32(1), calls.Load())
}

func TestQuery_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, rs := newTestClient(t, srv)
	_, err := c.ListSnapshots(context.Background())
	assert.ErrorIs(t, err, domain.ErrServer)
	assert.Equal(t, int32(1), calls.Load())
	assert.Empty(t, rs.all())
}

func TestQuery_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not":"an array"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	_, err := c.ListSnapshots(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnexpected)
}

func TestHealthCheck(t *testing.T) {
	var unhealthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "id", q.Get("select"))
		assert.Equal(t, "1", q.Get("limit"))
		if unhealthy.Load() {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c, _ := newTestClient(t, srv)
	assert.True(t, c.HealthCheck(context.Background()))

	unhealthy.Store(true)
	assert.False(t, c.HealthCheck(context.Background()))

	srv.Close()
	assert.False(t, c.HealthCheck(context.Background()))
}

func TestRecordID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`"abc"`, "abc"},
		{`42`, "42"},
		{`null`, ""},
	}
	for _, tt := range tests {
		var id recordID
		require.NoError(t, json.Unmarshal([]byte(tt.in), &id))
		assert.Equal(t, tt.want, string(id))
	}
	var id recordID
	assert.Error(t, json.Unmarshal([]byte(`{}`), &id))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, in := range []string{
		"2026-03-01T12:00:00Z",
		"2026-03-01T13:00:00+01:00",
		"2026-03-01T12:00:00",
		"2026-03-01T12:00:00+00",
		"2026-03-01 12:00:00+00",
		"2026-03-01 12:00:00",
	} {
		got, err := parseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), in)
	}
	_, err := parseTimestamp("yesterday")
	assert.Error(t, err)

	day, err := parseTimestamp("2026-03-01")
	require.NoError(t, err)
	assert.True(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).Equal(day))
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
