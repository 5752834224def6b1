package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sensorsync/internal/domain"
	"sensorsync/internal/infra/tracer"
)

const (
	subsystem       = "datastore"
	maxResponseBody = 4 * 1024 * 1024 // 4 MB

	// DefaultEndpoint is the records table path on the datastore.
	DefaultEndpoint = "/rest/v1/device_data"
)

// Config configures the sync client.
type Config struct {
	BaseURL        string
	Endpoint       string
	APIKey         string
	RequestTimeout time.Duration
	RetryAttempts  int           // extra attempts after the first, 5xx only
	RetryDelay     time.Duration // linear: attempt k waits RetryDelay*k
	Pool           PoolConfig
}

// DefaultConfig returns the stock request and retry settings.
func DefaultConfig() Config {
	return Config{
		Endpoint:       DefaultEndpoint,
		RequestTimeout: 10 * time.Second,
		RetryAttempts:  3,
		RetryDelay:     time.Second,
	}
}

// Client talks to the PostgREST-style records endpoint of the remote datastore.
type Client struct {
	cfg    Config
	http   *http.Client
	bus    domain.EventPublisher
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewClient creates a sync client. bus may be nil.
func NewClient(cfg Config, bus domain.EventPublisher, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Endpoint == "" {
		cfg.Endpoint = def.Endpoint
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if bus == nil {
		bus = domain.NoopPublisher{}
	}
	return &Client{
		cfg:    cfg,
		http:   NewHTTPClient(cfg.RequestTimeout, cfg.Pool, logger),
		bus:    bus,
		logger: logger,
		sleep:  sleepCtx,
	}
}

// recordPayload is the body of a save request.
type recordPayload struct {
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Timestamp  string          `json:"timestamp"`
	Value      json.RawMessage `json:"value"`
}

// retryState is created per SaveSnapshot call so concurrent saves never
// share attempt counts.
type retryState struct {
	attempts int
}

// SaveSnapshot uploads snap and returns the stored record. Only server
// errors (5xx) are retried, with a linearly growing delay.
func (c *Client) SaveSnapshot(ctx context.Context, snap domain.Snapshot) (*domain.StoredRecord, error) {
	const op = "Client.SaveSnapshot"
	ctx, span := tracer.StartSpan(ctx, "datastore.save_snapshot",
		trace.WithAttributes(tracer.PeripheralAttr(snap.PeripheralID)),
	)
	defer span.End()

	body, err := json.Marshal(recordPayload{
		DeviceID:   snap.PeripheralID,
		DeviceName: snap.PeripheralName,
		Timestamp:  formatTimestamp(snap.CapturedAt),
		Value:      snap.Payload(),
	})
	if err != nil {
		derr := domain.NewSubSystemError(subsystem, op, domain.ErrUnexpected, err.Error())
		tracer.RecordError(span, derr)
		return nil, derr
	}

	c.logger.Info("saving snapshot", "op", op, "peripheral", snap.PeripheralID)

	var (
		retry    retryState
		respBody []byte
	)
	for {
		respBody, err = c.do(ctx, http.MethodPost, c.recordsURL(nil), body,
			map[string]string{"Prefer": "return=representation"})
		if err == nil {
			break
		}
		if !domain.IsRetryableError(err) || retry.attempts >= c.cfg.RetryAttempts {
			return nil, c.saveFailed(ctx, span, op, snap.PeripheralID, retry.attempts, err)
		}

		retry.attempts++
		delay := c.cfg.RetryDelay * time.Duration(retry.attempts)
		status := StatusCode(err)
		c.logger.Info("retrying save",
			"op", op,
			"peripheral", snap.PeripheralID,
			"attempt", retry.attempts,
			"delay", delay,
			"status", status,
		)
		c.bus.Publish(ctx, domain.NewEvent(domain.EventSaveRetried, snap.PeripheralID,
			domain.SaveRetriedPayload{Attempt: retry.attempts, Delay: delay, Status: status}))

		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.saveFailed(ctx, span, op, snap.PeripheralID, retry.attempts, mapTransportError(err))
		}
	}

	records, err := decodeRecords(respBody)
	if err != nil {
		return nil, c.saveFailed(ctx, span, op, snap.PeripheralID, retry.attempts, err)
	}
	if len(records) == 0 {
		return nil, c.saveFailed(ctx, span, op, snap.PeripheralID, retry.attempts, domain.ErrNoDataReturned)
	}

	rec := records[0]
	c.logger.Info("snapshot saved", "op", op, "peripheral", snap.PeripheralID, "record", rec.ID, "retries", retry.attempts)
	c.bus.Publish(ctx, domain.NewEvent(domain.EventSnapshotSaved, snap.PeripheralID, nil))
	span.SetAttributes(tracer.IntAttr("datastore.retries", retry.attempts))
	tracer.SetOK(span)
	return &rec, nil
}

func (c *Client) saveFailed(ctx context.Context, span trace.Span, op, peripheral string, retries int, err error) error {
	c.logger.Error("save failed",
		"op", op,
		"peripheral", peripheral,
		"retries", retries,
		"category", Classify(err).String(),
		"error", err,
	)
	c.bus.Publish(ctx, domain.NewEvent(domain.EventSaveFailed, peripheral, nil))
	derr := domain.NewSubSystemError(subsystem, op, err, "")
	tracer.RecordError(span, derr)
	return derr
}

// ListSnapshots returns every stored record, newest first as ordered by the
// server.
func (c *Client) ListSnapshots(ctx context.Context) ([]domain.StoredRecord, error) {
	return c.query(ctx, "Client.ListSnapshots", "", url.Values{
		"select": {"*"},
		"order":  {"timestamp.desc"},
	})
}

// GetSnapshotsForPeripheral returns the stored records of one peripheral,
// newest first as ordered by the server.
func (c *Client) GetSnapshotsForPeripheral(ctx context.Context, peripheralID string) ([]domain.StoredRecord, error) {
	const op = "Client.GetSnapshotsForPeripheral"
	if peripheralID == "" {
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrInvalidInput, "peripheral id is empty")
	}
	return c.query(ctx, op, peripheralID, url.Values{
		"select":    {"*"},
		"device_id": {"eq." + peripheralID},
		"order":     {"timestamp.desc"},
	})
}

func (c *Client) query(ctx context.Context, op, peripheral string, params url.Values) ([]domain.StoredRecord, error) {
	ctx, span := tracer.StartSpan(ctx, "datastore.query",
		trace.WithAttributes(tracer.StringAttr("datastore.op", op)),
	)
	defer span.End()

	c.logger.Info("fetching records", "op", op, "peripheral", peripheral)
	body, err := c.do(ctx, http.MethodGet, c.recordsURL(params), nil, nil)
	if err == nil {
		var records []domain.StoredRecord
		if records, err = decodeRecords(body); err == nil {
			c.logger.Info("records fetched", "op", op, "peripheral", peripheral, "count", len(records))
			span.SetAttributes(tracer.IntAttr("datastore.records", len(records)))
			tracer.SetOK(span)
			return records, nil
		}
	}

	c.logger.Error("fetch failed", "op", op, "peripheral", peripheral, "error", err)
	derr := domain.NewSubSystemError(subsystem, op, err, "")
	tracer.RecordError(span, derr)
	return nil, derr
}

// HealthCheck reports whether the datastore answers a minimal query. It never
// returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	_, err := c.do(ctx, http.MethodGet, c.recordsURL(url.Values{
		"select": {"id"},
		"limit":  {"1"},
	}), nil, nil)
	if err != nil {
		c.logger.Error("datastore health check failed", "op", "Client.HealthCheck", "error", err)
		return false
	}
	return true
}

func (c *Client) recordsURL(params url.Values) string {
	u := c.cfg.BaseURL + c.cfg.Endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u
}

// do performs one request bounded by RequestTimeout and returns the body of a
// 2xx response.
func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", domain.ErrUnexpected, err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapTransportError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, mapTransportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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

// --- wire format ---

// wireRecord is a stored row as returned by the datastore.
type wireRecord struct {
	ID         recordID        `json:"id"`
	DeviceID   string          `json:"device_id"`
	DeviceName string          `json:"device_name"`
	Timestamp  string          `json:"timestamp"`
	Value      json.RawMessage `json:"value"`
	CreatedAt  *string         `json:"created_at,omitempty"`
	UpdatedAt  *string         `json:"updated_at,omitempty"`
}

// recordID accepts a JSON string or number.
type recordID string

func (id *recordID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = recordID(s)
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("record id: %w", err)
		}
		*id = recordID(n.String())
	}
	return nil
}

func decodeRecords(body []byte) ([]domain.StoredRecord, error) {
	var rows []wireRecord
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("%w: decode records: %v", domain.ErrUnexpected, err)
	}

	out := make([]domain.StoredRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toDomain()
		if err != nil {
			return nil, fmt.Errorf("%w: record %s: %v", domain.ErrUnexpected, row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

func (r wireRecord) toDomain() (domain.StoredRecord, error) {
	ts, err := parseTimestamp(r.Timestamp)
	if err != nil {
		return domain.StoredRecord{}, err
	}
	rec := domain.StoredRecord{
		ID:       string(r.ID),
		Snapshot: domain.NewSnapshot(r.DeviceID, r.DeviceName, ts, r.Value),
	}
	if rec.CreatedAt, err = parseOptionalTimestamp(r.CreatedAt); err != nil {
		return domain.StoredRecord{}, err
	}
	if rec.UpdatedAt, err = parseOptionalTimestamp(r.UpdatedAt); err != nil {
		return domain.StoredRecord{}, err
	}
	return rec, nil
}

// formatTimestamp renders t as ISO-8601 UTC with millisecond precision.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// timestampLayouts covers RFC 3339, the timezone-less forms Postgres emits
// for timestamp columns, and bare dates.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	time.DateOnly,
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func parseOptionalTimestamp(s *string) (*time.Time, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	t, err := parseTimestamp(*s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

var _ domain.SnapshotStore = (*Client)(nil)
