package outbox

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"sensorsync/internal/domain"
)

// SQLiteStore implements domain.Outbox using SQLite. Entry IDs are ULIDs from
// a monotonic source, so ordering by ID is queue order.
type SQLiteStore struct {
	db *sql.DB

	mu      sync.Mutex
	entropy io.Reader
	now     func() time.Time
}

// NewSQLiteStore opens (or creates) the outbox database at dbPath and runs
// the schema migration. ":memory:" gives a private in-memory queue.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open outbox db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate outbox db: %w", err)
	}
	return &SQLiteStore{
		db:      db,
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_snapshots (
			id          TEXT PRIMARY KEY,
			device_id   TEXT NOT NULL,
			device_name TEXT NOT NULL DEFAULT '',
			captured_at TEXT NOT NULL,
			payload     TEXT NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			queued_at   TEXT NOT NULL
		)
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) newID() (string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), s.entropy).String(), t
}

func (s *SQLiteStore) Enqueue(ctx context.Context, snap domain.Snapshot) (string, error) {
	const op = "SQLiteStore.Enqueue"
	id, now := s.newID()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO pending_snapshots (id, device_id, device_name, captured_at, payload, attempts, queued_at) VALUES (?, ?, ?, ?, ?, 0, ?)",
		id, snap.PeripheralID, snap.PeripheralName,
		snap.CapturedAt.UTC().Format(time.RFC3339Nano), string(snap.Payload()),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", domain.NewSubSystemError("outbox", op, domain.ErrOutbox, err.Error())
	}
	return id, nil
}

func (s *SQLiteStore) Pending(ctx context.Context, limit int) ([]domain.PendingSnapshot, error) {
	const op = "SQLiteStore.Pending"
	if limit <= 0 {
		limit = -1 // no limit
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, device_id, device_name, captured_at, payload, attempts, queued_at FROM pending_snapshots ORDER BY id LIMIT ?",
		limit,
	)
	if err != nil {
		return nil, domain.NewSubSystemError("outbox", op, domain.ErrOutbox, err.Error())
	}
	defer rows.Close()

	var out []domain.PendingSnapshot
	for rows.Next() {
		p, err := scanPending(rows)
		if err != nil {
			return nil, domain.NewSubSystemError("outbox", op, domain.ErrOutbox, err.Error())
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewSubSystemError("outbox", op, domain.ErrOutbox, err.Error())
	}
	return out, nil
}

func scanPending(rows *sql.Rows) (domain.PendingSnapshot, error) {
	var (
		p                          domain.PendingSnapshot
		deviceID, deviceName       string
		capturedStr, payload, qStr string
	)
	if err := rows.Scan(&p.ID, &deviceID, &deviceName, &capturedStr, &payload, &p.Attempts, &qStr); err != nil {
		return p, err
	}
	captured, err := time.Parse(time.RFC3339Nano, capturedStr)
	if err != nil {
		return p, fmt.Errorf("parse captured_at of %s: %w", p.ID, err)
	}
	if p.QueuedAt, err = time.Parse(time.RFC3339Nano, qStr); err != nil {
		return p, fmt.Errorf("parse queued_at of %s: %w", p.ID, err)
	}
	p.Snapshot = domain.NewSnapshot(deviceID, deviceName, captured, []byte(payload))
	return p, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	return s.affectOne(ctx, "SQLiteStore.Delete", id, "DELETE FROM pending_snapshots WHERE id = ?", id)
}

func (s *SQLiteStore) MarkAttempt(ctx context.Context, id string) error {
	return s.affectOne(ctx, "SQLiteStore.MarkAttempt", id, "UPDATE pending_snapshots SET attempts = attempts + 1 WHERE id = ?", id)
}

func (s *SQLiteStore) affectOne(ctx context.Context, op, id, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.NewSubSystemError("outbox", op, domain.ErrOutbox, err.Error())
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("outbox", op, domain.ErrOutboxNotFound, id)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM pending_snapshots").Scan(&n); err != nil {
		return 0, domain.NewSubSystemError("outbox", "SQLiteStore.Len", domain.ErrOutbox, err.Error())
	}
	return n, nil
}

var _ domain.Outbox = (*SQLiteStore)(nil)
