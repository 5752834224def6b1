package domain

import (
	"context"
	"time"
)

// SnapshotStore is the remote datastore as seen by the rest of the program.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap Snapshot) (*StoredRecord, error)
	ListSnapshots(ctx context.Context) ([]StoredRecord, error)
	GetSnapshotsForPeripheral(ctx context.Context, peripheralID string) ([]StoredRecord, error)
	HealthCheck(ctx context.Context) bool
}

// PendingSnapshot is a snapshot waiting in the outbox for upload.
type PendingSnapshot struct {
	ID       string
	Snapshot Snapshot
	Attempts int
	QueuedAt time.Time
}

// Outbox persists snapshots whose upload failed transiently.
type Outbox interface {
	Enqueue(ctx context.Context, snap Snapshot) (string, error)
	// Pending returns up to limit entries, oldest first.
	Pending(ctx context.Context, limit int) ([]PendingSnapshot, error)
	Delete(ctx context.Context, id string) error
	MarkAttempt(ctx context.Context, id string) error
	Len(ctx context.Context) (int, error)
}
