package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sensorsync/internal/domain"
	"sensorsync/internal/usecase/scheduling"
)

const flushJob = "outbox_flush"

// Config tunes queueing and background flushing.
type Config struct {
	FlushSchedule string        // cron expression or duration; "" disables the background flush
	FlushTimeout  time.Duration // bounds one background flush
	FlushBatch    int           // entries per flush
	FlushRate     float64       // uploads per second while flushing
	FlushBurst    int
}

// DefaultConfig returns the stock flush settings.
func DefaultConfig() Config {
	return Config{
		FlushSchedule: "@every 1m",
		FlushTimeout:  2 * time.Minute,
		FlushBatch:    50,
		FlushRate:     2,
		FlushBurst:    1,
	}
}

// Service uploads snapshots, parking those that fail for server or network
// reasons in the outbox and re-sending them later.
type Service struct {
	store   domain.SnapshotStore
	outbox  domain.Outbox
	cfg     Config
	limiter *rate.Limiter
	sched   *scheduling.Scheduler
	bus     domain.EventPublisher
	logger  *slog.Logger

	flushMu sync.Mutex
}

// New creates an upload service. outbox may be nil, in which case failures
// are returned to the caller unqueued. bus may be nil.
func New(store domain.SnapshotStore, outbox domain.Outbox, cfg Config, bus domain.EventPublisher, logger *slog.Logger) *Service {
	def := DefaultConfig()
	if cfg.FlushBatch <= 0 {
		cfg.FlushBatch = def.FlushBatch
	}
	if cfg.FlushRate <= 0 {
		cfg.FlushRate = def.FlushRate
	}
	if cfg.FlushBurst <= 0 {
		cfg.FlushBurst = def.FlushBurst
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if bus == nil {
		bus = domain.NoopPublisher{}
	}
	return &Service{
		store:   store,
		outbox:  outbox,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.FlushRate), cfg.FlushBurst),
		sched:   scheduling.NewScheduler(logger),
		bus:     bus,
		logger:  logger,
	}
}

// queueable reports whether a failed save should be retried later.
func queueable(err error) bool {
	return errors.Is(err, domain.ErrServer) || errors.Is(err, domain.ErrNetwork)
}

// Upload saves snap. If the save fails for server or network reasons and an
// outbox is configured, the snapshot is queued and Upload reports queued=true
// with a nil error. Rejected requests are returned as errors.
func (s *Service) Upload(ctx context.Context, snap domain.Snapshot) (rec *domain.StoredRecord, queued bool, err error) {
	const op = "Service.Upload"

	rec, err = s.store.SaveSnapshot(ctx, snap)
	if err == nil {
		return rec, false, nil
	}
	if s.outbox == nil || !queueable(err) {
		return nil, false, err
	}

	id, qerr := s.outbox.Enqueue(ctx, snap)
	if qerr != nil {
		s.logger.Error("could not queue snapshot", "op", op, "peripheral", snap.PeripheralID, "error", qerr)
		return nil, false, errors.Join(err, qerr)
	}

	s.logger.Warn("snapshot queued for later upload",
		"op", op,
		"peripheral", snap.PeripheralID,
		"entry", id,
		"error", err,
	)
	s.bus.Publish(ctx, domain.NewEvent(domain.EventSnapshotQueued, snap.PeripheralID, nil))
	return nil, true, nil
}

// Flush re-sends queued snapshots oldest first. It does nothing when the
// datastore fails its health check or another flush is running. An entry is
// deleted only after it was saved; a server or network failure ends the
// flush, while an entry the datastore rejects is dropped.
func (s *Service) Flush(ctx context.Context) (int, error) {
	const op = "Service.Flush"
	if s.outbox == nil {
		return 0, nil
	}
	if !s.flushMu.TryLock() {
		s.logger.Debug("flush already running", "op", op)
		return 0, nil
	}
	defer s.flushMu.Unlock()

	pending, err := s.outbox.Pending(ctx, s.cfg.FlushBatch)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if !s.store.HealthCheck(ctx) {
		s.logger.Info("datastore unhealthy, flush postponed", "op", op, "pending", len(pending))
		return 0, nil
	}

	uploaded := 0
	var flushErr error
	for _, p := range pending {
		if err := s.limiter.Wait(ctx); err != nil {
			flushErr = err
			break
		}

		_, err := s.store.SaveSnapshot(ctx, p.Snapshot)
		if err != nil {
			if queueable(err) {
				if merr := s.outbox.MarkAttempt(ctx, p.ID); merr != nil {
					s.logger.Warn("could not record attempt", "op", op, "entry", p.ID, "error", merr)
				}
				flushErr = fmt.Errorf("flush entry %s: %w", p.ID, err)
				break
			}
			s.logger.Error("dropping snapshot rejected by datastore",
				"op", op,
				"entry", p.ID,
				"peripheral", p.Snapshot.PeripheralID,
				"attempts", p.Attempts+1,
				"error", err,
			)
		} else {
			uploaded++
		}

		if derr := s.outbox.Delete(ctx, p.ID); derr != nil {
			flushErr = derr
			break
		}
	}

	remaining, lerr := s.outbox.Len(ctx)
	if lerr != nil {
		remaining = -1
	}
	s.logger.Info("outbox flushed", "op", op, "uploaded", uploaded, "remaining", remaining)
	s.bus.Publish(ctx, domain.NewEvent(domain.EventOutboxFlushed, "",
		domain.FlushPayload{Uploaded: uploaded, Remaining: remaining}))
	return uploaded, flushErr
}

// Start schedules background flushes. It is a no-op without an outbox or a
// flush schedule.
func (s *Service) Start(ctx context.Context) error {
	if s.outbox == nil || s.cfg.FlushSchedule == "" {
		return nil
	}
	err := s.sched.Add(scheduling.Job{
		Name:     flushJob,
		Schedule: s.cfg.FlushSchedule,
		Timeout:  s.cfg.FlushTimeout,
		Run: func(ctx context.Context) error {
			_, err := s.Flush(ctx)
			return err
		},
	})
	if err != nil {
		return err
	}
	s.sched.Start(ctx)
	return nil
}

// Stop halts background flushing and waits for a running flush to return.
func (s *Service) Stop() {
	s.sched.Stop()
}
