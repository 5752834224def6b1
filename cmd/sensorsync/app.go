package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"sensorsync/internal/adapter/datastore"
	"sensorsync/internal/adapter/outbox"
	"sensorsync/internal/adapter/radio"
	"sensorsync/internal/domain"
	"sensorsync/internal/infra/config"
	"sensorsync/internal/infra/logger"
	"sensorsync/internal/infra/metrics"
	"sensorsync/internal/infra/tracer"
	"sensorsync/internal/usecase/capability"
	"sensorsync/internal/usecase/discovery"
	"sensorsync/internal/usecase/eventbus"
	"sensorsync/internal/usecase/uploader"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	bus      *eventbus.Bus
	metrics  *metrics.Collector
	radio    domain.Radio
	gate     *capability.Gate
	manager  *discovery.Manager
	store    domain.SnapshotStore // nil when sync.base_url is unset
	outbox   *outbox.SQLiteStore  // nil when the outbox is disabled
	uploader *uploader.Service

	closers []func() error
}

// withApp loads the config, lets tweak adjust it, builds the app, runs fn and
// tears everything down. tweak may be nil.
func withApp(ctx context.Context, cfgPath string, tweak func(*config.Config) error, fn func(*app) error) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return domain.NewSubSystemError("config", "Load", domain.ErrConfigLoad, err.Error())
	}
	if tweak != nil {
		if err := tweak(cfg); err != nil {
			return err
		}
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(a)
}

func newApp(cfg *config.Config, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	// 1. Event bus and metrics
	a.bus = eventbus.New(log)
	a.closers = append(a.closers, func() error { a.bus.Close(); return nil })
	a.metrics = metrics.New()
	a.metrics.WatchDropped(a.bus.Dropped)
	a.metrics.Attach(a.bus)

	// 2. Radio, authorization and the connection manager
	r, err := newRadio(cfg.Radio, log)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("radio: %w", err)
	}
	a.radio = r
	a.gate = newGate(cfg.Capability, log)
	a.manager = discovery.NewManager(r, a.gate, discovery.Config{
		ScanTimeout:       cfg.Radio.ScanTimeout,
		ConnectTimeout:    cfg.Radio.ConnectTimeout,
		ReadTimeout:       cfg.Radio.ReadTimeout,
		DisconnectTimeout: cfg.Radio.DisconnectTimeout,
	}, a.bus, log)
	a.closers = append(a.closers, func() error { a.manager.Cleanup(); return nil })

	// 3. Datastore
	if cfg.Sync.BaseURL != "" {
		a.store = newStore(cfg.Sync, a.bus, log)
	}

	// 4. Outbox and uploader
	if cfg.Outbox.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Outbox.Path), 0o700); err != nil {
			a.close()
			return nil, fmt.Errorf("outbox dir: %w", err)
		}
		ob, err := outbox.NewSQLiteStore(cfg.Outbox.Path)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("outbox: %w", err)
		}
		a.outbox = ob
		a.closers = append(a.closers, ob.Close)
	}
	if a.store != nil {
		var ob domain.Outbox
		if a.outbox != nil {
			ob = a.outbox
		}
		a.uploader = uploader.New(a.store, ob, uploader.Config{
			FlushSchedule: cfg.Outbox.FlushSchedule,
			FlushTimeout:  cfg.Outbox.FlushTimeout,
			FlushBatch:    cfg.Outbox.Batch,
			FlushRate:     cfg.Outbox.FlushRate,
			FlushBurst:    cfg.Outbox.FlushBurst,
		}, a.bus, log)
		a.closers = append(a.closers, func() error { a.uploader.Stop(); return nil })
	}

	log.Debug("components wired",
		"radio", cfg.Radio.Backend,
		"datastore", a.store != nil,
		"outbox", a.outbox != nil,
	)
	return a, nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// requireUploader fails when no datastore is configured.
func (a *app) requireUploader() error {
	if a.uploader == nil {
		return domain.NewSubSystemError("config", "requireUploader", domain.ErrConfigLoad,
			"sync.base_url is not set (SENSORSYNC_SYNC_BASE_URL)")
	}
	return nil
}

func newRadio(cfg config.RadioConfig, log *slog.Logger) (domain.Radio, error) {
	switch cfg.Backend {
	case "tinygo":
		r, err := radio.NewTinyGoRadio(log)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return newSimRadio(cfg.Simulated)
	}
}

// newSimRadio builds a simulated radio serving the configured devices.
func newSimRadio(devices []config.SimulatedDeviceConfig) (*radio.SimRadio, error) {
	r := radio.NewSimRadio()
	for _, d := range devices {
		p := radio.SimPeripheral{
			ID:              d.ID,
			Name:            d.Name,
			RSSI:            d.RSSI,
			ServiceIDs:      d.Services,
			Characteristics: make(map[domain.Characteristic][]byte, len(d.Characteristics)),
		}
		for _, c := range d.Characteristics {
			v, err := hex.DecodeString(c.Value)
			if err != nil {
				return nil, fmt.Errorf("device %s characteristic %s: %w", d.ID, c.UUID, err)
			}
			p.Characteristics[domain.Characteristic{ServiceID: c.Service, ID: c.UUID}] = v
		}
		r.AddPeripheral(p)
	}
	return r, nil
}

func newGate(cfg config.CapabilityConfig, log *slog.Logger) *capability.Gate {
	scopes := make([]domain.Scope, 0, len(cfg.Granted))
	for _, s := range cfg.Granted {
		scopes = append(scopes, domain.Scope(s))
	}
	return capability.NewGate(domain.Platform(cfg.Platform), cfg.OSVersion, cfg.Threshold,
		capability.NewStaticAuthorizer(scopes...), log)
}

func newStore(cfg config.SyncConfig, bus domain.EventPublisher, log *slog.Logger) domain.SnapshotStore {
	client := datastore.NewClient(datastore.Config{
		BaseURL:        cfg.BaseURL,
		Endpoint:       cfg.Endpoint,
		APIKey:         cfg.APIKey,
		RequestTimeout: cfg.RequestTimeout,
		RetryAttempts:  cfg.RetryAttempts,
		RetryDelay:     cfg.RetryDelay,
		Pool: datastore.PoolConfig{
			MaxIdleConns:        cfg.Pool.MaxIdleConns,
			MaxIdleConnsPerHost: cfg.Pool.MaxIdleConnsPerHost,
			IdleConnTimeout:     cfg.Pool.IdleConnTimeout,
		},
	}, bus, log)
	if !cfg.CircuitBreaker.Enabled {
		return client
	}
	return datastore.NewCircuitBreakerStore(client, datastore.BreakerConfig{
		MaxFailures: uint32(cfg.CircuitBreaker.MaxFailures),
		Timeout:     cfg.CircuitBreaker.Timeout,
		Interval:    cfg.CircuitBreaker.Interval,
	}, log)
}
