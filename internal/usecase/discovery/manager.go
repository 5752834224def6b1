package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"sensorsync/internal/domain"
	"sensorsync/internal/infra/tracer"
)

const subsystem = "radio"

// Config bounds every radio operation the manager performs.
type Config struct {
	ScanTimeout       time.Duration
	ConnectTimeout    time.Duration // applies to connect and to service discovery
	ReadTimeout       time.Duration // per characteristic read
	DisconnectTimeout time.Duration // bounds teardown I/O
}

// DefaultConfig returns the stock timeouts.
func DefaultConfig() Config {
	return Config{
		ScanTimeout:       10 * time.Second,
		ConnectTimeout:    5 * time.Second,
		ReadTimeout:       3 * time.Second,
		DisconnectTimeout: 3 * time.Second,
	}
}

// Authorization reports whether the radio may be used.
type Authorization interface {
	Granted(ctx context.Context) bool
}

type link struct {
	active domain.ActiveLink
	conn   domain.PeripheralConn
}

// Manager owns the radio: it scans for peripherals, keeps at most one active
// link and reads snapshots from it. All methods are safe for concurrent use;
// Scan, Connect, ReadSnapshot, Disconnect and Cleanup are serialized.
type Manager struct {
	radio  domain.Radio
	gate   Authorization
	cfg    Config
	bus    domain.EventPublisher
	logger *slog.Logger
	now    func() time.Time

	lifecycle sync.Mutex

	mu    sync.Mutex
	state domain.LinkState
	ready bool
	scan  *ScanSession
	link  *link
	known map[string]domain.PeripheralHandle
}

// NewManager creates a manager over radio. gate may be nil when the host
// needs no runtime authorization; bus may be nil.
func NewManager(radio domain.Radio, gate Authorization, cfg Config, bus domain.EventPublisher, logger *slog.Logger) *Manager {
	if bus == nil {
		bus = domain.NoopPublisher{}
	}
	def := DefaultConfig()
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = def.DisconnectTimeout
	}
	return &Manager{
		radio:  radio,
		gate:   gate,
		cfg:    cfg,
		bus:    bus,
		logger: logger,
		now:    time.Now,
		state:  domain.LinkIdle,
		known:  make(map[string]domain.PeripheralHandle),
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() domain.LinkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ActiveLink returns a copy of the active link, if any.
func (m *Manager) ActiveLink() (domain.ActiveLink, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.link == nil {
		return domain.ActiveLink{}, false
	}
	out := m.link.active
	out.Handle = out.Handle.Clone()
	return out, true
}

// Initialize checks that the radio is powered and authorized. It reports false
// without error when the radio is off or authorization is denied, and fails
// with ErrInitialization only when the power query itself fails.
func (m *Manager) Initialize(ctx context.Context) (bool, error) {
	const op = "Manager.Initialize"
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	power, err := m.radio.PowerState(ctx)
	if err != nil {
		m.logger.Error("radio power query failed", "op", op, "error", err)
		return false, domain.NewSubSystemError(subsystem, op, domain.ErrInitialization, err.Error())
	}
	if power != domain.PowerOn {
		m.logger.Warn("radio not powered on", "op", op, "power", string(power))
		return false, nil
	}
	if m.gate != nil && !m.gate.Granted(ctx) {
		m.logger.Warn("radio authorization denied", "op", op)
		return false, nil
	}

	m.mu.Lock()
	m.ready = true
	m.mu.Unlock()
	m.logger.Info("radio initialized", "op", op)
	return true, nil
}

// Scan starts a scan session reporting peripherals whose advertised name
// starts with prefix (case-sensitive). Any previous session is stopped first.
// onFound is called once per peripheral ID, in discovery order, never
// concurrently. The session ends after ScanTimeout, on StopScan, or when ctx
// is cancelled.
func (m *Manager) Scan(ctx context.Context, prefix string, onFound func(domain.PeripheralHandle)) (*ScanSession, error) {
	const op = "Manager.Scan"
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.requireReady(op); err != nil {
		return nil, err
	}
	m.StopScan()

	sctx, cancel := context.WithTimeout(ctx, m.cfg.ScanTimeout)
	s := &ScanSession{
		m:       m,
		prefix:  prefix,
		onFound: onFound,
		ctx:     sctx,
		cancel:  cancel,
		seen:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}

	if sctx.Err() != nil {
		// Zero timeout or a dead context: nothing can be found.
		s.finish(false)
		return s, nil
	}

	if err := m.radio.StartScan(s.handle); err != nil {
		s.abort()
		m.logger.Error("scan start failed", "op", op, "prefix", prefix, "error", err)
		return nil, domain.NewSubSystemError(subsystem, op, domain.ErrScanStart, err.Error())
	}

	m.mu.Lock()
	m.scan = s
	m.setStateLocked(domain.LinkScanning)
	m.mu.Unlock()
	m.logger.Info("scan started", "op", op, "prefix", prefix, "timeout", m.cfg.ScanTimeout)

	go func() {
		<-sctx.Done()
		s.finish(true)
	}()
	return s, nil
}

// StopScan ends the current scan session, if any. It never fails.
func (m *Manager) StopScan() {
	m.mu.Lock()
	s := m.scan
	m.mu.Unlock()
	if s != nil {
		s.finish(true)
	}
}

// Connect opens a link to the peripheral with the given ID, replacing any
// existing link. The link is installed only after services are discovered.
func (m *Manager) Connect(ctx context.Context, id string) (domain.ActiveLink, error) {
	const op = "Manager.Connect"
	ctx, span := tracer.StartSpan(ctx, "discovery.connect",
		trace.WithAttributes(tracer.PeripheralAttr(id)),
	)
	defer span.End()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if err := m.requireReady(op); err != nil {
		tracer.RecordError(span, err)
		return domain.ActiveLink{}, err
	}
	m.StopScan()
	m.disconnectLocked()

	m.setState(domain.LinkConnecting)
	m.logger.Info("connecting", "op", op, "peripheral", id)

	conn, err := race(ctx, m.cfg.ConnectTimeout, func(c context.Context) (domain.PeripheralConn, error) {
		return m.radio.Connect(c, id)
	}, func(late domain.PeripheralConn) {
		m.logger.Warn("releasing connection that completed after timeout", "op", op, "peripheral", id)
		m.teardown(late, id)
	})
	if err != nil {
		m.setState(domain.LinkIdle)
		derr := m.connectError(op, id, err)
		tracer.RecordError(span, derr)
		return domain.ActiveLink{}, derr
	}

	services, err := race(ctx, m.cfg.ConnectTimeout, conn.DiscoverServices, nil)
	if err != nil {
		m.teardown(conn, id)
		m.setState(domain.LinkIdle)
		derr := m.connectError(op, id, err)
		tracer.RecordError(span, derr)
		return domain.ActiveLink{}, derr
	}

	m.mu.Lock()
	handle, ok := m.known[id]
	if !ok {
		handle = domain.PeripheralHandle{ID: id}
	}
	handle = handle.Clone()
	handle.ServiceIDs = slices.Clone(services)
	if handle.ServiceIDs == nil {
		handle.ServiceIDs = []string{}
	}
	m.link = &link{
		active: domain.ActiveLink{Handle: handle, ServicesDiscovered: true},
		conn:   conn,
	}
	m.setStateLocked(domain.LinkConnected)
	out := m.link.active
	out.Handle = out.Handle.Clone()
	m.mu.Unlock()

	m.logger.Info("connected", "op", op, "peripheral", id, "services", len(services))
	span.SetAttributes(tracer.IntAttr("peripheral.services", len(services)))
	tracer.SetOK(span)
	return out, nil
}

func (m *Manager) connectError(op, id string, err error) error {
	sentinel := domain.ErrConnection
	if errors.Is(err, domain.ErrTimeout) {
		sentinel = domain.ErrConnectionTimeout
	}
	m.logger.Error("connect failed", "op", op, "peripheral", id, "error", err)
	return domain.NewSubSystemError(subsystem, op, sentinel, id+": "+err.Error())
}

// ReadSnapshot reads a snapshot from the connected peripheral with the given
// ID. It fails with ErrNotConnected when no link to id exists.
func (m *Manager) ReadSnapshot(ctx context.Context, id string) (domain.Snapshot, error) {
	const op = "Manager.ReadSnapshot"
	ctx, span := tracer.StartSpan(ctx, "discovery.read_snapshot",
		trace.WithAttributes(tracer.PeripheralAttr(id)),
	)
	defer span.End()

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.mu.Lock()
	l := m.link
	if l == nil || l.active.Handle.ID != id {
		m.mu.Unlock()
		err := domain.NewSubSystemError(subsystem, op, domain.ErrNotConnected, id)
		m.logger.Warn("read on unconnected peripheral", "op", op, "peripheral", id)
		tracer.RecordError(span, err)
		return domain.Snapshot{}, err
	}
	m.setStateLocked(domain.LinkReading)
	handle := l.active.Handle.Clone()
	m.mu.Unlock()

	defer m.setState(domain.LinkConnected)

	payload, err := m.collect(ctx, l.conn, handle)
	if err != nil {
		m.logger.Error("read failed", "op", op, "peripheral", id, "error", err)
		derr := domain.NewSubSystemError(subsystem, op, domain.ErrRead, id+": "+err.Error())
		tracer.RecordError(span, derr)
		return domain.Snapshot{}, derr
	}

	snap := domain.NewSnapshot(handle.ID, handle.DisplayName(), m.now(), payload)
	m.bus.Publish(ctx, domain.NewEvent(domain.EventSnapshotRead, id, nil))
	m.logger.Info("snapshot read", "op", op, "peripheral", id, "bytes", len(payload))
	tracer.SetOK(span)
	return snap, nil
}

func (m *Manager) collect(ctx context.Context, conn domain.PeripheralConn, handle domain.PeripheralHandle) (json.RawMessage, error) {
	r := reading{ServiceCount: len(handle.ServiceIDs), ServiceIDs: handle.ServiceIDs}

	rssi, err := race(ctx, m.cfg.ReadTimeout, conn.ReadRSSI, nil)
	if err != nil {
		return nil, err
	}
	r.RSSI = &rssi

	for _, c := range conn.Characteristics() {
		switch shortUUID(c.ID) {
		case charBatteryLevel:
			data, err := m.readChar(ctx, conn, c)
			if err != nil {
				return nil, err
			}
			v, err := decodeBattery(data)
			if err != nil {
				return nil, err
			}
			r.BatteryLevel = &v
		case charTemperature:
			data, err := m.readChar(ctx, conn, c)
			if err != nil {
				return nil, err
			}
			v, err := decodeTemperature(data)
			if err != nil {
				return nil, err
			}
			r.Temperature = &v
		case charHumidity:
			data, err := m.readChar(ctx, conn, c)
			if err != nil {
				return nil, err
			}
			v, err := decodeHumidity(data)
			if err != nil {
				return nil, err
			}
			r.Humidity = &v
		}
	}

	return json.Marshal(r)
}

func (m *Manager) readChar(ctx context.Context, conn domain.PeripheralConn, c domain.Characteristic) ([]byte, error) {
	return race(ctx, m.cfg.ReadTimeout, func(rc context.Context) ([]byte, error) {
		return conn.ReadCharacteristic(rc, c)
	}, nil)
}

// Disconnect drops the active link, if any. It is idempotent and never fails;
// teardown errors are logged.
func (m *Manager) Disconnect() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()
	m.disconnectLocked()
}

// disconnectLocked requires m.lifecycle.
func (m *Manager) disconnectLocked() {
	m.mu.Lock()
	l := m.link
	if l == nil {
		m.setStateLocked(m.restingStateLocked())
		m.mu.Unlock()
		return
	}
	m.link = nil
	m.setStateLocked(domain.LinkDisconnecting)
	m.mu.Unlock()

	id := l.active.Handle.ID
	m.teardown(l.conn, id)
	m.logger.Info("disconnected", "op", "Manager.Disconnect", "peripheral", id)

	m.mu.Lock()
	m.setStateLocked(m.restingStateLocked())
	m.mu.Unlock()
}

// teardown disconnects conn, giving up after DisconnectTimeout.
func (m *Manager) teardown(conn domain.PeripheralConn, id string) {
	done := make(chan error, 1)
	go func() { done <- conn.Disconnect() }()

	timer := time.NewTimer(m.cfg.DisconnectTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			m.logger.Warn("disconnect failed", "peripheral", id, "error", err)
		}
	case <-timer.C:
		m.logger.Warn("disconnect timed out", "peripheral", id, "timeout", m.cfg.DisconnectTimeout)
	}
}

// Cleanup stops scanning, drops the link and releases the radio. The manager
// must be initialized again before further use.
func (m *Manager) Cleanup() {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.StopScan()
	m.disconnectLocked()
	if err := m.radio.Close(); err != nil {
		m.logger.Warn("radio close failed", "error", err)
	}

	m.mu.Lock()
	m.ready = false
	m.setStateLocked(domain.LinkIdle)
	m.mu.Unlock()
}

func (m *Manager) requireReady(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		return domain.NewSubSystemError(subsystem, op, domain.ErrInitialization, "not initialized")
	}
	return nil
}

func (m *Manager) setState(to domain.LinkState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setStateLocked(to)
}

// setStateLocked requires m.mu. Events are published under the lock so
// subscribers see transitions in order.
func (m *Manager) setStateLocked(to domain.LinkState) {
	from := m.state
	if from == to {
		return
	}
	m.state = to
	subject := ""
	if m.link != nil {
		subject = m.link.active.Handle.ID
	}
	m.bus.Publish(context.Background(), domain.NewEvent(domain.EventLinkStateChanged, subject,
		domain.LinkStatePayload{From: from, To: to}))
}

func (m *Manager) restingStateLocked() domain.LinkState {
	switch {
	case m.link != nil:
		return domain.LinkConnected
	case m.scan != nil:
		return domain.LinkScanning
	default:
		return domain.LinkIdle
	}
}

// ScanSession is one running scan.
type ScanSession struct {
	m       *Manager
	prefix  string
	onFound func(domain.PeripheralHandle)
	ctx     context.Context
	cancel  context.CancelFunc

	cbMu    sync.Mutex // serializes onFound
	mu      sync.Mutex
	seen    map[string]struct{}
	found   []domain.PeripheralHandle
	stopped bool

	once sync.Once
	done chan struct{}
}

// Done is closed when the session has ended.
func (s *ScanSession) Done() <-chan struct{} { return s.done }

// Found returns the peripherals reported so far, in discovery order.
func (s *ScanSession) Found() []domain.PeripheralHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.PeripheralHandle, len(s.found))
	for i, h := range s.found {
		out[i] = h.Clone()
	}
	return out
}

func (s *ScanSession) handle(adv domain.Advertisement) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	if adv.Name == "" || !strings.HasPrefix(adv.Name, s.prefix) {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[adv.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[adv.ID] = struct{}{}

	name := adv.Name
	h := domain.PeripheralHandle{ID: adv.ID, Name: &name, ServiceIDs: slices.Clone(adv.ServiceIDs)}
	if adv.RSSI != nil {
		rssi := *adv.RSSI
		h.RSSI = &rssi
	}
	h = h.Clone()
	s.found = append(s.found, h)
	s.mu.Unlock()

	m := s.m
	m.mu.Lock()
	m.known[h.ID] = h.Clone()
	m.mu.Unlock()

	m.logger.Debug("peripheral found", "peripheral", h.ID, "name", name)
	m.bus.Publish(s.ctx, domain.NewEvent(domain.EventPeripheralFound, h.ID, h))
	if s.onFound != nil {
		s.onFound(h.Clone())
	}
}

// finish ends the session once. stopRadio is false when the radio scan was
// never started.
func (s *ScanSession) finish(stopRadio bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		found := len(s.found)
		s.mu.Unlock()
		s.cancel()

		m := s.m
		if stopRadio {
			if err := m.radio.StopScan(); err != nil {
				m.logger.Warn("radio stop scan failed", "error", err)
			}
		}

		m.mu.Lock()
		if m.scan == s {
			m.scan = nil
		}
		m.setStateLocked(m.restingStateLocked())
		m.mu.Unlock()

		m.logger.Info("scan completed", "found", found)
		m.bus.Publish(context.Background(), domain.NewEvent(domain.EventScanCompleted, "",
			domain.ScanCompletedPayload{Found: found}))
		close(s.done)
	})
}

// abort ends a session whose radio scan failed to start.
func (s *ScanSession) abort() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cancel()
		close(s.done)
	})
}
