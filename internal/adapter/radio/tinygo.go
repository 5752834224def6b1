//go:build edge

package radio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"

	"sensorsync/internal/domain"
)

// scanStartGrace is how long StartScan waits for the stack to reject a scan.
// tinygo's Adapter.Scan blocks for the whole scan, so a start failure can
// only be observed as an early return.
const scanStartGrace = 250 * time.Millisecond

// scanHandoffGrace bounds how long StartScan waits for a stopped scan to
// return from Adapter.Scan.
const scanHandoffGrace = 2 * time.Second

// wellKnownServices are probed on stacks that hand out parsed advertisements
// instead of raw bytes.
var wellKnownServices = []bluetooth.UUID{
	bluetooth.New16BitUUID(0x180F), // battery
	bluetooth.New16BitUUID(0x181A), // environmental sensing
	bluetooth.New16BitUUID(0x180A), // device information
	bluetooth.New16BitUUID(0x1809), // health thermometer
}

// TinyGoRadio drives the host Bluetooth adapter through tinygo.org/x/bluetooth.
type TinyGoRadio struct {
	adapter *bluetooth.Adapter
	logger  *slog.Logger

	scan scanSlot

	mu      sync.Mutex
	enabled bool
	seen    map[string]scanEntry
}

type scanEntry struct {
	addr bluetooth.Address
	rssi int
}

// NewTinyGoRadio wraps the default adapter.
func NewTinyGoRadio(logger *slog.Logger) (*TinyGoRadio, error) {
	return &TinyGoRadio{
		adapter: bluetooth.DefaultAdapter,
		logger:  logger,
		seen:    make(map[string]scanEntry),
	}, nil
}

func (r *TinyGoRadio) PowerState(_ context.Context) (domain.PowerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enabled {
		return domain.PowerOn, nil
	}
	if err := r.adapter.Enable(); err != nil {
		return domain.PowerUnknown, fmt.Errorf("enable adapter: %w", err)
	}
	r.enabled = true
	return domain.PowerOn, nil
}

func (r *TinyGoRadio) StartScan(handler func(domain.Advertisement)) error {
	release, err := r.scan.acquire(scanHandoffGrace)
	if err != nil {
		return err
	}

	errc := make(chan error, 1)
	go func() {
		defer release()
		errc <- r.adapter.Scan(func(_ *bluetooth.Adapter, res bluetooth.ScanResult) {
			id := res.Address.String()
			rssi := int(res.RSSI)
			r.mu.Lock()
			r.seen[id] = scanEntry{addr: res.Address, rssi: rssi}
			r.mu.Unlock()
			handler(domain.Advertisement{
				ID:         id,
				Name:       res.LocalName(),
				RSSI:       &rssi,
				ServiceIDs: advertisedServices(res),
			})
		})
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("start scan: %w", err)
		}
		return nil
	case <-time.After(scanStartGrace):
		return nil
	}
}

// advertisedServices reads the service UUID lists from the raw payload, or
// probes the well-known services when the stack only exposes parsed fields.
func advertisedServices(res bluetooth.ScanResult) []string {
	if raw := res.Bytes(); len(raw) > 0 {
		return parseAdvertisedServices(raw)
	}
	var out []string
	for _, u := range wellKnownServices {
		if res.HasServiceUUID(u) {
			out = append(out, u.String())
		}
	}
	return out
}

// StopScan asks the stack to stop; the slot is released once Adapter.Scan
// returns, and StartScan waits for that.
func (r *TinyGoRadio) StopScan() error {
	if !r.scan.active() {
		return nil
	}
	return r.adapter.StopScan()
}

// Connect only reaches peripherals seen by a scan on this radio, since the
// address type is learned from the advertisement. The underlying call cannot
// be abandoned; ctx cancellation is left to the caller's race.
func (r *TinyGoRadio) Connect(_ context.Context, id string) (domain.PeripheralConn, error) {
	r.mu.Lock()
	entry, ok := r.seen[id]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("peripheral %s has not been seen by a scan", id)
	}

	dev, err := r.adapter.Connect(entry.addr, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", id, err)
	}
	return &tinyGoConn{id: id, dev: dev, rssi: entry.rssi}, nil
}

func (r *TinyGoRadio) Close() error {
	return r.StopScan()
}

type tinyGoConn struct {
	id   string
	dev  bluetooth.Device
	rssi int

	mu    sync.Mutex
	chars map[domain.Characteristic]bluetooth.DeviceCharacteristic
	order []domain.Characteristic
}

func (c *tinyGoConn) DiscoverServices(_ context.Context) ([]string, error) {
	services, err := c.dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("discover services: %w", err)
	}

	chars := make(map[domain.Characteristic]bluetooth.DeviceCharacteristic)
	var order []domain.Characteristic
	ids := make([]string, 0, len(services))
	for _, svc := range services {
		sid := svc.UUID().String()
		ids = append(ids, sid)
		found, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("discover characteristics of %s: %w", sid, err)
		}
		for _, ch := range found {
			key := domain.Characteristic{ServiceID: sid, ID: ch.UUID().String()}
			chars[key] = ch
			order = append(order, key)
		}
	}

	c.mu.Lock()
	c.chars, c.order = chars, order
	c.mu.Unlock()
	return ids, nil
}

func (c *tinyGoConn) Characteristics() []domain.Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Characteristic(nil), c.order...)
}

func (c *tinyGoConn) ReadCharacteristic(_ context.Context, key domain.Characteristic) ([]byte, error) {
	c.mu.Lock()
	ch, ok := c.chars[key]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("characteristic %s/%s not discovered", key.ServiceID, key.ID)
	}

	buf := make([]byte, 512)
	n, err := ch.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key.ID, err)
	}
	return buf[:n], nil
}

// ReadRSSI reports the strength of the advertisement that led to this link;
// the library exposes no live RSSI for central connections.
func (c *tinyGoConn) ReadRSSI(_ context.Context) (int, error) {
	return c.rssi, nil
}

func (c *tinyGoConn) Disconnect() error {
	return c.dev.Disconnect()
}

var _ domain.Radio = (*TinyGoRadio)(nil)
