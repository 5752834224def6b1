package radio

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"sensorsync/internal/domain"
)

// SimPeripheral describes a peripheral served by SimRadio.
type SimPeripheral struct {
	ID              string
	Name            string // "" = advertises no name
	RSSI            int
	ServiceIDs      []string
	Characteristics map[domain.Characteristic][]byte

	// Renames lists names advertised after the first advertisement, modelling
	// peripherals whose advertised name changes mid-session.
	Renames []string

	ConnectDelay time.Duration
	// ConnectIgnoresCancel makes Connect finish after ConnectDelay even when
	// its context is cancelled, like stacks whose connect call cannot be
	// abandoned.
	ConnectIgnoresCancel bool
	ConnectErr           error
	DiscoverErr          error
	DiscoverDelay        time.Duration
	ReadErr              error
	ReadDelay            time.Duration
	DisconnectErr        error
}

// SimStats counts radio calls for assertions.
type SimStats struct {
	ScanStarts  int
	ScanStops   int
	Connects    int
	Disconnects int
	Open        int // links currently open
}

// SimRadio is an in-memory domain.Radio. Every scan replays the configured
// peripherals' advertisements, each reported twice so duplicate suppression is
// exercised, spaced by the advert interval.
type SimRadio struct {
	mu          sync.Mutex
	power       domain.PowerState
	powerErr    error
	scanErr     error
	interval    time.Duration
	peripherals []*SimPeripheral
	extra       []domain.Advertisement
	scanStop    chan struct{}
	open        map[string]*simConn
	closed      bool
	stats       SimStats
}

// NewSimRadio creates a powered-on simulated radio.
func NewSimRadio() *SimRadio {
	return &SimRadio{
		power:    domain.PowerOn,
		interval: 5 * time.Millisecond,
		open:     make(map[string]*simConn),
	}
}

// AddPeripheral registers a discoverable peripheral.
func (r *SimRadio) AddPeripheral(p SimPeripheral) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := p
	cp.ServiceIDs = slices.Clone(p.ServiceIDs)
	r.peripherals = append(r.peripherals, &cp)
}

// AddAdvertisement injects a raw advertisement replayed after the peripherals'.
func (r *SimRadio) AddAdvertisement(adv domain.Advertisement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.extra = append(r.extra, adv)
}

// SetPower sets what PowerState reports.
func (r *SimRadio) SetPower(state domain.PowerState, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.power, r.powerErr = state, err
}

// SetScanError makes StartScan fail with err.
func (r *SimRadio) SetScanError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scanErr = err
}

// SetAdvertInterval sets the pause between replayed advertisements.
func (r *SimRadio) SetAdvertInterval(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.interval = d
}

// Stats returns a copy of the call counters.
func (r *SimRadio) Stats() SimStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.Open = len(r.open)
	return s
}

func (r *SimRadio) PowerState(_ context.Context) (domain.PowerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return domain.PowerUnknown, fmt.Errorf("radio closed")
	}
	return r.power, r.powerErr
}

func (r *SimRadio) StartScan(handler func(domain.Advertisement)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return fmt.Errorf("radio closed")
	}
	if r.scanErr != nil {
		return r.scanErr
	}
	if r.scanStop != nil {
		return fmt.Errorf("scan already in progress")
	}
	r.stats.ScanStarts++

	adverts := r.advertisementsLocked()
	stop := make(chan struct{})
	r.scanStop = stop
	interval := r.interval

	go func() {
		for _, adv := range adverts {
			select {
			case <-stop:
				return
			default:
			}
			handler(adv)
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}()
	return nil
}

func (r *SimRadio) advertisementsLocked() []domain.Advertisement {
	var out []domain.Advertisement
	for _, p := range r.peripherals {
		rssi := p.RSSI
		adv := domain.Advertisement{ID: p.ID, Name: p.Name, RSSI: &rssi, ServiceIDs: slices.Clone(p.ServiceIDs)}
		out = append(out, adv, adv)
		for _, name := range p.Renames {
			renamed := adv
			renamed.Name = name
			out = append(out, renamed)
		}
	}
	return append(out, r.extra...)
}

func (r *SimRadio) StopScan() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanStop != nil {
		close(r.scanStop)
		r.scanStop = nil
		r.stats.ScanStops++
	}
	return nil
}

func (r *SimRadio) Connect(ctx context.Context, id string) (domain.PeripheralConn, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("radio closed")
	}
	r.stats.Connects++
	p := r.find(id)
	r.mu.Unlock()

	if p == nil {
		return nil, fmt.Errorf("peripheral %s not found", id)
	}
	if p.ConnectIgnoresCancel {
		time.Sleep(p.ConnectDelay)
	} else if err := sleepCtx(ctx, p.ConnectDelay); err != nil {
		return nil, err
	}
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.open[id]; ok {
		return nil, fmt.Errorf("peripheral %s already connected", id)
	}
	c := &simConn{radio: r, p: p}
	r.open[id] = c
	return c, nil
}

func (r *SimRadio) find(id string) *SimPeripheral {
	for _, p := range r.peripherals {
		if p.ID == id {
			return p
		}
	}
	return nil
}

func (r *SimRadio) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.scanStop != nil {
		close(r.scanStop)
		r.scanStop = nil
	}
	r.closed = true
	return nil
}

type simConn struct {
	radio      *SimRadio
	p          *SimPeripheral
	mu         sync.Mutex
	discovered bool
	closed     bool
}

func (c *simConn) DiscoverServices(ctx context.Context) ([]string, error) {
	if err := sleepCtx(ctx, c.p.DiscoverDelay); err != nil {
		return nil, err
	}
	if c.p.DiscoverErr != nil {
		return nil, c.p.DiscoverErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discovered = true
	return slices.Clone(c.p.ServiceIDs), nil
}

func (c *simConn) Characteristics() []domain.Characteristic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.discovered {
		return nil
	}
	out := make([]domain.Characteristic, 0, len(c.p.Characteristics))
	for ch := range c.p.Characteristics {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceID != out[j].ServiceID {
			return out[i].ServiceID < out[j].ServiceID
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (c *simConn) ReadCharacteristic(ctx context.Context, ch domain.Characteristic) ([]byte, error) {
	if err := sleepCtx(ctx, c.p.ReadDelay); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, fmt.Errorf("peripheral %s not connected", c.p.ID)
	}
	if !c.discovered {
		return nil, fmt.Errorf("services not discovered")
	}
	if c.p.ReadErr != nil {
		return nil, c.p.ReadErr
	}
	data, ok := c.p.Characteristics[ch]
	if !ok {
		return nil, fmt.Errorf("characteristic %s/%s not found", ch.ServiceID, ch.ID)
	}
	return slices.Clone(data), nil
}

func (c *simConn) ReadRSSI(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, fmt.Errorf("peripheral %s not connected", c.p.ID)
	}
	return c.p.RSSI, nil
}

func (c *simConn) Disconnect() error {
	c.mu.Lock()
	already := c.closed
	c.closed = true
	c.mu.Unlock()
	if already {
		return fmt.Errorf("peripheral %s not connected", c.p.ID)
	}

	c.radio.mu.Lock()
	delete(c.radio.open, c.p.ID)
	c.radio.stats.Disconnects++
	c.radio.mu.Unlock()
	return c.p.DisconnectErr
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

var _ domain.Radio = (*SimRadio)(nil)
