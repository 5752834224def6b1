package domain

import (
	"context"
	"encoding/json"
	"slices"
	"time"
)

// LinkState is the lifecycle state of the discovery & connection manager.
type LinkState string

const (
	LinkIdle          LinkState = "idle"
	LinkScanning      LinkState = "scanning"
	LinkConnecting    LinkState = "connecting"
	LinkConnected     LinkState = "connected"
	LinkReading       LinkState = "reading"
	LinkDisconnecting LinkState = "disconnecting"
)

// PowerState reports whether the radio hardware is usable.
type PowerState string

const (
	PowerUnknown      PowerState = "unknown"
	PowerOn           PowerState = "powered_on"
	PowerOff          PowerState = "powered_off"
	PowerUnauthorized PowerState = "unauthorized"
	PowerUnsupported  PowerState = "unsupported"
)

// PeripheralHandle describes a peripheral discovered during a scan session.
// Name and RSSI are nil when the advertisement did not carry them.
type PeripheralHandle struct {
	ID         string   `json:"id"`
	Name       *string  `json:"name"`
	RSSI       *int     `json:"rssi"`
	ServiceIDs []string `json:"service_ids"`
}

// DisplayName returns the advertised name or "" when none was advertised.
func (h PeripheralHandle) DisplayName() string {
	if h.Name == nil {
		return ""
	}
	return *h.Name
}

// Clone returns a deep copy so callers cannot mutate the manager's copy.
func (h PeripheralHandle) Clone() PeripheralHandle {
	out := PeripheralHandle{ID: h.ID, ServiceIDs: slices.Clone(h.ServiceIDs)}
	if h.Name != nil {
		name := *h.Name
		out.Name = &name
	}
	if h.RSSI != nil {
		rssi := *h.RSSI
		out.RSSI = &rssi
	}
	if out.ServiceIDs == nil {
		out.ServiceIDs = []string{}
	}
	return out
}

// ActiveLink is the single connected peripheral owned by the manager.
type ActiveLink struct {
	Handle             PeripheralHandle `json:"handle"`
	ServicesDiscovered bool             `json:"services_discovered"`
}

// Snapshot is one immutable capture of data read from a peripheral.
type Snapshot struct {
	PeripheralID   string
	PeripheralName string
	CapturedAt     time.Time
	payload        json.RawMessage
}

// NewSnapshot builds a Snapshot, copying payload so later mutation of the
// caller's slice cannot change it.
func NewSnapshot(peripheralID, peripheralName string, capturedAt time.Time, payload json.RawMessage) Snapshot {
	return Snapshot{
		PeripheralID:   peripheralID,
		PeripheralName: peripheralName,
		CapturedAt:     capturedAt.UTC(),
		payload:        slices.Clone(payload),
	}
}

// Payload returns a copy of the structured payload.
func (s Snapshot) Payload() json.RawMessage {
	if s.payload == nil {
		return json.RawMessage("null")
	}
	return slices.Clone(s.payload)
}

// StoredRecord is a Snapshot persisted by the remote datastore.
type StoredRecord struct {
	ID string
	Snapshot
	CreatedAt *time.Time
	UpdatedAt *time.Time
}

// Advertisement is a single scan callback from the radio. Duplicate reports of
// the same peripheral are expected; the manager deduplicates by ID.
type Advertisement struct {
	ID         string
	Name       string // "" when not advertised
	RSSI       *int
	ServiceIDs []string
}

// Characteristic identifies a GATT characteristic by its service.
type Characteristic struct {
	ServiceID string
	ID        string
}

// Radio is the port to the platform wireless stack. One Radio backs exactly one
// manager; it supports at most one scan session at a time.
type Radio interface {
	// PowerState reports whether the hardware is usable.
	PowerState(ctx context.Context) (PowerState, error)
	// StartScan begins a match-all, duplicate-suppressed scan and returns once the
	// stack accepted or rejected it. handler may run on any goroutine.
	StartScan(handler func(Advertisement)) error
	// StopScan ends the current scan. Safe when not scanning.
	StopScan() error
	// Connect opens a link to the peripheral with the given ID. Implementations
	// must abandon the attempt when ctx is cancelled.
	Connect(ctx context.Context, id string) (PeripheralConn, error)
	// Close releases the radio.
	Close() error
}

// PeripheralConn is an open link to one peripheral.
type PeripheralConn interface {
	// DiscoverServices enumerates services and characteristics. Reads are only
	// valid after it succeeds.
	DiscoverServices(ctx context.Context) ([]string, error)
	// Characteristics lists characteristics found by DiscoverServices.
	Characteristics() []Characteristic
	ReadCharacteristic(ctx context.Context, c Characteristic) ([]byte, error)
	ReadRSSI(ctx context.Context) (int, error)
	Disconnect() error
}
