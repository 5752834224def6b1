package radio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sensorsync/internal/domain"
)

var batteryChar = domain.Characteristic{ServiceID: "180f", ID: "2a19"}

func TestSimRadio_ScanReplaysAdvertisements(t *testing.T) {
	r := NewSimRadio()
	r.SetAdvertInterval(time.Millisecond)
	r.AddPeripheral(SimPeripheral{ID: "aa:01", Name: "SOPH-1", RSSI: -40, Renames: []string{"SOPH-1b"}})
	r.AddAdvertisement(domain.Advertisement{ID: "bb:02"})

	var (
		mu  sync.Mutex
		got []domain.Advertisement
	)
	require.NoError(t, r.StartScan(func(adv domain.Advertisement) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, adv)
	}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 4
	}, time.Second, time.Millisecond)
	require.NoError(t, r.StopScan())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "SOPH-1", got[0].Name)
	assert.Equal(t, got[0], got[1])
	assert.Equal(t, "SOPH-1b", got[2].Name)
	assert.Equal(t, "bb:02", got[3].ID)
}

func TestSimRadio_ScanErrors(t *testing.T) {
	r := NewSimRadio()
	require.NoError(t, r.StartScan(func(domain.Advertisement) {}))
	assert.Error(t, r.StartScan(func(domain.Advertisement) {}))
	require.NoError(t, r.StopScan())
	require.NoError(t, r.StopScan())

	r.SetScanError(errors.New("busy"))
	assert.EqualError(t, r.StartScan(func(domain.Advertisement) {}), "busy")
}

func TestSimRadio_ConnectReadDisconnect(t *testing.T) {
	r := NewSimRadio()
	r.AddPeripheral(SimPeripheral{
		ID:              "aa:01",
		RSSI:            -50,
		ServiceIDs:      []string{"180f"},
		Characteristics: map[domain.Characteristic][]byte{batteryChar: {42}},
	})
	ctx := context.Background()

	_, err := r.Connect(ctx, "missing")
	assert.Error(t, err)

	conn, err := r.Connect(ctx, "aa:01")
	require.NoError(t, err)
	assert.Equal(t, 1, r.Stats().Open)

	_, err = conn.ReadCharacteristic(ctx, batteryChar)
	assert.Error(t, err, "reads before discovery must fail")
	assert.Empty(t, conn.Characteristics())

	services, err := conn.DiscoverServices(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"180f"}, services)
	assert.Equal(t, []domain.Characteristic{batteryChar}, conn.Characteristics())

	data, err := conn.ReadCharacteristic(ctx, batteryChar)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, data)

	rssi, err := conn.ReadRSSI(ctx)
	require.NoError(t, err)
	assert.Equal(t, -50, rssi)

	require.NoError(t, conn.Disconnect())
	assert.Error(t, conn.Disconnect())
	assert.Equal(t, 0, r.Stats().Open)
	assert.Equal(t, 1, r.Stats().Disconnects)
}

func TestSimRadio_ConnectHonoursContext(t *testing.T) {
	r := NewSimRadio()
	r.AddPeripheral(SimPeripheral{ID: "aa:01", ConnectDelay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := r.Connect(ctx, "aa:01")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, r.Stats().Open)
}

func TestSimRadio_Close(t *testing.T) {
	r := NewSimRadio()
	require.NoError(t, r.Close())
	_, err := r.PowerState(context.Background())
	assert.Error(t, err)
	assert.Error(t, r.StartScan(func(domain.Advertisement) {}))
}
