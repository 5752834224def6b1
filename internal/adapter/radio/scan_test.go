package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanSlot_WaitsForStoppingScan(t *testing.T) {
	var slot scanSlot
	release, err := slot.acquire(time.Second)
	require.NoError(t, err)
	assert.True(t, slot.active())

	// The previous scan goroutine returns shortly after being stopped.
	go func() {
		time.Sleep(20 * time.Millisecond)
		release()
	}()

	release2, err := slot.acquire(time.Second)
	require.NoError(t, err)
	assert.True(t, slot.active())
	release2()
	assert.False(t, slot.active())
}

func TestScanSlot_BusyAfterGrace(t *testing.T) {
	var slot scanSlot
	release, err := slot.acquire(time.Second)
	require.NoError(t, err)
	defer release()

	start := time.Now()
	_, err = slot.acquire(30 * time.Millisecond)
	assert.ErrorIs(t, err, errScanBusy)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestScanSlot_ReleaseTwice(t *testing.T) {
	var slot scanSlot
	release, err := slot.acquire(time.Second)
	require.NoError(t, err)
	release()
	release()
	assert.False(t, slot.active())

	_, err = slot.acquire(0)
	assert.NoError(t, err)
}

func TestParseAdvertisedServices(t *testing.T) {
	raw := []byte{
		0x02, 0x01, 0x06, // flags
		0x05, 0x03, 0x0f, 0x18, 0x1a, 0x18, // complete 16-bit: 180f, 181a
		0x11, 0x07, // complete 128-bit
		0xfb, 0x34, 0x9b, 0x5f, 0x80, 0x00, 0x00, 0x80,
		0x00, 0x10, 0x00, 0x00, 0x0a, 0x18, 0x00, 0x00,
		0x05, 0x09, 'S', 'O', 'P', 'H', // local name
	}
	assert.Equal(t, []string{
		"0000180f-0000-1000-8000-00805f9b34fb",
		"0000181a-0000-1000-8000-00805f9b34fb",
		"0000180a-0000-1000-8000-00805f9b34fb",
	}, parseAdvertisedServices(raw))
}

func TestParseAdvertisedServices_32Bit(t *testing.T) {
	raw := []byte{0x05, 0x05, 0x78, 0x56, 0x34, 0x12}
	assert.Equal(t, []string{"12345678-0000-1000-8000-00805f9b34fb"}, parseAdvertisedServices(raw))
}

func TestParseAdvertisedServices_Malformed(t *testing.T) {
	assert.Empty(t, parseAdvertisedServices(nil))
	// Length byte runs past the end.
	assert.Empty(t, parseAdvertisedServices([]byte{0x09, 0x03, 0x0f}))
	// Odd trailing byte in a 16-bit list is dropped.
	assert.Equal(t, []string{"0000180f-0000-1000-8000-00805f9b34fb"},
		parseAdvertisedServices([]byte{0x04, 0x03, 0x0f, 0x18, 0xff}))
}
