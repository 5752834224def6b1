package radio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"
)

var errScanBusy = errors.New("scan already in progress")

// scanSlot admits one scan at a time. A scan that was asked to stop keeps
// the slot until its goroutine returns, so a new scan waits for the handoff.
type scanSlot struct {
	mu   sync.Mutex
	done chan struct{} // nil when idle
}

// acquire claims the slot, waiting up to grace for a stopping scan to
// release it. The returned release func is safe to call more than once.
func (s *scanSlot) acquire(grace time.Duration) (func(), error) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	for {
		s.mu.Lock()
		if s.done == nil {
			done := make(chan struct{})
			s.done = done
			s.mu.Unlock()

			var once sync.Once
			return func() {
				once.Do(func() {
					s.mu.Lock()
					s.done = nil
					s.mu.Unlock()
					close(done)
				})
			}, nil
		}
		prev := s.done
		s.mu.Unlock()

		select {
		case <-prev:
		case <-timer.C:
			return nil, errScanBusy
		}
	}
}

func (s *scanSlot) active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done != nil
}

// Advertising data types carrying service UUID lists.
const (
	adIncomplete16  = 0x02
	adComplete16    = 0x03
	adIncomplete32  = 0x04
	adComplete32    = 0x05
	adIncomplete128 = 0x06
	adComplete128   = 0x07
)

// parseAdvertisedServices extracts service UUIDs from raw advertising data
// in the lowercase 128-bit form used for discovered services. Malformed
// trailing structures are ignored.
func parseAdvertisedServices(raw []byte) []string {
	var out []string
	for len(raw) > 0 {
		n := int(raw[0])
		if n == 0 || n >= len(raw) {
			break
		}
		typ, data := raw[1], raw[2:n+1]
		raw = raw[n+1:]

		switch typ {
		case adIncomplete16, adComplete16:
			for ; len(data) >= 2; data = data[2:] {
				out = append(out, uuidFrom32(uint32(binary.LittleEndian.Uint16(data))))
			}
		case adIncomplete32, adComplete32:
			for ; len(data) >= 4; data = data[4:] {
				out = append(out, uuidFrom32(binary.LittleEndian.Uint32(data)))
			}
		case adIncomplete128, adComplete128:
			for ; len(data) >= 16; data = data[16:] {
				out = append(out, uuidFrom128LE(data[:16]))
			}
		}
	}
	return out
}

// uuidFrom32 expands a short UUID onto the Bluetooth base UUID.
func uuidFrom32(v uint32) string {
	return fmt.Sprintf("%08x-0000-1000-8000-00805f9b34fb", v)
}

// uuidFrom128LE formats a 128-bit UUID sent least significant byte first.
func uuidFrom128LE(le []byte) string {
	var b [16]byte
	for i := range b {
		b[i] = le[15-i]
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}
