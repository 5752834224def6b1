package discovery

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Standard GATT characteristics read into a snapshot when present.
const (
	charBatteryLevel = "2a19"
	charTemperature  = "2a6e"
	charHumidity     = "2a6f"
)

const bluetoothBaseSuffix = "-0000-1000-8000-00805f9b34fb"

// reading is the JSON payload of a snapshot. Characteristic values the
// peripheral does not expose are omitted.
type reading struct {
	RSSI         *int     `json:"rssi,omitempty"`
	ServiceCount int      `json:"service_count"`
	ServiceIDs   []string `json:"service_ids"`
	BatteryLevel *int     `json:"battery_level,omitempty"`
	Temperature  *float64 `json:"temperature_c,omitempty"`
	Humidity     *float64 `json:"humidity_pct,omitempty"`
}

// shortUUID reduces a 16-bit assigned UUID in any common spelling
// ("0x2A19", "2a19", "00002a19-0000-1000-8000-00805f9b34fb") to "2a19".
// Other UUIDs are returned lower-cased.
func shortUUID(id string) string {
	s := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(id, "0x"), "0X"))
	if len(s) == 36 && strings.HasSuffix(s, bluetoothBaseSuffix) && strings.HasPrefix(s, "0000") {
		return s[4:8]
	}
	return s
}

func decodeBattery(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, fmt.Errorf("battery level: want 1 byte, got %d", len(b))
	}
	return int(b[0]), nil
}

// decodeTemperature decodes a sint16 in units of 0.01 degrees Celsius.
func decodeTemperature(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("temperature: want 2 bytes, got %d", len(b))
	}
	return float64(int16(binary.LittleEndian.Uint16(b))) / 100, nil
}

// decodeHumidity decodes a uint16 in units of 0.01 percent.
func decodeHumidity(b []byte) (float64, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("humidity: want 2 bytes, got %d", len(b))
	}
	return float64(binary.LittleEndian.Uint16(b)) / 100, nil
}
