package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Radio      RadioConfig      `yaml:"radio"`
	Capability CapabilityConfig `yaml:"capability"`
	Sync       SyncConfig       `yaml:"sync"`
	Outbox     OutboxConfig     `yaml:"outbox"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
	Includes   []string         `yaml:"includes,omitempty"`
}

// RadioConfig selects the radio backend and its timing.
type RadioConfig struct {
	Backend           string                  `yaml:"backend"` // "sim" or "tinygo"
	NamePrefix        string                  `yaml:"name_prefix"`
	ScanTimeout       time.Duration           `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration           `yaml:"connect_timeout"`
	ReadTimeout       time.Duration           `yaml:"read_timeout"`
	DisconnectTimeout time.Duration           `yaml:"disconnect_timeout"`
	Simulated         []SimulatedDeviceConfig `yaml:"simulated,omitempty"`
}

// SimulatedDeviceConfig describes one peripheral served by the sim backend.
type SimulatedDeviceConfig struct {
	ID              string                 `yaml:"id"`
	Name            string                 `yaml:"name"`
	RSSI            int                    `yaml:"rssi"`
	Services        []string               `yaml:"services,omitempty"`
	Characteristics []SimulatedValueConfig `yaml:"characteristics,omitempty"`
}

// SimulatedValueConfig is a characteristic value, hex encoded.
type SimulatedValueConfig struct {
	Service string `yaml:"service"`
	UUID    string `yaml:"uuid"`
	Value   string `yaml:"value"`
}

// CapabilityConfig describes the host platform and the authorizations the
// operator has granted.
type CapabilityConfig struct {
	Platform  string   `yaml:"platform"`
	OSVersion int      `yaml:"os_version"`
	Threshold int      `yaml:"threshold"`
	Granted   []string `yaml:"granted,omitempty"`
}

// SyncConfig holds remote datastore settings.
// APIKey may be "enc:..." and is decrypted with SENSORSYNC_CONFIG_KEY.
type SyncConfig struct {
	BaseURL        string               `yaml:"base_url"`
	Endpoint       string               `yaml:"endpoint"`
	APIKey         string               `yaml:"api_key"`
	RequestTimeout time.Duration        `yaml:"request_timeout"`
	RetryAttempts  int                  `yaml:"retry_attempts"`
	RetryDelay     time.Duration        `yaml:"retry_delay"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Pool           PoolConfig           `yaml:"pool"`
}

// CircuitBreakerConfig holds circuit breaker settings for the datastore.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures int           `yaml:"max_failures"` // consecutive failures before opening
	Timeout     time.Duration `yaml:"timeout"`      // open → half-open
	Interval    time.Duration `yaml:"interval"`     // failure count reset in closed state
}

// PoolConfig holds HTTP connection pool settings for the datastore.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// OutboxConfig holds the durable upload queue settings.
type OutboxConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Path          string        `yaml:"path"`
	FlushSchedule string        `yaml:"flush_schedule"` // cron expression or duration string
	FlushTimeout  time.Duration `yaml:"flush_timeout"`
	FlushRate     float64       `yaml:"flush_rate"` // uploads per second
	FlushBurst    int           `yaml:"flush_burst"`
	Batch         int           `yaml:"batch"`
}

// MetricsConfig holds Prometheus exposition settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Addr      string `yaml:"addr"`
	RateLimit int    `yaml:"rate_limit"` // requests per minute per client, 0 = unlimited
	Burst     int    `yaml:"burst"`
	// EventsToken enables the /events WebSocket stream. May be "enc:...".
	EventsToken string `yaml:"events_token"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"` // fraction of root spans kept
}

// defaultDataDir returns $HOME/.sensorsync, or "./data" without a home.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".sensorsync")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Radio: RadioConfig{
			Backend:           "sim",
			NamePrefix:        "SOPH-",
			ScanTimeout:       10 * time.Second,
			ConnectTimeout:    5 * time.Second,
			ReadTimeout:       3 * time.Second,
			DisconnectTimeout: 3 * time.Second,
		},
		Capability: CapabilityConfig{
			Platform:  "linux",
			Threshold: 31,
		},
		Sync: SyncConfig{
			Endpoint:       "/rest/v1/device_data",
			RequestTimeout: 10 * time.Second,
			RetryAttempts:  3,
			RetryDelay:     time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
			Pool: PoolConfig{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		Outbox: OutboxConfig{
			Enabled:       true,
			Path:          filepath.Join(defaultDataDir(), "outbox.db"),
			FlushSchedule: "@every 1m",
			FlushTimeout:  2 * time.Minute,
			FlushRate:     2,
			FlushBurst:    1,
			Batch:         50,
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Addr:      "127.0.0.1:9464",
			RateLimit: 120,
			Burst:     10,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if err := validatePermissions(absPath); err != nil {
			return nil, err
		}
		if err := decodeLayered(cfg, absPath, data); err != nil {
			return nil, err
		}
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("SENSORSYNC_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SENSORSYNC_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setBool := func(key string, dst *bool) {
		switch os.Getenv(key) {
		case "true", "1":
			*dst = true
		case "false", "0":
			*dst = false
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setFloat := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = f
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}

	setString("SENSORSYNC_RADIO_BACKEND", &cfg.Radio.Backend)
	setString("SENSORSYNC_RADIO_NAME_PREFIX", &cfg.Radio.NamePrefix)
	setDuration("SENSORSYNC_RADIO_SCAN_TIMEOUT", &cfg.Radio.ScanTimeout)

	setString("SENSORSYNC_CAPABILITY_PLATFORM", &cfg.Capability.Platform)
	setInt("SENSORSYNC_CAPABILITY_OS_VERSION", &cfg.Capability.OSVersion)
	if v := os.Getenv("SENSORSYNC_CAPABILITY_GRANTED"); v != "" {
		cfg.Capability.Granted = splitAndTrim(v, ",")
	}

	setString("SENSORSYNC_SYNC_BASE_URL", &cfg.Sync.BaseURL)
	setString("SENSORSYNC_SYNC_ENDPOINT", &cfg.Sync.Endpoint)
	setString("SENSORSYNC_SYNC_API_KEY", &cfg.Sync.APIKey)
	setDuration("SENSORSYNC_SYNC_REQUEST_TIMEOUT", &cfg.Sync.RequestTimeout)
	setInt("SENSORSYNC_SYNC_RETRY_ATTEMPTS", &cfg.Sync.RetryAttempts)
	setBool("SENSORSYNC_SYNC_CIRCUIT_BREAKER_ENABLED", &cfg.Sync.CircuitBreaker.Enabled)

	setBool("SENSORSYNC_OUTBOX_ENABLED", &cfg.Outbox.Enabled)
	setString("SENSORSYNC_OUTBOX_PATH", &cfg.Outbox.Path)
	setString("SENSORSYNC_OUTBOX_FLUSH_SCHEDULE", &cfg.Outbox.FlushSchedule)
	setFloat("SENSORSYNC_OUTBOX_FLUSH_RATE", &cfg.Outbox.FlushRate)
	setInt("SENSORSYNC_OUTBOX_FLUSH_BURST", &cfg.Outbox.FlushBurst)

	setBool("SENSORSYNC_METRICS_ENABLED", &cfg.Metrics.Enabled)
	setString("SENSORSYNC_METRICS_ADDR", &cfg.Metrics.Addr)
	setInt("SENSORSYNC_METRICS_RATE_LIMIT", &cfg.Metrics.RateLimit)
	setString("SENSORSYNC_METRICS_EVENTS_TOKEN", &cfg.Metrics.EventsToken)

	setString("SENSORSYNC_LOGGER_LEVEL", &cfg.Logger.Level)
	setString("SENSORSYNC_LOGGER_FORMAT", &cfg.Logger.Format)
	setString("SENSORSYNC_LOGGER_OUTPUT", &cfg.Logger.Output)

	setBool("SENSORSYNC_TRACER_ENABLED", &cfg.Tracer.Enabled)
	setString("SENSORSYNC_TRACER_EXPORTER", &cfg.Tracer.Exporter)
	setFloat("SENSORSYNC_TRACER_SAMPLE_RATIO", &cfg.Tracer.SampleRatio)
}

// splitAndTrim splits s by sep, trims each element and drops empty ones.
func splitAndTrim(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// decryptSecrets replaces "enc:..." values with their plaintext.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := []struct {
		name string
		dst  *string
	}{
		{"sync api_key", &cfg.Sync.APIKey},
		{"metrics events_token", &cfg.Metrics.EventsToken},
	}
	for _, s := range secrets {
		enc, ok := strings.CutPrefix(*s.dst, "enc:")
		if !ok {
			continue
		}
		decrypted, err := DecryptValue(enc, passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
		*s.dst = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
// The result is hex(salt) + ":" + hex(nonce+ciphertext).
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others. The
// file may hold the datastore key.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

// decodeLayered unmarshals data onto cfg after merging its includes, so values
// in the including file win over included ones.
func decodeLayered(cfg *Config, absPath string, data []byte) error {
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	if len(cfg.Includes) == 0 {
		return nil
	}
	if err := processIncludes(cfg, filepath.Dir(absPath), map[string]bool{absPath: true}, 0); err != nil {
		return err
	}
	devices := cfg.Radio.Simulated
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config (second pass): %w", err)
	}
	cfg.Radio.Simulated = devices
	cfg.Includes = nil
	return nil
}
