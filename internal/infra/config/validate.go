package config

import (
	"encoding/hex"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateRadio(cfg, ve)
	validateCapability(cfg, ve)
	validateSync(cfg, ve)
	validateOutbox(cfg, ve)
	validateMetrics(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validBackends = map[string]bool{"sim": true, "tinygo": true}

func validateRadio(cfg *Config, ve *ValidationError) {
	r := cfg.Radio
	if !validBackends[r.Backend] {
		ve.Add("radio.backend %q is invalid (want: sim, tinygo)", r.Backend)
	}
	if r.NamePrefix == "" {
		ve.Add("radio.name_prefix must not be empty")
	}
	if r.ScanTimeout < 0 {
		ve.Add("radio.scan_timeout must be >= 0")
	}
	if r.ConnectTimeout <= 0 {
		ve.Add("radio.connect_timeout must be > 0")
	}
	if r.ReadTimeout <= 0 {
		ve.Add("radio.read_timeout must be > 0")
	}
	if r.DisconnectTimeout <= 0 {
		ve.Add("radio.disconnect_timeout must be > 0")
	}

	seen := make(map[string]bool)
	for i, d := range r.Simulated {
		if d.ID == "" {
			ve.Add("radio.simulated[%d].id must not be empty", i)
			continue
		}
		if seen[d.ID] {
			ve.Add("radio.simulated[%d]: duplicate device id %q", i, d.ID)
		}
		seen[d.ID] = true
		for j, c := range d.Characteristics {
			if c.UUID == "" {
				ve.Add("radio.simulated[%d].characteristics[%d].uuid must not be empty", i, j)
			}
			if _, err := hex.DecodeString(c.Value); err != nil {
				ve.Add("radio.simulated[%d].characteristics[%d].value %q is not hex", i, j, c.Value)
			}
		}
	}
}

var validPlatforms = map[string]bool{
	"android": true,
	"ios":     true,
	"linux":   true,
	"darwin":  true,
	"windows": true,
}

var validScopes = map[string]bool{
	"bluetooth_scan":    true,
	"bluetooth_connect": true,
	"fine_location":     true,
}

func validateCapability(cfg *Config, ve *ValidationError) {
	c := cfg.Capability
	if !validPlatforms[c.Platform] {
		ve.Add("capability.platform %q is invalid (want: android, ios, linux, darwin, windows)", c.Platform)
	}
	if c.OSVersion < 0 {
		ve.Add("capability.os_version must be >= 0")
	}
	if c.Threshold < 0 {
		ve.Add("capability.threshold must be >= 0")
	}
	for i, s := range c.Granted {
		if !validScopes[s] {
			ve.Add("capability.granted[%d] %q is not a known scope", i, s)
		}
	}
}

func validateSync(cfg *Config, ve *ValidationError) {
	s := cfg.Sync
	if s.BaseURL != "" {
		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			ve.Add("sync.base_url %q must be an absolute http(s) URL", s.BaseURL)
		}
		if s.APIKey == "" {
			ve.Add("sync.api_key is empty (set via SENSORSYNC_SYNC_API_KEY)")
		}
	}
	if !strings.HasPrefix(s.Endpoint, "/") {
		ve.Add("sync.endpoint %q must start with /", s.Endpoint)
	}
	if s.RequestTimeout <= 0 {
		ve.Add("sync.request_timeout must be > 0")
	}
	if s.RetryAttempts < 0 {
		ve.Add("sync.retry_attempts must be >= 0")
	}
	if s.RetryDelay < 0 {
		ve.Add("sync.retry_delay must be >= 0")
	}
	if s.CircuitBreaker.Enabled {
		if s.CircuitBreaker.MaxFailures <= 0 {
			ve.Add("sync.circuit_breaker.max_failures must be > 0 when enabled")
		}
		if s.CircuitBreaker.Timeout <= 0 {
			ve.Add("sync.circuit_breaker.timeout must be > 0 when enabled")
		}
	}
}

func validateOutbox(cfg *Config, ve *ValidationError) {
	o := cfg.Outbox
	if !o.Enabled {
		return
	}
	if o.Path == "" {
		ve.Add("outbox.path is required when the outbox is enabled")
	}
	if o.FlushRate < 0 {
		ve.Add("outbox.flush_rate must be >= 0")
	}
	if o.FlushBurst < 0 {
		ve.Add("outbox.flush_burst must be >= 0")
	}
	if o.Batch < 0 {
		ve.Add("outbox.batch must be >= 0")
	}
	if o.FlushTimeout < 0 {
		ve.Add("outbox.flush_timeout must be >= 0")
	}
}

func validateMetrics(cfg *Config, ve *ValidationError) {
	if !cfg.Metrics.Enabled {
		return
	}
	if cfg.Metrics.Addr == "" {
		ve.Add("metrics.addr is required when metrics are enabled")
		return
	}
	if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
		ve.Add("metrics.addr %q is not a valid host:port", cfg.Metrics.Addr)
	}
	if cfg.Metrics.RateLimit < 0 || cfg.Metrics.Burst < 0 {
		ve.Add("metrics.rate_limit and metrics.burst must be >= 0")
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio %v must be between 0 and 1", r)
	}
}
