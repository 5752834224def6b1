package integration

import (
	"context"
	"os"
	"testing"
	"time"
)

// Config holds integration test configuration from environment
type Config struct {
	BaseURL     string
	APIKey      string
	Endpoint    string
	TestTimeout time.Duration
	SkipSlow    bool
}

// LoadConfig loads integration test configuration from environment
func LoadConfig() *Config {
	return &Config{
		BaseURL:     os.Getenv("SENSORSYNC_IT_BASE_URL"),
		APIKey:      os.Getenv("SENSORSYNC_IT_API_KEY"),
		Endpoint:    os.Getenv("SENSORSYNC_IT_ENDPOINT"),
		TestTimeout: 60 * time.Second,
		SkipSlow:    os.Getenv("SKIP_SLOW_TESTS") == "1",
	}
}

// SkipIfNoDatastore skips the test unless a live datastore is configured.
func SkipIfNoDatastore(t *testing.T, cfg *Config) {
	t.Helper()
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		t.Skip("Skipping datastore integration test: SENSORSYNC_IT_BASE_URL or SENSORSYNC_IT_API_KEY not set")
	}
}

// SkipIfShort skips integration tests in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
}

// NewTestContext creates a context with timeout for integration tests
func NewTestContext(t *testing.T, timeout time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}
