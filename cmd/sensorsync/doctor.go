package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"sensorsync/internal/adapter/outbox"
	"sensorsync/internal/domain"
	"sensorsync/internal/infra/config"
	"sensorsync/internal/usecase/capability"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// quietLogger keeps component logs out of the doctor report.
var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// runDoctor executes all health checks and writes the report to w.
func runDoctor(cfgPath string, w io.Writer) error {
	// Some checks work without a config.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Radio", Fn: checkRadio},
		{Name: "Bluetooth access", Fn: checkAuthorization},
		{Name: "Datastore config", Fn: checkDatastoreConfig},
		{Name: "Datastore health", Fn: checkDatastoreHealth},
		{Name: "Outbox", Fn: checkOutbox},
	}

	fmt.Fprintln(w, "sensorsync doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile reports whether the config file exists and loaded cleanly.
// A missing file is only a warning because defaults apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Fix the listed settings in " + cfgPath,
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s, using defaults", cfgPath),
				Fix:     "Create sensorsync.yaml or pass --config PATH",
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkRadio opens the configured radio backend and queries its power state.
func checkRadio(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	r, err := newRadio(cfg.Radio, quietLogger)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s radio unavailable: %v", cfg.Radio.Backend, err),
			Fix:     "Build with -tags edge for real hardware, or set radio.backend: sim",
		}
	}
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Radio.ConnectTimeout)
	defer cancel()
	power, err := r.PowerState(ctx)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("power query failed: %v", err)}
	}
	if power != domain.PowerOn {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s radio is %s", cfg.Radio.Backend, power),
			Fix:     "Turn Bluetooth on",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("%s radio powered on", cfg.Radio.Backend),
	}
}

// checkAuthorization resolves the scopes the platform requires and whether
// they are granted.
func checkAuthorization(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	c := cfg.Capability
	required := capability.RequiredScopes(domain.Platform(c.Platform), c.OSVersion, c.Threshold)
	if len(required) == 0 {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("%s needs no runtime authorization", c.Platform),
		}
	}

	if newGate(c, quietLogger).Granted(context.Background()) {
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("granted: %s", joinScopes(required)),
		}
	}
	return CheckResult{
		Status:  StatusFail,
		Message: fmt.Sprintf("%s %d requires: %s", c.Platform, c.OSVersion, joinScopes(required)),
		Fix:     "Grant the scopes and list them in capability.granted",
	}
}

func joinScopes(scopes []domain.Scope) string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return strings.Join(out, ", ")
}

// checkDatastoreConfig verifies a datastore is configured for uploads.
func checkDatastoreConfig(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if cfg.Sync.BaseURL == "" {
		return CheckResult{
			Status:  StatusWarn,
			Message: "sync.base_url not set, uploads are disabled",
			Fix:     "Set SENSORSYNC_SYNC_BASE_URL and SENSORSYNC_SYNC_API_KEY",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("uploading to %s%s", cfg.Sync.BaseURL, cfg.Sync.Endpoint),
	}
}

// checkDatastoreHealth runs the datastore health probe.
func checkDatastoreHealth(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Sync.BaseURL == "" {
		return CheckResult{Status: StatusWarn, Message: "skipped, no datastore configured"}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.RequestTimeout)
	defer cancel()

	start := time.Now()
	store := newStore(cfg.Sync, domain.NoopPublisher{}, quietLogger)
	if !store.HealthCheck(ctx) {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not reachable or rejected the API key", cfg.Sync.BaseURL),
			Fix:     "Check network access and sync.api_key",
		}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("healthy (latency: %dms)", time.Since(start).Milliseconds()),
	}
}

// checkOutbox reports how many snapshots wait for upload. It does not create
// the outbox database.
func checkOutbox(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.Outbox.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "disabled, failed uploads are not retried",
		}
	}
	if _, err := os.Stat(cfg.Outbox.Path); os.IsNotExist(err) {
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("empty (%s not created yet)", cfg.Outbox.Path)}
	}

	ob, err := outbox.NewSQLiteStore(cfg.Outbox.Path)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot open %s: %v", cfg.Outbox.Path, err),
		}
	}
	defer ob.Close()

	n, err := ob.Len(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot read %s: %v", cfg.Outbox.Path, err)}
	}
	if n > 0 {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%d snapshot(s) pending upload", n),
			Fix:     "Run 'sensorsync flush'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "no snapshots pending"}
}
