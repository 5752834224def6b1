// Package capability resolves the platform authorizations the radio needs
// before any scan or connect is attempted.
package capability

import (
	"context"
	"fmt"
	"log/slog"

	"sensorsync/internal/domain"
)

// DefaultThreshold is the first Android API level that splits Bluetooth
// access into separate scan and connect permissions.
const DefaultThreshold = 31

// RequiredScopes returns the scopes a platform at osVersion must grant.
// Platforms without runtime radio authorizations need none.
func RequiredScopes(platform domain.Platform, osVersion, threshold int) []domain.Scope {
	if platform != domain.PlatformAndroid {
		return nil
	}
	if osVersion >= threshold {
		return []domain.Scope{
			domain.ScopeBluetoothScan,
			domain.ScopeBluetoothConnect,
			domain.ScopeFineLocation,
		}
	}
	return []domain.Scope{domain.ScopeFineLocation}
}

// Gate decides whether radio operations are authorized. It is fail-closed:
// any error from the authorizer is treated as "not granted".
type Gate struct {
	platform  domain.Platform
	osVersion int
	threshold int
	auth      domain.Authorizer
	logger    *slog.Logger
}

// NewGate creates a gate. A threshold <= 0 selects DefaultThreshold.
func NewGate(platform domain.Platform, osVersion, threshold int, auth domain.Authorizer, logger *slog.Logger) *Gate {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Gate{
		platform:  platform,
		osVersion: osVersion,
		threshold: threshold,
		auth:      auth,
		logger:    logger,
	}
}

// Granted reports whether every required scope is granted. It never retries.
func (g *Gate) Granted(ctx context.Context) (granted bool) {
	scopes := RequiredScopes(g.platform, g.osVersion, g.threshold)
	if len(scopes) == 0 {
		return true
	}
	if g.auth == nil {
		g.logger.Error("no authorizer configured", "platform", g.platform)
		return false
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("authorization request panicked", "platform", g.platform, "panic", r)
			granted = false
		}
	}()

	result, err := g.auth.Request(ctx, scopes)
	if err != nil {
		g.logger.Error("authorization request failed", "platform", g.platform, "error", err)
		return false
	}
	for _, s := range scopes {
		if !result[s] {
			g.logger.Warn("authorization not granted", "platform", g.platform, "scope", s)
			return false
		}
	}
	return true
}

// StaticAuthorizer grants a fixed set of scopes. Hosts without an interactive
// permission prompt configure it from the deployment config.
type StaticAuthorizer struct {
	granted map[domain.Scope]bool
}

// NewStaticAuthorizer creates an authorizer granting exactly scopes.
func NewStaticAuthorizer(scopes ...domain.Scope) *StaticAuthorizer {
	a := &StaticAuthorizer{granted: make(map[domain.Scope]bool, len(scopes))}
	for _, s := range scopes {
		a.granted[s] = true
	}
	return a
}

// Request implements domain.Authorizer.
func (a *StaticAuthorizer) Request(_ context.Context, scopes []domain.Scope) (map[domain.Scope]bool, error) {
	out := make(map[domain.Scope]bool, len(scopes))
	for _, s := range scopes {
		if s == "" {
			return nil, fmt.Errorf("empty scope: %w", domain.ErrInvalidInput)
		}
		out[s] = a.granted[s]
	}
	return out, nil
}

var _ domain.Authorizer = (*StaticAuthorizer)(nil)
