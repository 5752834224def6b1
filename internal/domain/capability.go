package domain

import "context"

// Platform identifies the host operating system family.
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformLinux   Platform = "linux"
	PlatformDarwin  Platform = "darwin"
	PlatformWindows Platform = "windows"
)

// Scope is a runtime authorization the radio needs.
type Scope string

const (
	ScopeBluetoothScan    Scope = "bluetooth_scan"
	ScopeBluetoothConnect Scope = "bluetooth_connect"
	ScopeFineLocation     Scope = "fine_location"
)

// Authorizer requests runtime authorizations from the platform.
type Authorizer interface {
	// Request asks for scopes and reports, per scope, whether it was granted.
	Request(ctx context.Context, scopes []Scope) (map[Scope]bool, error)
}
