package domain

import (
	"errors"
	"fmt"
)

// Category sentinels shared by several subsystems.
var (
	ErrTimeout      = fmt.Errorf("operation timed out")
	ErrInvalidInput = fmt.Errorf("invalid input")
	ErrConfigLoad   = fmt.Errorf("failed to load configuration")
	ErrDecryption   = fmt.Errorf("decryption failed")
	ErrEncryption   = fmt.Errorf("encryption operation failed")
)

// Radio errors raised by the discovery & connection manager.
var (
	ErrInitialization    = fmt.Errorf("radio initialization failed")
	ErrScanStart         = fmt.Errorf("scan could not be started")
	ErrConnectionTimeout = fmt.Errorf("connection timed out: %w", ErrTimeout)
	ErrConnection        = fmt.Errorf("connection failed")
	ErrNotConnected      = fmt.Errorf("peripheral not connected")
	ErrRead              = fmt.Errorf("peripheral read failed")
)

// Datastore errors raised by the sync client.
var (
	ErrServer     = fmt.Errorf("server error")
	ErrClient     = fmt.Errorf("request rejected")
	ErrNetwork    = fmt.Errorf("network error")
	ErrUnexpected = fmt.Errorf("unexpected error")

	ErrRequestTimeout = fmt.Errorf("request timed out: %w", ErrNetwork)
	ErrNoDataReturned = fmt.Errorf("no data returned from server: %w", ErrUnexpected)
	ErrOutbox         = fmt.Errorf("outbox operation failed")
	ErrOutboxNotFound = fmt.Errorf("outbox entry not found: %w", ErrOutbox)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Manager.Connect")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // "radio", "datastore", "outbox"; used for logging and ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// Only server-side faults qualify; see the datastore classifier.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrServer)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown           ErrorCode = "UNKNOWN"
	CodeInitialization    ErrorCode = "INITIALIZATION"
	CodeScanStart         ErrorCode = "SCAN_START"
	CodeConnectionTimeout ErrorCode = "CONNECTION_TIMEOUT"
	CodeConnection        ErrorCode = "CONNECTION"
	CodeNotConnected      ErrorCode = "NOT_CONNECTED"
	CodeRead              ErrorCode = "READ"
	CodeServer            ErrorCode = "SERVER"
	CodeClient            ErrorCode = "CLIENT"
	CodeRequestTimeout    ErrorCode = "REQUEST_TIMEOUT"
	CodeNetwork           ErrorCode = "NETWORK"
	CodeNoDataReturned    ErrorCode = "NO_DATA_RETURNED"
	CodeUnexpected        ErrorCode = "UNEXPECTED"
	CodeOutbox            ErrorCode = "OUTBOX"
	CodeTimeout           ErrorCode = "TIMEOUT"
	CodeInvalidInput      ErrorCode = "INVALID_INPUT"
	CodeConfigLoad        ErrorCode = "CONFIG_LOAD"
	CodeEncryption        ErrorCode = "ENCRYPTION"
	CodeDecryption        ErrorCode = "DECRYPTION"
)

type codeEntry struct {
	sentinel error
	code     ErrorCode
}

// errorCodes is ordered most-specific first: derived sentinels such as
// ErrRequestTimeout also match their parent (ErrNetwork).
var errorCodes = []codeEntry{
	{ErrConnectionTimeout, CodeConnectionTimeout},
	{ErrRequestTimeout, CodeRequestTimeout},
	{ErrNoDataReturned, CodeNoDataReturned},
	{ErrInitialization, CodeInitialization},
	{ErrScanStart, CodeScanStart},
	{ErrConnection, CodeConnection},
	{ErrNotConnected, CodeNotConnected},
	{ErrRead, CodeRead},
	{ErrServer, CodeServer},
	{ErrClient, CodeClient},
	{ErrNetwork, CodeNetwork},
	{ErrUnexpected, CodeUnexpected},
	{ErrOutbox, CodeOutbox},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrConfigLoad, CodeConfigLoad},
	{ErrEncryption, CodeEncryption},
	{ErrDecryption, CodeDecryption},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It walks the error chain with errors.Is, so wrapped and DomainError values
// resolve to the code of their innermost known sentinel.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, e := range errorCodes {
		if errors.Is(err, e.sentinel) {
			return e.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}

// userMessages holds the short caller-facing text per code.
var userMessages = map[ErrorCode]string{
	CodeInitialization:    "Bluetooth is unavailable. Check that it is turned on and permitted.",
	CodeScanStart:         "Failed to scan for devices.",
	CodeConnectionTimeout: "The device did not respond in time.",
	CodeConnection:        "Failed to connect to device.",
	CodeNotConnected:      "Device not connected.",
	CodeRead:              "Failed to read device data.",
	CodeServer:            "The server is having trouble. Please try again later.",
	CodeClient:            "The server rejected the request.",
	CodeRequestTimeout:    "The server took too long to respond.",
	CodeNetwork:           "Network error. Please check your connection.",
	CodeNoDataReturned:    "No data returned from server.",
	CodeOutbox:            "Could not store the reading for a later upload.",
	CodeConfigLoad:        "The configuration could not be loaded.",
}

// UserMessage reduces err to a short human-readable message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[ErrorCodeOf(err)]; ok {
		return msg
	}
	return "An unexpected error occurred."
}
