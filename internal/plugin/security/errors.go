package security

import (
	"errors"
	"fmt"
	"time"
)

// Security errors.
var (
	// ErrUnknownPermission is returned when a declared permission string
	// does not map to a known Permission.
	ErrUnknownPermission = errors.New("unknown permission")

	// ErrPermissionDenied is the errors.Is target for permission failures.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrTimeoutExceeded is the errors.Is target for timeout failures.
	ErrTimeoutExceeded = errors.New("execution timeout exceeded")

	// ErrValidationFailed is returned when a plugin fails admission.
	ErrValidationFailed = errors.New("plugin validation failed")
)

// PermissionError reports a privileged call attempted without a grant.
// Callers must treat it as fail-closed; it is never a degraded success.
type PermissionError struct {
	Plugin     string
	Permission Permission
	Operation  string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("plugin %q denied %s: permission %q not granted", e.Plugin, e.Operation, e.Permission)
	}
	return fmt.Sprintf("plugin %q: permission %q not granted", e.Plugin, e.Permission)
}

// Is reports match against ErrPermissionDenied.
func (e *PermissionError) Is(target error) bool {
	return target == ErrPermissionDenied
}

// TimeoutError reports an extension-supplied call that exceeded its
// wall-clock ceiling. The caller decides whether it is fatal.
type TimeoutError struct {
	Plugin    string
	Operation string
	Limit     time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("plugin %q: %s exceeded %s timeout", e.Plugin, e.Operation, e.Limit)
}

// Is reports match against ErrTimeoutExceeded.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeoutExceeded
}
