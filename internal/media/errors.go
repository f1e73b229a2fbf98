package media

import (
	"errors"
	"fmt"
)

// Code classifies a media acquisition failure into the fixed taxonomy
// surfaced to users. Values are stable because clients key remediation
// hints off them.
type Code string

const (
	CodeUnsupported       Code = "UNSUPPORTED"
	CodeInsecureContext   Code = "INSECURE_CONTEXT"
	CodePermissionBlocked Code = "PERMISSION_BLOCKED"
	CodeDeviceNotFound    Code = "DEVICE_NOT_FOUND"
	CodeDeviceInUse       Code = "DEVICE_IN_USE"
	CodeOSPrivacyBlock    Code = "OS_PRIVACY_BLOCK"
	CodeHardwareError     Code = "HARDWARE_ERROR"
	CodeUnknown           Code = "UNKNOWN"
)

// Error is a classified acquisition failure. Cause retains the native
// platform error for debugging; the code alone drives user messaging.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("media: %s: %v", e.Code, e.Cause)
	}
	return fmt.Sprintf("media: %s", e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Sentinel errors a Devices implementation wraps its native failures
// with. They mirror the platform's getUserMedia error names.
var (
	ErrNotAllowed      = errors.New("permission denied")
	ErrNotFound        = errors.New("requested device not found")
	ErrNotReadable     = errors.New("device in use by another application")
	ErrOverconstrained = errors.New("constraints cannot be satisfied")
	ErrSystemDenied    = errors.New("blocked by OS privacy settings")
	ErrAborted         = errors.New("hardware error")
)

// Classify maps a native acquisition error onto the taxonomy
func Classify(err error) *Error {
	switch {
	case errors.Is(err, ErrNotAllowed):
		return &Error{Code: CodePermissionBlocked, Cause: err}
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOverconstrained):
		return &Error{Code: CodeDeviceNotFound, Cause: err}
	case errors.Is(err, ErrNotReadable):
		return &Error{Code: CodeDeviceInUse, Cause: err}
	case errors.Is(err, ErrSystemDenied):
		return &Error{Code: CodeOSPrivacyBlock, Cause: err}
	case errors.Is(err, ErrAborted):
		return &Error{Code: CodeHardwareError, Cause: err}
	default:
		return &Error{Code: CodeUnknown, Cause: err}
	}
}
