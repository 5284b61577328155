package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for well-known failure conditions that cross package
// boundaries.  Callers should use [errors.Is] to match these.
var (
	// ErrTunnelNotFound means the referenced tunnel ID or label does not exist.
	ErrTunnelNotFound = errors.New("tunnel not found")

	// ErrLabelInUse indicates the requested subdomain label is already taken
	// by another non-deleted tunnel.
	ErrLabelInUse = errors.New("label already in use")

	// ErrAlreadyRunning is returned by start when the tunnel's process is
	// connecting or connected.
	ErrAlreadyRunning = errors.New("tunnel already running")

	// ErrNotRunning is returned by stop when the tunnel is already stopped.
	ErrNotRunning = errors.New("tunnel not running")

	// ErrRuleNotFound means the referenced access rule ID does not exist.
	ErrRuleNotFound = errors.New("access rule not found")

	// ErrPinNotSet means the tunnel has no PIN configured.
	ErrPinNotSet = errors.New("pin not set")

	// ErrBasicAuthNotSet means the tunnel has no basic-auth credential.
	ErrBasicAuthNotSet = errors.New("basic auth not set")

	// ErrShareLinkUnknown means the presented share token matches no link.
	ErrShareLinkUnknown = errors.New("unknown share link")

	// ErrShareLinkExpired means the link is past its expiry or its use
	// counter is exhausted. Inactive links are never resurrected.
	ErrShareLinkExpired = errors.New("share link expired")
)

// ValidationError reports a synchronously rejected operator input. It is
// never persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a [ValidationError] for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a [ValidationError].
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// TunnelError wraps an underlying error with tunnel context.
type TunnelError struct {
	TunnelID string
	Op       string
	Err      error
}

func (e *TunnelError) Error() string {
	if e.TunnelID != "" {
		return fmt.Sprintf("tunnel %s: %s: %v", e.TunnelID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TunnelError) Unwrap() error {
	return e.Err
}
