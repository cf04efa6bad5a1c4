// Package bridgeerr defines the bridge's typed error taxonomy and the
// recovery coordinator that acts on it.
package bridgeerr

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies the category of a bridge error.
type Kind string

const (
	KindValidation    Kind = "validation"
	KindPermission    Kind = "permission"
	KindResource      Kind = "resource"
	KindSdkExecution  Kind = "sdk_execution"
	KindNetwork       Kind = "network"
	KindFileSystem    Kind = "filesystem"
	KindTimeout       Kind = "timeout"
	KindConfiguration Kind = "configuration"
	KindStream        Kind = "stream"
	KindUnknown       Kind = "unknown"
)

// Severity grades how badly a bridge error affects the system.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Context locates a bridge error in the request flow.
type Context struct {
	RequestID string `json:"requestID,omitempty"`
	SessionID string `json:"sessionID,omitempty"`
	ToolName  string `json:"toolName,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Error is a classified failure. It is created once at the boundary
// where the raw error is first observed and never mutated afterwards.
type Error struct {
	Kind        Kind      `json:"kind"`
	Severity    Severity  `json:"severity"`
	Ctx         Context   `json:"context"`
	Recoverable bool      `json:"recoverable"`
	Timestamp   time.Time `json:"timestamp"`

	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.cause)
	}
	return string(e.Kind)
}

// Unwrap exposes the raw error for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// UserMessage returns the short, non-technical message shown to the
// operator. It never leaks internal diagnostics.
func (e *Error) UserMessage() string {
	switch e.Kind {
	case KindValidation:
		return "The request was invalid."
	case KindPermission:
		return "Permission was denied."
	case KindResource:
		return "The system is at capacity. Try again shortly."
	case KindSdkExecution:
		return "The agent failed while executing."
	case KindNetwork:
		return "A network error occurred."
	case KindFileSystem:
		return "A file could not be accessed."
	case KindTimeout:
		return "Operation timed out."
	case KindConfiguration:
		return "The service is misconfigured."
	case KindStream:
		return "The response stream was interrupted."
	default:
		return "An unexpected error occurred."
	}
}

// New creates a classified error from a raw cause.
func New(kind Kind, ctx Context, cause error) *Error {
	return &Error{
		Kind:        kind,
		Severity:    AssessSeverity(kind),
		Ctx:         ctx,
		Recoverable: IsRecoverable(kind),
		Timestamp:   time.Now(),
		cause:       cause,
	}
}

// As extracts a *Error from an error chain.
func As(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// AssessSeverity maps an error kind to its severity.
func AssessSeverity(kind Kind) Severity {
	switch kind {
	case KindValidation, KindPermission:
		return SeverityLow
	case KindFileSystem, KindNetwork, KindTimeout:
		return SeverityMedium
	case KindSdkExecution, KindStream, KindResource:
		return SeverityHigh
	case KindConfiguration, KindUnknown:
		return SeverityCritical
	default:
		return SeverityCritical
	}
}

// IsRecoverable reports whether a recovery strategy may run for the
// kind. Validation, permission and configuration errors indicate caller
// or deployment mistakes, not transient conditions, and are excluded by
// policy.
func IsRecoverable(kind Kind) bool {
	switch kind {
	case KindValidation, KindPermission, KindConfiguration:
		return false
	case KindNetwork, KindTimeout, KindResource:
		return true
	default:
		return false
	}
}
