package errors

import (
	"fmt"
	"runtime"
	"time"
)

// AppError is the standardized error shape crossing any component boundary
// in the pipeline. Kind drives retry/dead-letter/crash policy; Code is a
// finer-grained label for logs and metrics.
type AppError struct {
	Kind       Kind                   `json:"kind"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Component  string                 `json:"component"`
	Operation  string                 `json:"operation"`
	Cause      error                  `json:"cause,omitempty"`
	StackTrace string                 `json:"stack_trace,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
	Severity   Severity               `json:"severity"`
}

// Severity levels for errors
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// Kind is the §7 error taxonomy: the behavior a caller must apply, not the
// literal Go type. Dispatch on Kind, never on Code or a string match.
type Kind string

const (
	TransientNetwork   Kind = "transient_network"
	ProtocolFraming    Kind = "protocol_framing"
	UnknownAlias       Kind = "unknown_alias"
	ConstraintViolation Kind = "constraint_violation"
	Validation         Kind = "validation"
	DatasetNotFound    Kind = "dataset_not_found"
	SessionInvalid     Kind = "session_invalid"
	Unrecoverable      Kind = "unrecoverable"
)

// New creates a new taxonomy-tagged error.
func New(kind Kind, component, operation, message string) *AppError {
	_, file, line, _ := runtime.Caller(1)

	return &AppError{
		Kind:       kind,
		Code:       string(kind),
		Message:    message,
		Component:  component,
		Operation:  operation,
		StackTrace: fmt.Sprintf("%s:%d", file, line),
		Metadata:   make(map[string]interface{}),
		Timestamp:  time.Now(),
		Severity:   severityFor(kind),
	}
}

func severityFor(kind Kind) Severity {
	switch kind {
	case Unrecoverable, ConstraintViolation:
		return SeverityCritical
	case TransientNetwork, DatasetNotFound, SessionInvalid:
		return SeverityHigh
	case ProtocolFraming, Validation:
		return SeverityMedium
	case UnknownAlias:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
}

// Unwrap lets errors.Is/As traverse into Cause.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// Wrap sets the wrapped cause.
func (e *AppError) Wrap(cause error) *AppError {
	e.Cause = cause
	return e
}

// WithMetadata attaches a structured-logging field.
func (e *AppError) WithMetadata(key string, value interface{}) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// Retryable reports whether the taxonomy's policy allows a retry.
func (e *AppError) Retryable() bool {
	switch e.Kind {
	case TransientNetwork, SessionInvalid:
		return true
	default:
		return false
	}
}

// ToMap converts the error to a map for structured logging.
func (e *AppError) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"error_kind":      string(e.Kind),
		"error_message":   e.Message,
		"error_component": e.Component,
		"error_operation": e.Operation,
		"error_severity":  string(e.Severity),
		"error_timestamp": e.Timestamp,
	}

	if e.Cause != nil {
		result["error_cause"] = e.Cause.Error()
	}

	for k, v := range e.Metadata {
		result[fmt.Sprintf("error_meta_%s", k)] = v
	}

	return result
}

// Convenience constructors, one per taxonomy entry (§7).

func NewTransientNetwork(component, operation, message string) *AppError {
	return New(TransientNetwork, component, operation, message)
}

func NewProtocolFraming(component, operation, message string) *AppError {
	return New(ProtocolFraming, component, operation, message)
}

func NewUnknownAlias(component, operation, message string) *AppError {
	return New(UnknownAlias, component, operation, message)
}

func NewConstraintViolation(component, operation, message string) *AppError {
	return New(ConstraintViolation, component, operation, message)
}

func NewValidation(component, operation, message string) *AppError {
	return New(Validation, component, operation, message)
}

func NewDatasetNotFound(component, operation, message string) *AppError {
	return New(DatasetNotFound, component, operation, message)
}

func NewSessionInvalid(component, operation, message string) *AppError {
	return New(SessionInvalid, component, operation, message)
}

func NewUnrecoverable(component, operation, message string) *AppError {
	return New(Unrecoverable, component, operation, message)
}

// Is reports whether err is an *AppError of the given Kind.
func Is(err error, kind Kind) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Kind == kind
}

// AsAppError converts an error to *AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	appErr, ok := err.(*AppError)
	return appErr, ok
}

// Wrap wraps a plain error into an AppError under the given Kind, unless it
// already is one.
func Wrap(err error, kind Kind, component, operation, message string) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := AsAppError(err); ok {
		return appErr
	}
	return New(kind, component, operation, message).Wrap(err)
}
