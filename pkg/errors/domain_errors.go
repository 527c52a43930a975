package errors

import (
	"errors"
	"fmt"
	"time"
)

// DomainError is the base interface for all structured errors in the orchestrator
type DomainError interface {
	error

	// Domain returns the domain context (e.g., "panel", "transit", "port")
	Domain() string

	// Code returns a stable error code for API responses
	Code() string

	// Retryable reports whether the failure is transient and may succeed elsewhere or later
	Retryable() bool

	// Metadata returns additional error context
	Metadata() map[string]any

	// WithMetadata returns a copy of the error carrying the extra key
	WithMetadata(key string, value any) DomainError

	// Timestamp returns when the error occurred
	Timestamp() time.Time
}

// BaseError is the foundational implementation of DomainError
type BaseError struct {
	domain    string
	code      string
	message   string
	cause     error
	retryable bool
	metadata  map[string]any
	timestamp time.Time
}

func (e *BaseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.domain, e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.domain, e.code, e.message)
}

func (e *BaseError) Unwrap() error            { return e.cause }
func (e *BaseError) Domain() string           { return e.domain }
func (e *BaseError) Code() string             { return e.code }
func (e *BaseError) Message() string          { return e.message }
func (e *BaseError) Retryable() bool          { return e.retryable }
func (e *BaseError) Metadata() map[string]any { return e.metadata }
func (e *BaseError) Timestamp() time.Time     { return e.timestamp }

// NewBaseError creates a new BaseError with the specified parameters
func NewBaseError(domain, code, message string, retryable bool, cause error, metadata map[string]any) *BaseError {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	return &BaseError{
		domain:    domain,
		code:      code,
		message:   message,
		cause:     cause,
		retryable: retryable,
		metadata:  metadata,
		timestamp: time.Now(),
	}
}

// WithMetadata adds metadata to a copy of the error
func (e *BaseError) WithMetadata(key string, value any) DomainError {
	newMeta := make(map[string]any, len(e.metadata)+1)
	for k, v := range e.metadata {
		newMeta[k] = v
	}
	newMeta[key] = value

	return &BaseError{
		domain:    e.domain,
		code:      e.code,
		message:   e.message,
		cause:     e.cause,
		retryable: e.retryable,
		metadata:  newMeta,
		timestamp: e.timestamp,
	}
}

// Standardized Error Codes
const (
	// Panel Domain Errors
	ErrCodePanelUnreachable = "panel_unreachable"
	ErrCodePanelAuthExpired = "panel_auth_expired"
	ErrCodePanelRejected    = "panel_rejected"
	ErrCodePanelNotFound    = "panel_not_found"
	ErrCodePanelUnsupported = "panel_unsupported"
	ErrCodeRoutingWire      = "routing_wire_failed"
	ErrCodeNoAlternatePanel = "no_alternate_panel"

	// Port Domain Errors
	ErrCodePortsExhausted = "ports_exhausted"
	ErrCodePortConflict   = "port_conflict"

	// Payload Domain Errors
	ErrCodeUnsupportedProtocol = "unsupported_protocol"

	// Node Domain Errors
	ErrCodeNodeNotFound   = "node_not_found"
	ErrCodeNodeState      = "node_invalid_state"
	ErrCodeOrderNotFound  = "order_not_found"
	ErrCodeOrderShortfall = "order_shortfall"

	// Transit Domain Errors
	ErrCodeTransitAuthExpired = "transit_auth_expired"
	ErrCodeTransitFailed      = "transit_failed"
	ErrCodeTransitNotFound    = "transit_account_not_found"
	ErrCodeRuleNotFound       = "transit_rule_not_found"

	// Task Domain Errors
	ErrCodeTaskDuplicate = "task_duplicate"
	ErrCodeTaskFailed    = "task_failed"

	// Infrastructure Errors
	ErrCodeCircuitOpen  = "circuit_breaker_open"
	ErrCodeNetworkError = "network_error"

	// System Errors
	ErrCodeDatabase      = "database_error"
	ErrCodeConfiguration = "config_error"
	ErrCodeInternal      = "internal_error"
	ErrCodeValidation    = "validation_error"
	ErrCodeTimeout       = "timeout"
	ErrCodeUnauthorized  = "unauthorized"
)

// Domain Constants
const (
	DomainPanel    = "panel"
	DomainPort     = "port"
	DomainPayload  = "payload"
	DomainNode     = "node"
	DomainTransit  = "transit"
	DomainTask     = "task"
	DomainDatabase = "database"
	DomainSystem   = "system"
	DomainAPI      = "api"
)

// NewPanelError creates a standardized panel domain error
func NewPanelError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainPanel, code, message, retryable, cause, nil)
}

// NewPortError creates a standardized port allocation error
func NewPortError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainPort, code, message, retryable, cause, nil)
}

// NewPayloadError creates a standardized payload construction error
func NewPayloadError(code, message string, cause error) DomainError {
	return NewBaseError(DomainPayload, code, message, false, cause, nil)
}

// NewNodeError creates a standardized node domain error
func NewNodeError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainNode, code, message, retryable, cause, nil)
}

// NewTransitError creates a standardized transit domain error
func NewTransitError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainTransit, code, message, retryable, cause, nil)
}

// NewTaskError creates a standardized task runner error
func NewTaskError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainTask, code, message, retryable, cause, nil)
}

// NewDatabaseError creates a standardized database error
func NewDatabaseError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainDatabase, code, message, retryable, cause, nil)
}

// NewSystemError creates a standardized system error
func NewSystemError(code, message string, retryable bool, cause error) DomainError {
	return NewBaseError(DomainSystem, code, message, retryable, cause, nil)
}

// NewAPIError creates a standardized API error
func NewAPIError(code, message string, cause error) DomainError {
	return NewBaseError(DomainAPI, code, message, false, cause, nil)
}

// Sentinel domain errors for fast comparison by code
var (
	DomainErrPortsExhausted   = NewPortError(ErrCodePortsExhausted, "no free port left in range", false, nil)
	DomainErrNoAlternatePanel = NewPanelError(ErrCodeNoAlternatePanel, "no alternate panel available", false, nil)
	DomainErrNodeNotFound     = NewNodeError(ErrCodeNodeNotFound, "node not found", false, nil)
	DomainErrPanelNotFound    = NewPanelError(ErrCodePanelNotFound, "panel not found", false, nil)
	DomainErrInvalidConfig    = NewSystemError(ErrCodeConfiguration, "invalid configuration", false, nil)
)

// AsDomainError finds the first DomainError in the chain
func AsDomainError(err error) (DomainError, bool) {
	var domainErr DomainError
	if errors.As(err, &domainErr) {
		return domainErr, true
	}
	return nil, false
}

// IsDomainError checks if an error is or wraps a DomainError
func IsDomainError(err error) bool {
	_, ok := AsDomainError(err)
	return ok
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if domainErr, ok := AsDomainError(err); ok {
		return domainErr.Retryable()
	}
	return false
}

// GetErrorCode returns the error code if it's a DomainError, otherwise returns "unknown"
func GetErrorCode(err error) string {
	if domainErr, ok := AsDomainError(err); ok {
		return domainErr.Code()
	}
	return "unknown"
}

// GetErrorDomain returns the error domain if it's a DomainError, otherwise returns "unknown"
func GetErrorDomain(err error) string {
	if domainErr, ok := AsDomainError(err); ok {
		return domainErr.Domain()
	}
	return "unknown"
}

// IsErrorCode checks if any error in the chain has the specified code
func IsErrorCode(err error, code string) bool {
	for err != nil {
		if domainErr, ok := err.(DomainError); ok && domainErr.Code() == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// WrapWithDomain wraps an existing error with domain context
func WrapWithDomain(err error, domain, code, message string, retryable bool) DomainError {
	return NewBaseError(domain, code, message, retryable, err, nil)
}
