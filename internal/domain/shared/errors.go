package shared

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-level error
type DomainError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface
func (e *DomainError) Error() string {
	return e.Message
}

// Is matches domain errors by code so wrapped copies compare equal
func (e *DomainError) Is(target error) bool {
	var de *DomainError
	if !errors.As(target, &de) {
		return false
	}
	return de.Code == e.Code
}

// NewDomainError creates a new domain error
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// Common domain errors
var (
	ErrNotFound            = NewDomainError("NOT_FOUND", "Resource not found")
	ErrInvalidInput        = NewDomainError("INVALID_INPUT", "Invalid input provided")
	ErrInvalidState        = NewDomainError("INVALID_STATE", "Operation not allowed in current state")
	ErrInsufficientBalance = NewDomainError("INSUFFICIENT_BALANCE", "Insufficient balance available")
	ErrUnknownEntityType   = NewDomainError("UNKNOWN_ENTITY_TYPE", "Unknown entity type")
)

// Sync error categories. Concrete errors wrap one of these so callers can
// branch with errors.Is.
var (
	// ErrNetwork covers timeouts, aborts and connection failures. Retryable.
	ErrNetwork = errors.New("network error")
	// ErrAPI is a well-formed error response from the backend. Never retried.
	ErrAPI = errors.New("api error")
	// ErrSerialization is malformed JSON on read or write.
	ErrSerialization = errors.New("serialization error")
	// ErrStateViolation is an illegal state machine transition.
	ErrStateViolation = errors.New("state violation")
)

// NetworkError describes a transport-level failure talking to the remote.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() []error {
	return []error{ErrNetwork, e.Err}
}

// APIError is returned when the backend answered with success=false or a
// non-2xx status carrying a parseable body.
type APIError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: api error (status %d): %s", e.Op, e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return ErrAPI
}

// SerializationError wraps a JSON encode/decode failure.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: serialization error: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() []error {
	return []error{ErrSerialization, e.Err}
}

// StateViolation is returned when an aggregate refuses a transition. The
// aggregate is left unchanged.
type StateViolation struct {
	Entity string
	From   string
	To     string
}

func (e *StateViolation) Error() string {
	return fmt.Sprintf("%s: cannot transition from %s to %s", e.Entity, e.From, e.To)
}

func (e *StateViolation) Unwrap() error {
	return ErrStateViolation
}

// IsRetryable reports whether err is a network-class failure.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNetwork)
}
