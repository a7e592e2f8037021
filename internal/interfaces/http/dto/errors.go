package dto

import "net/http"

// Error code constants organized by category
// Format: ERR_<CATEGORY>_<DESCRIPTION>

// General error codes
const (
	// ErrCodeUnknown is used when the error type is unknown
	ErrCodeUnknown = "ERR_UNKNOWN"
	// ErrCodeInternal is used for internal server errors
	ErrCodeInternal = "ERR_INTERNAL"
)

// Validation error codes
const (
	// ErrCodeValidation is the base code for validation errors
	ErrCodeValidation = "ERR_VALIDATION"
	// ErrCodeValidationRange is used when a value is out of range
	ErrCodeValidationRange = "ERR_VALIDATION_RANGE"
)

// Resource error codes
const (
	// ErrCodeNotFound is used when a resource is not found
	ErrCodeNotFound = "ERR_NOT_FOUND"
	// ErrCodeUnknownEntityType is used for an unregistered entity type
	ErrCodeUnknownEntityType = "ERR_UNKNOWN_ENTITY_TYPE"
	// ErrCodeConflict is used for general resource conflicts
	ErrCodeConflict = "ERR_CONFLICT"
)

// Business rule error codes
const (
	// ErrCodeInvalidState is used when an operation is invalid for current state
	ErrCodeInvalidState = "ERR_INVALID_STATE"
	// ErrCodeStateViolation is an illegal deposit or transaction transition
	ErrCodeStateViolation = "ERR_STATE_VIOLATION"
	// ErrCodeBusinessRule is used for generic business rule violations
	ErrCodeBusinessRule = "ERR_BUSINESS_RULE"
	// ErrCodeInsufficientBalance is used when balance is insufficient
	ErrCodeInsufficientBalance = "ERR_INSUFFICIENT_BALANCE"
)

// Input error codes
const (
	// ErrCodeBadRequest is used for malformed requests
	ErrCodeBadRequest = "ERR_BAD_REQUEST"
	// ErrCodeInvalidInput is used for invalid input data
	ErrCodeInvalidInput = "ERR_INVALID_INPUT"
	// ErrCodeInvalidJSON is used when JSON parsing fails
	ErrCodeInvalidJSON = "ERR_INVALID_JSON"
)

// Remote backend error codes
const (
	// ErrCodeRemoteUnavailable is a network-class failure talking to the remote
	ErrCodeRemoteUnavailable = "ERR_REMOTE_UNAVAILABLE"
	// ErrCodeRemoteRejected is a well-formed error answer from the remote
	ErrCodeRemoteRejected = "ERR_REMOTE_REJECTED"
	// ErrCodeSerialization is malformed stored or remote data
	ErrCodeSerialization = "ERR_SERIALIZATION"
)

// ErrorCodeHTTPStatus maps error codes to HTTP status codes
var ErrorCodeHTTPStatus = map[string]int{
	ErrCodeUnknown:  http.StatusInternalServerError,
	ErrCodeInternal: http.StatusInternalServerError,

	ErrCodeValidation:      http.StatusBadRequest,
	ErrCodeValidationRange: http.StatusBadRequest,

	ErrCodeNotFound:          http.StatusNotFound,
	ErrCodeUnknownEntityType: http.StatusNotFound,
	ErrCodeConflict:          http.StatusConflict,

	// Business rule errors -> 422 Unprocessable Entity
	ErrCodeInvalidState:        http.StatusUnprocessableEntity,
	ErrCodeStateViolation:      http.StatusConflict,
	ErrCodeBusinessRule:        http.StatusUnprocessableEntity,
	ErrCodeInsufficientBalance: http.StatusUnprocessableEntity,

	ErrCodeBadRequest:   http.StatusBadRequest,
	ErrCodeInvalidInput: http.StatusBadRequest,
	ErrCodeInvalidJSON:  http.StatusBadRequest,

	ErrCodeRemoteUnavailable: http.StatusServiceUnavailable,
	ErrCodeRemoteRejected:    http.StatusBadGateway,
	ErrCodeSerialization:     http.StatusBadGateway,
}

// GetHTTPStatus returns the HTTP status code for an error code
// Returns 500 Internal Server Error if the error code is not found
func GetHTTPStatus(code string) int {
	if status, ok := ErrorCodeHTTPStatus[code]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// LegacyErrorCodeMapping maps domain error codes to the API codes
var LegacyErrorCodeMapping = map[string]string{
	"NOT_FOUND":            ErrCodeNotFound,
	"DEPOSIT_NOT_FOUND":    ErrCodeNotFound,
	"METHOD_NOT_FOUND":     ErrCodeNotFound,
	"ORDER_NOT_FOUND":      ErrCodeNotFound,
	"UNKNOWN_ENTITY_TYPE":  ErrCodeUnknownEntityType,
	"INVALID_INPUT":        ErrCodeInvalidInput,
	"INVALID_USER":         ErrCodeInvalidInput,
	"INVALID_ADMIN":        ErrCodeInvalidInput,
	"INVALID_SCOPE":        ErrCodeInvalidInput,
	"INVALID_ACTION":       ErrCodeInvalidInput,
	"INVALID_QUANTITY":     ErrCodeInvalidInput,
	"INVALID_PRICE":        ErrCodeInvalidInput,
	"NO_ITEMS":             ErrCodeInvalidInput,
	"INVALID_AMOUNT":       ErrCodeValidationRange,
	"AMOUNT_TOO_SMALL":     ErrCodeValidationRange,
	"AMOUNT_TOO_LARGE":     ErrCodeValidationRange,
	"FEE_EXCEEDS_AMOUNT":   ErrCodeBusinessRule,
	"METHOD_DISABLED":      ErrCodeBusinessRule,
	"INVALID_STATE":        ErrCodeInvalidState,
	"INSUFFICIENT_BALANCE": ErrCodeInsufficientBalance,
	"VALIDATION_ERROR":     ErrCodeValidation,
	"BAD_REQUEST":          ErrCodeBadRequest,
	"INTERNAL_ERROR":       ErrCodeInternal,
}

// NormalizeErrorCode converts a domain error code to the standardized format
// If the code is already in the new format or unknown, returns it as-is
func NormalizeErrorCode(code string) string {
	if newCode, ok := LegacyErrorCodeMapping[code]; ok {
		return newCode
	}
	return code
}
