package common

import (
	"fmt"
)

// Error codes surfaced by swarm operations.
const (
	ErrCodeValidation          = "VALIDATION"
	ErrCodeUnknownPeer         = "UNKNOWN_PEER"
	ErrCodeUnimplemented       = "UNIMPLEMENTED"
	ErrCodeCapabilityViolation = "CAPABILITY_VIOLATION"
	ErrCodeSLOViolation        = "SLO_VIOLATION"
	ErrCodeTimeout             = "TIMEOUT"
	ErrCodeCancelled           = "CANCELLED"
	ErrCodePeerUnreachable     = "PEER_UNREACHABLE"
	ErrCodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	ErrCodeInsufficientPeers   = "INSUFFICIENT_PEERS"
	ErrCodeTokenRevoked        = "TOKEN_REVOKED"
	ErrCodeTokenExpired        = "TOKEN_EXPIRED"
)

// SwarmError is a coded error with attached context.
type SwarmError struct {
	Code    string
	Message string
	Context map[string]interface{}
	Cause   error
}

func (e *SwarmError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *SwarmError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error and returns it for chaining.
func (e *SwarmError) WithContext(key string, value interface{}) *SwarmError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewSwarmError creates a coded error.
func NewSwarmError(code, message string) *SwarmError {
	return &SwarmError{Code: code, Message: message, Context: make(map[string]interface{})}
}

// WrapError wraps an existing error with swarm error context.
func WrapError(code, message string, cause error) *SwarmError {
	return &SwarmError{Code: code, Message: message, Cause: cause, Context: make(map[string]interface{})}
}

// Common error constructors

func ErrValidation(detail string) *SwarmError {
	return NewSwarmError(ErrCodeValidation, "request validation failed").
		WithContext("detail", detail)
}

func ErrUnknownPeer(nodeID string) *SwarmError {
	return NewSwarmError(ErrCodeUnknownPeer, "peer not in table").
		WithContext("node_id", nodeID)
}

func ErrUnimplemented(feature string) *SwarmError {
	return NewSwarmError(ErrCodeUnimplemented, "feature not wired").
		WithContext("feature", feature)
}

func ErrCapabilityViolation(reason string) *SwarmError {
	return NewSwarmError(ErrCodeCapabilityViolation, "capability check failed").
		WithContext("reason", reason)
}

func ErrSLOViolation(field string, limit, actual float64) *SwarmError {
	return NewSwarmError(ErrCodeSLOViolation, "result exceeded contract bounds").
		WithContext("field", field).
		WithContext("limit", limit).
		WithContext("actual", actual)
}

func ErrTimeout(operation string, window string) *SwarmError {
	return NewSwarmError(ErrCodeTimeout, "operation timed out").
		WithContext("operation", operation).
		WithContext("window", window)
}

func ErrPeerUnreachable(nodeID string, cause error) *SwarmError {
	return WrapError(ErrCodePeerUnreachable, "peer unreachable", cause).
		WithContext("node_id", nodeID)
}

func ErrCapacityExceeded(resource string, limit int) *SwarmError {
	return NewSwarmError(ErrCodeCapacityExceeded, "bounded collection full").
		WithContext("resource", resource).
		WithContext("limit", limit)
}
