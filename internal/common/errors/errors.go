// Package errors provides application error types for Crewdock.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Orchestration-specific codes
	ErrCodePortExhausted     = "PORT_EXHAUSTED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeAgentUnavailable  = "AGENT_UNAVAILABLE"
	ErrCodeQueueFull         = "QUEUE_FULL"
	ErrCodeStartupTimeout    = "STARTUP_TIMEOUT"
	ErrCodeProvisionFailed   = "PROVISION_FAILED"
	ErrCodeEngineUnavailable = "ENGINE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// PortExhausted reports that no free port could be found within the retry budget.
// Retryable capacity condition, mapped to 503.
func PortExhausted(rangeStart, rangeEnd, attempts int) *AppError {
	return &AppError{
		Code:       ErrCodePortExhausted,
		Message:    fmt.Sprintf("no available port in range %d-%d after %d attempts", rangeStart, rangeEnd, attempts),
		HTTPStatus: http.StatusServiceUnavailable,
	}
}

// InvalidTransition reports a rejected agent state change.
func InvalidTransition(agentID, from, to string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidTransition,
		Message:    fmt.Sprintf("agent '%s': invalid state transition %s -> %s", agentID, from, to),
		HTTPStatus: http.StatusConflict,
	}
}

// AgentUnavailable reports that an agent cannot accept messages, with one of
// the fixed reasons: unavailable, offline, error, busy.
func AgentUnavailable(agentID, reason string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentUnavailable,
		Message:    fmt.Sprintf("agent '%s' is %s", agentID, reason),
		HTTPStatus: http.StatusConflict,
	}
}

// QueueFull reports that an agent's message queue hit its configured cap.
func QueueFull(agentID string, limit int) *AppError {
	return &AppError{
		Code:       ErrCodeQueueFull,
		Message:    fmt.Sprintf("agent '%s' message queue is full (limit %d)", agentID, limit),
		HTTPStatus: http.StatusTooManyRequests,
	}
}

// StartupTimeout reports that an agent never signalled readiness in time.
func StartupTimeout(agentID string) *AppError {
	return &AppError{
		Code:       ErrCodeStartupTimeout,
		Message:    fmt.Sprintf("agent '%s' did not become ready before the startup timeout", agentID),
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// ProvisionFailed reports a clone/build/start failure with a human-readable reason.
func ProvisionFailed(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeProvisionFailed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// EngineUnavailable reports that the container engine is not reachable.
func EngineUnavailable(err error) *AppError {
	return &AppError{
		Code:       ErrCodeEngineUnavailable,
		Message:    "container engine is not reachable",
		HTTPStatus: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// HasCode checks whether the error carries the given application code.
func HasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return HasCode(err, ErrCodeNotFound)
}

// IsPortExhausted checks if the error is a port exhaustion error.
func IsPortExhausted(err error) bool {
	return HasCode(err, ErrCodePortExhausted)
}

// IsInvalidTransition checks if the error is a rejected state transition.
func IsInvalidTransition(err error) bool {
	return HasCode(err, ErrCodeInvalidTransition)
}

// IsAgentUnavailable checks if the error is an agent availability rejection.
func IsAgentUnavailable(err error) bool {
	return HasCode(err, ErrCodeAgentUnavailable)
}

// IsQueueFull checks if the error is a queue capacity rejection.
func IsQueueFull(err error) bool {
	return HasCode(err, ErrCodeQueueFull)
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
