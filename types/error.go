package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode classifies completion failures across the gateway.
type ErrorCode string

const (
	ErrInvalidRequest         ErrorCode = "INVALID_REQUEST"
	ErrResourceNotFound       ErrorCode = "RESOURCE_NOT_FOUND"
	ErrConnectionNotFound     ErrorCode = "CONNECTION_NOT_FOUND"
	ErrSecondaryModelNotFound ErrorCode = "SECONDARY_MODEL_NOT_FOUND"
	ErrProviderNotFound       ErrorCode = "PROVIDER_NOT_FOUND"
	ErrCapacityExhausted      ErrorCode = "CAPACITY_EXHAUSTED"
	ErrBlockedByRouting       ErrorCode = "BLOCKED_BY_ROUTING"
	ErrProviderError          ErrorCode = "PROVIDER_ERROR"
	ErrBatchNotFound          ErrorCode = "BATCH_NOT_FOUND"
	ErrNoCompletionResponse   ErrorCode = "NO_COMPLETION_RESPONSE"
	ErrInternalError          ErrorCode = "INTERNAL_ERROR"
)

// CompletionError is the structured error the fallback and retry logic
// inspects. Anything else bubbling out of a completion attempt is treated
// as non-retryable.
type CompletionError struct {
	Code          ErrorCode         `json:"code"`
	Message       string            `json:"message"`
	StatusCode    int               `json:"status_code"`
	Retryable     bool              `json:"retryable"`
	Rate          bool              `json:"rate"`
	RetryDelay    time.Duration     `json:"retry_delay,omitempty"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Cause         error             `json:"-"`
}

func (e *CompletionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *CompletionError) Unwrap() error {
	return e.Cause
}

// NewCompletionError creates a CompletionError with the given code and message.
func NewCompletionError(code ErrorCode, message string) *CompletionError {
	return &CompletionError{Code: code, Message: message, StatusCode: http.StatusInternalServerError}
}

// WithStatusCode sets the HTTP status code.
func (e *CompletionError) WithStatusCode(status int) *CompletionError {
	e.StatusCode = status
	return e
}

// WithRate flags the error as a rate-limit rejection.
func (e *CompletionError) WithRate(rate bool) *CompletionError {
	e.Rate = rate
	return e
}

// WithRetryable marks the error as retryable.
func (e *CompletionError) WithRetryable(retryable bool) *CompletionError {
	e.Retryable = retryable
	return e
}

// WithFailureReason sets the short reason recorded in usage/audit events.
func (e *CompletionError) WithFailureReason(reason string) *CompletionError {
	e.FailureReason = reason
	return e
}

// WithCause attaches the underlying error.
func (e *CompletionError) WithCause(cause error) *CompletionError {
	e.Cause = cause
	return e
}

// WithRetryDelay sets the suggested delay before a retry.
func (e *CompletionError) WithRetryDelay(delay time.Duration) *CompletionError {
	e.RetryDelay = delay
	return e
}

// WithHeaders attaches the provider response headers, when available.
func (e *CompletionError) WithHeaders(headers map[string]string) *CompletionError {
	e.Headers = headers
	return e
}

// AsCompletionError extracts a CompletionError from an error chain.
func AsCompletionError(err error) (*CompletionError, bool) {
	var ce *CompletionError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// IsRetryable reports whether the error is a retryable CompletionError.
// Unclassified errors are never retryable.
func IsRetryable(err error) bool {
	if ce, ok := AsCompletionError(err); ok {
		return ce.Retryable
	}
	return false
}
