package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// ErrorCategory classifies errors for retry decisions
type ErrorCategory int

const (
	// ErrorCategoryUnknown - unclassified error, default to not retryable
	ErrorCategoryUnknown ErrorCategory = iota

	// ErrorCategoryTransient - temporary failures that may succeed on retry
	// Examples: timeout, rate limit (429), server error (5xx), network error
	ErrorCategoryTransient

	// ErrorCategoryPermanent - errors that will not succeed on retry
	// Examples: auth error (401/403), bad request (400), malformed input
	ErrorCategoryPermanent

	// ErrorCategoryValidation - the caller sent something the dependency rejected
	ErrorCategoryValidation
)

// String returns a human-readable category name
func (c ErrorCategory) String() string {
	switch c {
	case ErrorCategoryTransient:
		return "transient"
	case ErrorCategoryPermanent:
		return "permanent"
	case ErrorCategoryValidation:
		return "validation"
	default:
		return "unknown"
	}
}

// DependencyError wraps an external-call error with its retry classification
type DependencyError struct {
	Category   ErrorCategory
	Message    string
	StatusCode int // HTTP status code if applicable
	Retryable  bool
	Cause      error
}

func (e *DependencyError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("[%d] %s", e.StatusCode, e.Message)
	}
	return e.Message
}

func (e *DependencyError) Unwrap() error {
	return e.Cause
}

// IsRetryable determines if an error should be retried
func (e *DependencyError) IsRetryable() bool {
	return e.Retryable
}

// Permanent marks err as non-retryable. Permanent errors do not count against
// a circuit breaker because the dependency answered.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{
		Category: ErrorCategoryPermanent,
		Message:  err.Error(),
		Cause:    err,
	}
}

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &DependencyError{
		Category:  ErrorCategoryTransient,
		Message:   err.Error(),
		Retryable: true,
		Cause:     err,
	}
}

// ClassifyHTTPError classifies an HTTP response error
func ClassifyHTTPError(statusCode int, body string) *DependencyError {
	err := &DependencyError{
		StatusCode: statusCode,
		Message:    fmt.Sprintf("HTTP %d: %s", statusCode, truncateString(body, 200)),
	}

	switch {
	// Rate limiting - always retryable
	case statusCode == http.StatusTooManyRequests:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	// Server errors - retryable
	case statusCode >= 500 && statusCode < 600:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	// Request timeout - retryable
	case statusCode == http.StatusRequestTimeout:
		err.Category = ErrorCategoryTransient
		err.Retryable = true

	// Auth errors - NOT retryable
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		err.Category = ErrorCategoryPermanent

	// Application-level rejections - NOT retryable
	case statusCode == http.StatusBadRequest ||
		statusCode == http.StatusNotFound ||
		statusCode == http.StatusUnprocessableEntity:
		err.Category = ErrorCategoryValidation

	default:
		err.Category = ErrorCategoryUnknown
	}

	return err
}

// ClassifyError classifies a general error
func ClassifyError(err error) *DependencyError {
	if err == nil {
		return nil
	}

	var depErr *DependencyError
	if errors.As(err, &depErr) {
		return depErr
	}

	if errors.Is(err, ErrCircuitOpen) {
		return &DependencyError{
			Category: ErrorCategoryPermanent,
			Message:  "circuit open",
			Cause:    err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &DependencyError{
			Category:  ErrorCategoryTransient,
			Message:   "request timed out",
			Retryable: true,
			Cause:     err,
		}
	}

	// The caller gave up; retrying would ignore that.
	if errors.Is(err, context.Canceled) {
		return &DependencyError{
			Category: ErrorCategoryPermanent,
			Message:  "request canceled",
			Cause:    err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &DependencyError{
			Category:  ErrorCategoryTransient,
			Message:   fmt.Sprintf("network error: %s", truncateString(err.Error(), 100)),
			Retryable: true,
			Cause:     err,
		}
	}

	errStr := err.Error()

	// Network errors - connection issues
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "network is unreachable") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF") {
		return &DependencyError{
			Category:  ErrorCategoryTransient,
			Message:   fmt.Sprintf("network error: %s", truncateString(errStr, 100)),
			Retryable: true,
			Cause:     err,
		}
	}

	// TLS errors - usually permanent
	if strings.Contains(errStr, "certificate") ||
		strings.Contains(errStr, "tls:") ||
		strings.Contains(errStr, "x509:") {
		return &DependencyError{
			Category: ErrorCategoryPermanent,
			Message:  "TLS/certificate error",
			Cause:    err,
		}
	}

	return &DependencyError{
		Category: ErrorCategoryUnknown,
		Message:  truncateString(errStr, 200),
		Cause:    err,
	}
}

// IsRetryable is the default retry classifier
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Retryable
}

// countsAsFailure reports whether err says something about the dependency's health.
// Validation and permanent errors mean the dependency answered.
func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	switch ClassifyError(err).Category {
	case ErrorCategoryPermanent, ErrorCategoryValidation:
		return false
	default:
		return true
	}
}

// truncateString truncates a string to maxLen characters
func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
