package errors

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// TransientError represents an error that can be retried.
type TransientError struct {
	Err        error
	StatusCode int    // HTTP status code if applicable
	Message    string // user-facing message
}

func (e *TransientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("transient error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// NewTransientError wraps err with a user-facing message.
func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

// PermanentError represents an error that should not be retried.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// NewPermanentError wraps err with a user-facing message.
func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

// IsTransient checks if an error is retry-able.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var transientErr *TransientError
	if errors.As(err, &transientErr) {
		return true
	}
	var permanentErr *PermanentError
	if errors.As(err, &permanentErr) {
		return false
	}

	// Network-level errors are generally transient.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{"timeout", "connection reset", "temporarily unavailable", "eof"} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// MapHTTPError classifies a non-2xx backend response into the taxonomy.
func MapHTTPError(statusCode int, body []byte) error {
	summary := strings.TrimSpace(string(body))
	if len(summary) > 256 {
		summary = summary[:256]
	}
	base := fmt.Errorf("backend returned status %d: %s", statusCode, summary)

	switch {
	case statusCode == http.StatusTooManyRequests,
		statusCode >= 500:
		return &TransientError{
			Err:        base,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("backend temporarily unavailable (status %d)", statusCode),
		}
	default:
		return &PermanentError{
			Err:        base,
			StatusCode: statusCode,
			Message:    fmt.Sprintf("backend rejected the request (status %d)", statusCode),
		}
	}
}
