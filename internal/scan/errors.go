package scan

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorCategory is the normalised failure taxonomy for scanner backends.
type ErrorCategory string

const (
	// ErrorTimeout indicates the backend did not answer within its timeout
	ErrorTimeout ErrorCategory = "timeout"

	// ErrorOutage indicates the backend is unreachable or failing
	ErrorOutage ErrorCategory = "outage"

	// ErrorBadResponse indicates the backend answered with something unparseable
	ErrorBadResponse ErrorCategory = "bad_response"

	// ErrorAuthentication indicates credential or permission issues
	ErrorAuthentication ErrorCategory = "authentication"

	// ErrorCircuitOpen indicates the backend was skipped by its breaker
	ErrorCircuitOpen ErrorCategory = "circuit_open"

	// ErrorInternal indicates an unexpected failure
	ErrorInternal ErrorCategory = "internal"
)

// ScannerError wraps backend failures with a normalised category. It never
// fails a scan; the backend is excluded from consensus instead.
type ScannerError struct {
	Category   ErrorCategory
	ScannerID  string
	Message    string
	Underlying error
}

func (e *ScannerError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("scanner %s [%s]: %s: %v", e.ScannerID, e.Category, e.Message, e.Underlying)
	}
	return fmt.Sprintf("scanner %s [%s]: %s", e.ScannerID, e.Category, e.Message)
}

func (e *ScannerError) Unwrap() error {
	return e.Underlying
}

func NewScannerError(category ErrorCategory, scannerID, message string, underlying error) *ScannerError {
	return &ScannerError{
		Category:   category,
		ScannerID:  scannerID,
		Message:    message,
		Underlying: underlying,
	}
}

// CategoryOf classifies any error returned by a backend. Deadline and
// network timeouts map to ErrorTimeout even when the backend did not wrap
// them.
func CategoryOf(err error) ErrorCategory {
	var se *ScannerError
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrorTimeout
	}
	return ErrorInternal
}

var ErrScannerRegistered = errors.New("scanner already registered")
