// Package remote defines the typed failure taxonomy shared by the port
// adapters and the retry policy. Every remote call either succeeds or yields
// an *Error tagged transient (worth retrying) or fatal (surface immediately).
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a remote failure for retry purposes
type Kind string

const (
	// KindTransient covers network timeouts, rate limits, and 5xx responses
	KindTransient Kind = "transient"
	// KindFatal covers auth failures, quota exhaustion, and rejected input
	KindFatal Kind = "fatal"
)

// Error represents a failure returned by a remote port
type Error struct {
	Op         string // which call failed, e.g. "extract", "synthesize"
	Message    string
	StatusCode int // HTTP status when applicable, 0 otherwise
	Kind       Kind
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: remote error (status %d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: remote error: %s", e.Op, e.Message)
}

// Transient constructs a retryable remote error
func Transient(op, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...), Kind: KindTransient}
}

// Fatal constructs a non-retryable remote error
func Fatal(op, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...), Kind: KindFatal}
}

// FromStatus builds an Error from an HTTP status code, classifying rate
// limits and server errors as transient and client errors as fatal.
func FromStatus(op string, statusCode int, message string) *Error {
	kind := KindFatal
	if statusCode == 429 || statusCode >= 500 {
		kind = KindTransient
	}
	return &Error{Op: op, Message: message, StatusCode: statusCode, Kind: kind}
}

// Classify reports the retry classification of an arbitrary error. Timeouts
// and cancelled deadlines count as transient; an unrecognized error is
// treated as transient so the retry policy gets a chance to recover from it.
func Classify(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	return KindTransient
}

// IsFatal reports whether err should never be retried.
func IsFatal(err error) bool {
	return Classify(err) == KindFatal
}
