package domain

import (
	"errors"
	"fmt"
)

// The fulfillment error taxonomy. Activities classify every failure into one
// of these buckets; the activity executor retries transient errors and
// surfaces terminal ones to the enclosing workflow unchanged.

// ValidationError is a terminal bad-input failure. Never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// TerminalError is a terminal business failure, e.g. a payment decline.
// Never retried; the workflow fails with the wrapped reason.
type TerminalError struct {
	Reason string
	Err    error
}

func (e *TerminalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Err)
	}
	return e.Reason
}

func (e *TerminalError) Unwrap() error { return e.Err }

// TransientError marks a retryable infrastructure failure (storage or
// network blip). The activity executor absorbs these in its retry loop.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return "transient: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is retryable. Anything not explicitly
// classified terminal is treated as transient, matching the policy that
// unknown infrastructure failures should be retried rather than fail an
// order permanently.
func IsTransient(err error) bool {
	return !IsTerminal(err)
}

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	var ve *ValidationError
	var te *TerminalError
	return errors.As(err, &ve) || errors.As(err, &te)
}

var (
	// ErrOrderNotFound is returned by repositories for unknown order ids.
	ErrOrderNotFound = errors.New("order not found")

	// ErrPaymentDeclined is the terminal decline outcome of a charge.
	ErrPaymentDeclined = errors.New("payment declined")
)
