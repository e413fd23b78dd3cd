package chatmesh

import (
	"errors"
	"fmt"
	"time"
)

// TimeoutError reports that a permit or call deadline was exceeded.
// It is returned to the caller and is not retried beyond the configured
// attempt bound.
type TimeoutError struct {
	Stage string // "permit" or "call"
	Pool  string
	Cause error
}

func (e *TimeoutError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("timeout during %s acquisition for pool %q: %v", e.Stage, e.Pool, e.Cause)
	}
	return fmt.Sprintf("timeout during %s acquisition for pool %q", e.Stage, e.Pool)
}

func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// NewTimeoutError creates a new timeout error.
func NewTimeoutError(stage, pool string, cause error) *TimeoutError {
	return &TimeoutError{Stage: stage, Pool: pool, Cause: cause}
}

// OverloadedError reports that the worker pool queue is saturated.
// Submission is rejected immediately; the caller may shed or queue
// externally.
type OverloadedError struct {
	QueueDepth int
	QueueLimit int
}

func (e *OverloadedError) Error() string {
	return fmt.Sprintf("worker pool overloaded: queue full (%d/%d)", e.QueueDepth, e.QueueLimit)
}

// NewOverloadedError creates a new overloaded error.
func NewOverloadedError(depth, limit int) *OverloadedError {
	return &OverloadedError{QueueDepth: depth, QueueLimit: limit}
}

// ServiceUnavailableError reports that all retry attempts against the
// upstream were exhausted on transient failures.
type ServiceUnavailableError struct {
	Attempts int
	Elapsed  time.Duration
	Cause    error // error from the last attempt
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("service unavailable after %d attempts (%.1fs): %v",
		e.Attempts, e.Elapsed.Seconds(), e.Cause)
}

func (e *ServiceUnavailableError) Unwrap() error {
	return e.Cause
}

// NewServiceUnavailableError creates a new service-unavailable error.
func NewServiceUnavailableError(attempts int, elapsed time.Duration, cause error) *ServiceUnavailableError {
	return &ServiceUnavailableError{Attempts: attempts, Elapsed: elapsed, Cause: cause}
}

// TerminalRequestError reports a non-retryable upstream rejection, such
// as malformed input or an authentication failure. It is surfaced
// immediately without retry.
type TerminalRequestError struct {
	StatusCode int
	Cause      error
}

func (e *TerminalRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("terminal request error (status %d): %v", e.StatusCode, e.Cause)
	}
	return fmt.Sprintf("terminal request error: %v", e.Cause)
}

func (e *TerminalRequestError) Unwrap() error {
	return e.Cause
}

// NewTerminalRequestError creates a new terminal request error.
func NewTerminalRequestError(statusCode int, cause error) *TerminalRequestError {
	return &TerminalRequestError{StatusCode: statusCode, Cause: cause}
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var t *TimeoutError
	return errors.As(err, &t)
}

// IsOverloaded reports whether err is (or wraps) an OverloadedError.
func IsOverloaded(err error) bool {
	var o *OverloadedError
	return errors.As(err, &o)
}

// IsServiceUnavailable reports whether err is (or wraps) a
// ServiceUnavailableError.
func IsServiceUnavailable(err error) bool {
	var s *ServiceUnavailableError
	return errors.As(err, &s)
}

// IsTerminal reports whether err is (or wraps) a TerminalRequestError.
func IsTerminal(err error) bool {
	var t *TerminalRequestError
	return errors.As(err, &t)
}
