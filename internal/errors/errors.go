// Package errors provides centralized error definitions and error handling utilities
// for the ICC bus. It defines the bus error taxonomy as sentinel errors, structured
// error types that carry channel and operation context, and classification helpers.
//
// # Error Types
//
// Domain-specific errors represent failures from a bus subsystem:
//   - ChannelError: lifecycle, read and notifier misuse on a client channel
//   - TransportError: send/receive failures on the shared mailbox transport
//   - SyncError: failures of a synchronous request/response exchange
//
// Semantic errors represent common error conditions:
//   - ValidationError: invalid input or configuration
//   - TimeoutError: a bounded wait ran out
//
// # Usage
//
//	err := errors.NewChannelError("open", errors.ErrAlreadyOpen).WithChannel(5)
//
//	if errors.Is(err, errors.ErrAlreadyOpen) { ... }
//
//	var chErr *errors.ChannelError
//	if errors.As(err, &chErr) { log.Printf("channel %d", chErr.Channel) }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Channel-related sentinel errors
var (
	// ErrInvalidChannel indicates a client id outside [0, MaxClient).
	ErrInvalidChannel = New("invalid channel")
	// ErrAlreadyOpen indicates the channel is already installed by another opener.
	ErrAlreadyOpen = New("channel already open")
	// ErrNotOpen indicates the channel is not installed.
	ErrNotOpen = New("channel not open")
	// ErrQueueEmpty indicates a non-blocking read found nothing to return.
	ErrQueueEmpty = New("queue empty")
	// ErrQueueFull indicates the channel queue had no free slot.
	ErrQueueFull = New("queue full")
)

// Notifier-related sentinel errors
var (
	// ErrAlreadyRegistered indicates the channel already has an upcall.
	ErrAlreadyRegistered = New("callback already registered")
	// ErrNotRegistered indicates there is no upcall to unregister.
	ErrNotRegistered = New("callback not registered")
	// ErrInvalidCallback indicates a nil upcall was supplied.
	ErrInvalidCallback = New("invalid callback")
)

// Transport-related sentinel errors
var (
	// ErrTransportBusy indicates the outbound mailbox is full.
	ErrTransportBusy = New("transport busy")
	// ErrTransportFailed indicates the peer is not responding on the transport.
	ErrTransportFailed = New("transport failed")
	// ErrMappingsExhausted indicates a client has no free address mapping slot.
	ErrMappingsExhausted = New("address mappings exhausted")
)

// Sync request sentinel errors
var (
	// ErrPeerUnresponsive indicates the peer produced no usable traffic within budget.
	ErrPeerUnresponsive = New("peer unresponsive")
	// ErrRemoteStatus indicates the peer answered with a failure status.
	ErrRemoteStatus = New("remote reported failure")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrCanceled indicates that an operation was canceled.
	ErrCanceled = New("operation canceled")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// BusError is the base interface for all ICC bus errors.
type BusError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the operation may succeed on retry.
	IsRetryable() bool
}

// -----------------------------------------------------------------------------
// Base Error Implementation
// -----------------------------------------------------------------------------

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// noChannel marks a channel field as unset.
const noChannel = -1

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ChannelError represents errors related to a client channel.
//
// Example:
//
//	err := errors.NewChannelError("open", errors.ErrAlreadyOpen).WithChannel(5)
//	fmt.Println(err) // "channel error [channel=5, op=open]: channel already open"
type ChannelError struct {
	baseError
	Channel int
	Op      string
}

// NewChannelError creates a new ChannelError for the given operation.
func NewChannelError(op string, cause error) *ChannelError {
	return &ChannelError{
		baseError: baseError{
			message:  op + " failed",
			cause:    cause,
			severity: SeverityWarning,
		},
		Channel: noChannel,
		Op:      op,
	}
}

// WithChannel adds the channel id to the error context.
func (e *ChannelError) WithChannel(id int) *ChannelError {
	e.Channel = id
	return e
}

// Error returns the formatted error message.
func (e *ChannelError) Error() string {
	var parts []string
	if e.Channel != noChannel {
		parts = append(parts, fmt.Sprintf("channel=%d", e.Channel))
	}
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}

	prefix := "channel error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("channel error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ChannelError) Is(target error) bool {
	if _, ok := target.(*ChannelError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// TransportError represents a failure of the shared mailbox transport.
//
// Example:
//
//	err := errors.NewTransportError("send", errors.ErrTransportBusy).WithChannel(3)
type TransportError struct {
	baseError
	Channel int
	Op      string
}

// NewTransportError creates a new TransportError. Busy conditions are
// retryable; every other cause is not.
func NewTransportError(op string, cause error) *TransportError {
	return &TransportError{
		baseError: baseError{
			message:   op + " failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrTransportBusy),
		},
		Channel: noChannel,
		Op:      op,
	}
}

// WithChannel adds the sending channel id to the error context.
func (e *TransportError) WithChannel(id int) *TransportError {
	e.Channel = id
	return e
}

// Error returns the formatted error message.
func (e *TransportError) Error() string {
	prefix := fmt.Sprintf("transport error [op=%s]", e.Op)
	if e.Channel != noChannel {
		prefix = fmt.Sprintf("transport error [channel=%d, op=%s]", e.Channel, e.Op)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *TransportError) Is(target error) bool {
	if _, ok := target.(*TransportError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SyncError represents a failed synchronous request/response exchange.
//
// Example:
//
//	err := errors.NewSyncError("await", errors.ErrPeerUnresponsive).WithChannel(7)
//	fmt.Println(err) // "sync error [channel=7, phase=await]: peer unresponsive"
type SyncError struct {
	baseError
	Channel  int
	Phase    string
	Attempts int
}

// NewSyncError creates a new SyncError for the given phase.
func NewSyncError(phase string, cause error) *SyncError {
	return &SyncError{
		baseError: baseError{
			message:   phase + " failed",
			cause:     cause,
			severity:  SeverityError,
			retryable: errors.Is(cause, ErrTimeout) || errors.Is(cause, ErrTransportBusy),
		},
		Channel: noChannel,
		Phase:   phase,
	}
}

// WithChannel adds the requesting channel id to the error context.
func (e *SyncError) WithChannel(id int) *SyncError {
	e.Channel = id
	return e
}

// WithAttempts records how many lock attempts were made.
func (e *SyncError) WithAttempts(n int) *SyncError {
	e.Attempts = n
	return e
}

// Error returns the formatted error message.
func (e *SyncError) Error() string {
	var parts []string
	if e.Channel != noChannel {
		parts = append(parts, fmt.Sprintf("channel=%d", e.Channel))
	}
	if e.Phase != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.Phase))
	}
	if e.Attempts > 0 {
		parts = append(parts, fmt.Sprintf("attempts=%d", e.Attempts))
	}

	prefix := "sync error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("sync error [%s]", strings.Join(parts, ", "))
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", prefix, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SyncError) Is(target error) bool {
	if _, ok := target.(*SyncError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// ValidationError represents invalid input or state.
//
// Example:
//
//	err := errors.NewValidationError("watermarks out of order")
//	err = err.WithField("queue.low_watermark").WithValue(5000)
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityWarning,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("awaiting sync reply", 5*time.Second)
//	fmt.Println(err) // "timeout error: awaiting sync reply (timeout: 5s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityWarning,
			retryable: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry: a BusError reporting IsRetryable, or anything
// wrapping ErrTimeout or ErrTransportBusy.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var busErr BusError
	if As(err, &busErr) {
		return busErr.IsRetryable()
	}

	return Is(err, ErrTimeout) || Is(err, ErrTransportBusy)
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement BusError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var busErr BusError
	if As(err, &busErr) {
		return busErr.Severity()
	}

	return SeverityError
}
