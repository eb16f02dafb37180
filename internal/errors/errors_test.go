package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// -----------------------------------------------------------------------------
// Severity Tests
// -----------------------------------------------------------------------------

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

// -----------------------------------------------------------------------------
// ChannelError Tests
// -----------------------------------------------------------------------------

func TestChannelError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *ChannelError
		want string
	}{
		{
			name: "with channel and cause",
			err:  NewChannelError("open", ErrAlreadyOpen).WithChannel(5),
			want: "channel error [channel=5, op=open]: channel already open",
		},
		{
			name: "without channel",
			err:  NewChannelError("read", ErrNotOpen),
			want: "channel error [op=read]: channel not open",
		},
		{
			name: "channel zero is kept",
			err:  NewChannelError("close", ErrInvalidChannel).WithChannel(0),
			want: "channel error [channel=0, op=close]: invalid channel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChannelError_IsAndAs(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", NewChannelError("open", ErrAlreadyOpen).WithChannel(2))

	if !errors.Is(err, ErrAlreadyOpen) {
		t.Error("errors.Is(err, ErrAlreadyOpen) = false, want true")
	}
	if errors.Is(err, ErrNotOpen) {
		t.Error("errors.Is(err, ErrNotOpen) = true, want false")
	}

	var chErr *ChannelError
	if !errors.As(err, &chErr) {
		t.Fatal("errors.As(err, *ChannelError) = false, want true")
	}
	if chErr.Channel != 2 {
		t.Errorf("Channel = %d, want 2", chErr.Channel)
	}
}

// -----------------------------------------------------------------------------
// TransportError Tests
// -----------------------------------------------------------------------------

func TestTransportError_Retryable(t *testing.T) {
	tests := []struct {
		name  string
		cause error
		want  bool
	}{
		{"busy is retryable", ErrTransportBusy, true},
		{"failure is not retryable", ErrTransportFailed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewTransportError("send", tt.cause)
			if got := err.IsRetryable(); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
			if got := IsRetryable(err); got != tt.want {
				t.Errorf("IsRetryable(err) = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTransportError_Error(t *testing.T) {
	err := NewTransportError("send", ErrTransportBusy).WithChannel(3)
	want := "transport error [channel=3, op=send]: transport busy"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

// -----------------------------------------------------------------------------
// SyncError Tests
// -----------------------------------------------------------------------------

func TestSyncError(t *testing.T) {
	err := NewSyncError("await", ErrTimeout).WithChannel(7).WithAttempts(12)

	want := "sync error [channel=7, phase=await, attempts=12]: operation timed out"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false, want true")
	}
	if !err.IsRetryable() {
		t.Error("IsRetryable() = false, want true for timeout")
	}

	unresponsive := NewSyncError("flush", ErrPeerUnresponsive)
	if unresponsive.IsRetryable() {
		t.Error("IsRetryable() = true, want false for unresponsive peer")
	}
}

// -----------------------------------------------------------------------------
// Semantic Error Tests
// -----------------------------------------------------------------------------

func TestValidationError(t *testing.T) {
	err := NewValidationError("must be positive").WithField("dispatch.budget").WithValue(0)

	want := "validation error [field=dispatch.budget, value=0]: must be positive"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrInvalidInput) {
		t.Error("errors.Is(err, ErrInvalidInput) = false, want true")
	}
	if err.Severity() != SeverityWarning {
		t.Errorf("Severity() = %v, want %v", err.Severity(), SeverityWarning)
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("awaiting sync reply", 5*time.Second)

	want := "timeout error: awaiting sync reply (timeout: 5s)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false, want true")
	}
	if !IsRetryable(err) {
		t.Error("IsRetryable() = false, want true")
	}

	withCause := NewTimeoutError("sync request", time.Second).WithCause(context.DeadlineExceeded)
	if !errors.Is(withCause, context.DeadlineExceeded) {
		t.Error("errors.Is(err, context.DeadlineExceeded) = false, want true")
	}
	if !errors.Is(withCause, ErrTimeout) {
		t.Error("errors.Is(err, ErrTimeout) = false with a cause attached")
	}
	var te *TimeoutError
	if !errors.As(fmt.Errorf("x: %w", withCause), &te) || te.Duration != time.Second {
		t.Errorf("errors.As() = %v, want a TimeoutError with 1s", te)
	}
}

// -----------------------------------------------------------------------------
// Helper Tests
// -----------------------------------------------------------------------------

func TestIsRetryable_Plain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"wrapped timeout", fmt.Errorf("x: %w", ErrTimeout), true},
		{"wrapped busy", fmt.Errorf("x: %w", ErrTransportBusy), true},
		{"queue full", ErrQueueFull, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetSeverity(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Severity
	}{
		{"nil", nil, SeverityDebug},
		{"plain", errors.New("x"), SeverityError},
		{"channel", NewChannelError("open", ErrAlreadyOpen), SeverityWarning},
		{"wrapped sync", fmt.Errorf("regmap: %w", NewSyncError("await", ErrTimeout)), SeverityError},
		{"validation", NewValidationError("must be positive"), SeverityWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetSeverity(tt.err); got != tt.want {
				t.Errorf("GetSeverity() = %v, want %v", got, tt.want)
			}
		})
	}
}
