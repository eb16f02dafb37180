package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/icc"
)

// ValidationErrors is a collection of validation errors
type ValidationErrors []*errors.ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// Unwrap exposes each failure so errors.Is and errors.As see through the
// collection.
func (e ValidationErrors) Unwrap() []error {
	errs := make([]error, len(e))
	for i, err := range e {
		errs[i] = err
	}
	return errs
}

// invalid builds the error for one config field.
func invalid(field string, value any, message string) *errors.ValidationError {
	return errors.NewValidationError(message).WithField(field).WithValue(value)
}

// MinQueueCapacity is the smallest queue that leaves room for distinct
// low and high watermarks.
const MinQueueCapacity = 4

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []*errors.ValidationError {
	var errs []*errors.ValidationError

	errs = append(errs, c.validateQueue()...)
	errs = append(errs, c.validateDispatch()...)
	errs = append(errs, c.validateSync()...)
	errs = append(errs, c.validateBus()...)
	errs = append(errs, c.validateTransport()...)
	errs = append(errs, c.validateLogging()...)

	return errs
}

// validateQueue enforces 0 < low < high <= capacity-1
func (c *Config) validateQueue() []*errors.ValidationError {
	var errs []*errors.ValidationError
	q := c.Queue

	if q.Capacity < MinQueueCapacity {
		errs = append(errs, invalid("queue.capacity", q.Capacity, fmt.Sprintf("must be at least %d", MinQueueCapacity)))
		// Watermark checks are meaningless without a usable capacity.
		return errs
	}

	if q.LowWatermark <= 0 {
		errs = append(errs, invalid("queue.low_watermark", q.LowWatermark, "must be positive"))
	}

	if q.HighWatermark > q.Capacity-1 {
		errs = append(errs, invalid("queue.high_watermark", q.HighWatermark, fmt.Sprintf("must not exceed queue.capacity-1 (%d)", q.Capacity-1)))
	}

	if q.LowWatermark >= q.HighWatermark {
		errs = append(errs, invalid("queue.low_watermark", q.LowWatermark, fmt.Sprintf("must be less than queue.high_watermark (%d)", q.HighWatermark)))
	}

	return errs
}

func (c *Config) validateDispatch() []*errors.ValidationError {
	return positive(nil, "dispatch.budget", c.Dispatch.Budget)
}

func (c *Config) validateSync() []*errors.ValidationError {
	var errs []*errors.ValidationError
	s := c.Sync

	errs = positive(errs, "sync.flush_limit", s.FlushLimit)
	errs = positive(errs, "sync.drain_budget", s.DrainBudget)
	errs = positive(errs, "sync.lock_retries", s.LockRetries)
	errs = positive(errs, "sync.mailbox_retries", s.MailboxRetries)
	errs = positive(errs, "sync.timeout_ms", s.TimeoutMs)

	if s.RetryIntervalUs < 0 {
		errs = append(errs, invalid("sync.retry_interval_us", s.RetryIntervalUs, "must be non-negative"))
	}

	return errs
}

// validateBus checks that reserved channel ids are addressable
func (c *Config) validateBus() []*errors.ValidationError {
	var errs []*errors.ValidationError

	if c.Bus.ControlClient < 0 || c.Bus.ControlClient >= icc.MaxClient {
		errs = append(errs, invalid("bus.control_client", c.Bus.ControlClient, fmt.Sprintf("must be in [0, %d)", icc.MaxClient)))
	}

	// -1 disables the announcement.
	if c.Bus.AnnounceClient < -1 || c.Bus.AnnounceClient >= icc.MaxClient {
		errs = append(errs, invalid("bus.announce_client", c.Bus.AnnounceClient, fmt.Sprintf("must be -1 or in [0, %d)", icc.MaxClient)))
	}

	return errs
}

func (c *Config) validateTransport() []*errors.ValidationError {
	return positive(nil, "transport.depth", c.Transport.Depth)
}

// validateLogging validates the LoggingConfig
func (c *Config) validateLogging() []*errors.ValidationError {
	var errs []*errors.ValidationError

	if c.Logging.Level != "" && !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errs = append(errs, invalid("logging.level", c.Logging.Level, fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", "))))
	}

	if c.Logging.MaxSizeMB <= 0 {
		errs = append(errs, invalid("logging.max_size_mb", c.Logging.MaxSizeMB, "must be positive"))
	}

	const maxLogSizeMB = 1000
	if c.Logging.MaxSizeMB > maxLogSizeMB {
		errs = append(errs, invalid("logging.max_size_mb", c.Logging.MaxSizeMB, fmt.Sprintf("exceeds maximum of %dMB", maxLogSizeMB)))
	}

	if c.Logging.MaxBackups < 0 {
		errs = append(errs, invalid("logging.max_backups", c.Logging.MaxBackups, "must be non-negative"))
	}

	return errs
}

func positive(errs []*errors.ValidationError, field string, v int) []*errors.ValidationError {
	if v <= 0 {
		errs = append(errs, invalid(field, v, "must be positive"))
	}
	return errs
}
