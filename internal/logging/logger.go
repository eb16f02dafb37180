package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Iron-Ham/iccbus/internal/icc"
)

// Log levels supported by the logger
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

// LogFileName is the name of the log file created inside Options.Dir.
const LogFileName = "iccbus.log"

// Options configures NewLogger.
type Options struct {
	// Dir is the directory that receives iccbus.log. Empty means stderr.
	Dir string
	// Level is one of DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string
	// Rotation controls size based rotation of the log file.
	Rotation RotationConfig
}

// Logger provides structured logging with persistent attributes.
// It is safe for concurrent use. Child loggers share the level and the
// underlying writer with their parent.
type Logger struct {
	logger *slog.Logger
	level  *slog.LevelVar
	closer io.Closer
	attrs  []slog.Attr
}

// NewLogger creates a Logger that writes JSON lines either to
// {Dir}/iccbus.log (rotated per opts.Rotation) or to stderr.
func NewLogger(opts Options) (*Logger, error) {
	var writer io.Writer = os.Stderr
	var closer io.Closer

	if opts.Dir != "" {
		rw, err := NewRotatingWriter(filepath.Join(opts.Dir, LogFileName), opts.Rotation)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		writer = rw
		closer = rw
	}

	return newLogger(writer, closer, opts.Level), nil
}

// NewWriterLogger creates a Logger writing JSON lines to w.
func NewWriterLogger(w io.Writer, level string) *Logger {
	return newLogger(w, nil, level)
}

func newLogger(w io.Writer, closer io.Closer, level string) *Logger {
	lv := new(slog.LevelVar)
	lv.Set(parseLevel(level))

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return &Logger{
		logger: slog.New(handler),
		level:  lv,
		closer: closer,
	}
}

// parseLevel converts a string log level to slog.Level.
// Defaults to INFO if the level string is not recognized.
func parseLevel(level string) slog.Level {
	switch strings.ToUpper(level) {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetLevel changes the minimum level of this logger and every logger
// derived from the same root.
func (l *Logger) SetLevel(level string) {
	l.level.Set(parseLevel(level))
}

// Level returns the current minimum level as one of the Level constants.
func (l *Logger) Level() string {
	switch l.level.Level() {
	case slog.LevelDebug:
		return LevelDebug
	case slog.LevelWarn:
		return LevelWarn
	case slog.LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// WithChannel returns a child Logger tagging entries with the channel id.
func (l *Logger) WithChannel(id icc.ClientID) *Logger {
	return l.withAttr(slog.Int("channel", int(id)))
}

// WithComponent returns a child Logger tagging entries with a component
// name such as "dispatch" or "sync".
func (l *Logger) WithComponent(name string) *Logger {
	return l.withAttr(slog.String("component", name))
}

// With returns a new Logger with arbitrary key-value attributes.
// Keys and values are provided as alternating arguments.
func (l *Logger) With(args ...any) *Logger {
	if len(args) == 0 {
		return l
	}

	newAttrs := make([]slog.Attr, 0, len(l.attrs)+len(args)/2)
	newAttrs = append(newAttrs, l.attrs...)

	for i := 0; i < len(args)-1; i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		newAttrs = append(newAttrs, slog.Any(key, args[i+1]))
	}

	return &Logger{
		logger: l.logger,
		level:  l.level,
		closer: l.closer,
		attrs:  newAttrs,
	}
}

func (l *Logger) withAttr(attr slog.Attr) *Logger {
	newAttrs := make([]slog.Attr, len(l.attrs)+1)
	copy(newAttrs, l.attrs)
	newAttrs[len(l.attrs)] = attr

	return &Logger{
		logger: l.logger,
		level:  l.level,
		closer: l.closer,
		attrs:  newAttrs,
	}
}

// Debug logs a message at DEBUG level with optional key-value pairs.
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, msg, args...)
}

// Info logs a message at INFO level with optional key-value pairs.
func (l *Logger) Info(msg string, args ...any) {
	l.log(slog.LevelInfo, msg, args...)
}

// Warn logs a message at WARN level with optional key-value pairs.
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, msg, args...)
}

// Error logs a message at ERROR level with optional key-value pairs.
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, msg, args...)
}

func (l *Logger) log(level slog.Level, msg string, args ...any) {
	// The dispatcher logs from the delivery path; skip the attribute
	// merge entirely when the level is filtered out.
	if !l.logger.Enabled(context.Background(), level) {
		return
	}

	allArgs := make([]any, 0, len(l.attrs)*2+len(args))
	for _, attr := range l.attrs {
		allArgs = append(allArgs, attr.Key, attr.Value.Any())
	}
	allArgs = append(allArgs, args...)

	l.logger.Log(context.Background(), level, msg, allArgs...)
}

// Close flushes and closes the log file. Loggers writing to stderr or a
// caller supplied writer treat Close as a no-op.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// NopLogger returns a Logger that discards all log output.
func NopLogger() *Logger {
	return newLogger(io.Discard, nil, LevelError)
}

// ParseLevel normalizes a level string to one of the Level constants.
// Returns LevelInfo if the level string is not recognized.
func ParseLevel(level string) string {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return strings.ToUpper(level)
	default:
		return LevelInfo
	}
}

// IsValidLevel reports whether level names a supported level.
func IsValidLevel(level string) bool {
	switch strings.ToUpper(level) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return true
	}
	return false
}

// ValidLevels returns the list of valid log level strings.
func ValidLevels() []string {
	return []string{LevelDebug, LevelInfo, LevelWarn, LevelError}
}
