package logging

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// LogEntry is one parsed line of iccbus.log.
type LogEntry struct {
	Timestamp time.Time      `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Channel   int            `json:"channel"` // -1 when the entry carries no channel
	Component string         `json:"component,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// LogFilter selects entries. Zero fields do not filter.
type LogFilter struct {
	// Level keeps entries at or above this level.
	Level string
	// Channel keeps entries for one channel; nil keeps all.
	Channel *int
	// Component keeps entries from one component.
	Component string
	// Since keeps entries at or after this time.
	Since time.Time
	// MessageContains keeps entries whose message contains the substring.
	MessageContains string
}

var levelOrder = map[string]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ReadLogs parses {dir}/iccbus.log together with its rotated backups
// (iccbus.log.N, optionally gzipped) and returns every entry sorted by
// time. Lines that are not valid JSON are skipped, and so are backups
// that cannot be read.
func ReadLogs(dir string) ([]LogEntry, error) {
	current := filepath.Join(dir, LogFileName)
	paths := append(backupFiles(current), current)

	var (
		entries []LogEntry
		found   bool
	)
	for _, path := range paths {
		batch, err := readLogFile(path)
		if err != nil {
			if path != current || os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		found = true
		entries = append(entries, batch...)
	}
	if !found {
		return nil, fmt.Errorf("no %s in %s: %w", LogFileName, dir, os.ErrNotExist)
	}

	slices.SortStableFunc(entries, func(a, b LogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return entries, nil
}

// backupFiles lists the numbered backups of current, oldest first.
func backupFiles(current string) []string {
	matches, _ := filepath.Glob(current + ".*")
	type backup struct {
		path string
		n    int
	}
	var backups []backup
	for _, m := range matches {
		suffix := strings.TrimSuffix(strings.TrimPrefix(m, current+"."), ".gz")
		n, err := strconv.Atoi(suffix)
		if err != nil || n < 1 {
			continue
		}
		backups = append(backups, backup{m, n})
	}
	slices.SortFunc(backups, func(a, b backup) int { return b.n - a.n })

	paths := make([]string, len(backups))
	for i, b := range backups {
		paths[i] = b.path
	}
	return paths
}

func readLogFile(path string) ([]LogEntry, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		r = zr
	}
	return ParseLogs(r)
}

// ParseLogs reads JSON log lines from r.
func ParseLogs(r io.Reader) ([]LogEntry, error) {
	var entries []LogEntry
	scanner := bufio.NewScanner(r)
	const maxLine = 1024 * 1024
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := parseLogEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading log: %w", err)
	}

	slices.SortStableFunc(entries, func(a, b LogEntry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return entries, nil
}

func parseLogEntry(line string) (LogEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return LogEntry{}, fmt.Errorf("invalid JSON: %w", err)
	}

	entry := LogEntry{Channel: -1, Attrs: make(map[string]any)}
	for k, v := range raw {
		switch k {
		case "time":
			if s, ok := v.(string); ok {
				if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
					entry.Timestamp = t
				}
			}
		case "level":
			entry.Level, _ = v.(string)
		case "msg":
			entry.Message, _ = v.(string)
		case "component":
			entry.Component, _ = v.(string)
		case "channel":
			// JSON numbers decode as float64.
			if f, ok := v.(float64); ok {
				entry.Channel = int(f)
			}
		default:
			entry.Attrs[k] = v
		}
	}
	return entry, nil
}

// FilterLogs returns the entries matching every criterion in filter.
func FilterLogs(entries []LogEntry, filter LogFilter) []LogEntry {
	if filter == (LogFilter{}) {
		return entries
	}
	var out []LogEntry
	for _, e := range entries {
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

func (f LogFilter) matches(e LogEntry) bool {
	if f.Level != "" {
		want, okWant := levelOrder[strings.ToUpper(f.Level)]
		got, okGot := levelOrder[e.Level]
		if okWant && okGot && got < want {
			return false
		}
	}
	if f.Channel != nil && e.Channel != *f.Channel {
		return false
	}
	if f.Component != "" && e.Component != f.Component {
		return false
	}
	if !f.Since.IsZero() && e.Timestamp.Before(f.Since) {
		return false
	}
	if f.MessageContains != "" && !strings.Contains(e.Message, f.MessageContains) {
		return false
	}
	return true
}

// WriteLogs renders entries to w as "json", "text" or "csv".
func WriteLogs(w io.Writer, entries []LogEntry, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "text", "":
		return writeText(w, entries)
	case "csv":
		return writeCSV(w, entries)
	default:
		return fmt.Errorf("unsupported format: %s (supported: json, text, csv)", format)
	}
}

func writeText(w io.Writer, entries []LogEntry) error {
	for _, e := range entries {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %-5s", e.Timestamp.Format("15:04:05.000"), e.Level)
		if e.Component != "" {
			fmt.Fprintf(&b, " %s", e.Component)
		}
		if e.Channel >= 0 {
			fmt.Fprintf(&b, " ch=%d", e.Channel)
		}
		fmt.Fprintf(&b, " - %s", e.Message)
		if len(e.Attrs) > 0 {
			attrs, _ := json.Marshal(e.Attrs)
			b.WriteByte(' ')
			b.Write(attrs)
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return fmt.Errorf("failed to write text entry: %w", err)
		}
	}
	return nil
}

func writeCSV(w io.Writer, entries []LogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"timestamp", "level", "component", "channel", "message", "attrs"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, e := range entries {
		attrs := ""
		if len(e.Attrs) > 0 {
			if b, err := json.Marshal(e.Attrs); err == nil {
				attrs = string(b)
			}
		}
		channel := ""
		if e.Channel >= 0 {
			channel = strconv.Itoa(e.Channel)
		}
		rec := []string{e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Component, channel, e.Message, attrs}
		if err := cw.Write(rec); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
