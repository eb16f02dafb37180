package cmd

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/Iron-Ham/iccbus/internal/errors"
	"github.com/Iron-Ham/iccbus/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "View bus logs",
	Long: `View and filter the structured logs written to logging.dir.

Examples:
  # Show the last 50 entries
  iccbus logs --dir /tmp/iccbus

  # Only flow-control and drop warnings for channel 3
  iccbus logs --level warn --channel 3

  # Entries from the dispatcher in the last ten minutes, as CSV
  iccbus logs --component dispatch --since 10m --format csv

  # Follow logs in real-time
  iccbus logs -f`,
	Args: cobra.NoArgs,
	RunE: runLogs,
}

var (
	logsDir       string
	logsTail      int
	logsFollow    bool
	logsLevel     string
	logsChannel   int
	logsComponent string
	logsSince     string
	logsGrep      string
	logsFormat    string
)

// followPoll is how often follow mode checks the log for new lines.
const followPoll = 100 * time.Millisecond

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().StringVar(&logsDir, "dir", "", "log directory (default: logging.dir)")
	logsCmd.Flags().IntVarP(&logsTail, "tail", "n", 50, "Number of entries to show (0 for all)")
	logsCmd.Flags().BoolVarP(&logsFollow, "follow", "f", false, "Follow log output (like tail -f)")
	logsCmd.Flags().StringVar(&logsLevel, "level", "", "Filter by minimum level (debug/info/warn/error)")
	logsCmd.Flags().IntVar(&logsChannel, "channel", -1, "Filter by channel id (-1 for all)")
	logsCmd.Flags().StringVar(&logsComponent, "component", "", "Filter by component (bus, dispatch, sync, notifier, peer, stream)")
	logsCmd.Flags().StringVar(&logsSince, "since", "", "Show logs since duration ago (e.g., 1h, 30m)")
	logsCmd.Flags().StringVar(&logsGrep, "grep", "", "Filter entries matching pattern (regex)")
	logsCmd.Flags().StringVar(&logsFormat, "format", "text", "Output format (text/json/csv)")
}

// logQuery is the parsed form of the logs flags.
type logQuery struct {
	filter logging.LogFilter
	grep   *regexp.Regexp
	tail   int
}

func buildLogQuery() (logQuery, error) {
	q := logQuery{tail: logsTail}

	if logsLevel != "" {
		if !logging.IsValidLevel(logsLevel) {
			return q, fmt.Errorf("invalid level %q", logsLevel)
		}
		q.filter.Level = logging.ParseLevel(logsLevel)
	}
	if logsChannel >= 0 {
		ch := logsChannel
		q.filter.Channel = &ch
	}
	q.filter.Component = logsComponent

	if logsSince != "" {
		duration, err := time.ParseDuration(logsSince)
		if err != nil {
			return q, fmt.Errorf("invalid duration format: %w", err)
		}
		q.filter.Since = time.Now().Add(-duration)
	}

	if logsGrep != "" {
		re, err := regexp.Compile(logsGrep)
		if err != nil {
			return q, fmt.Errorf("invalid grep pattern: %w", err)
		}
		q.grep = re
	}
	return q, nil
}

// apply filters entries and keeps the last tail of them.
func (q logQuery) apply(entries []logging.LogEntry) []logging.LogEntry {
	entries = logging.FilterLogs(entries, q.filter)
	if q.grep != nil {
		kept := entries[:0:0]
		for _, e := range entries {
			if q.grep.MatchString(searchText(e)) {
				kept = append(kept, e)
			}
		}
		entries = kept
	}
	if q.tail > 0 && len(entries) > q.tail {
		entries = entries[len(entries)-q.tail:]
	}
	return entries
}

// searchText is the message followed by every attribute value.
func searchText(e logging.LogEntry) string {
	var sb strings.Builder
	sb.WriteString(e.Message)
	for _, v := range e.Attrs {
		fmt.Fprintf(&sb, " %v", v)
	}
	return sb.String()
}

func runLogs(cmd *cobra.Command, args []string) error {
	dir := logsDir
	if dir == "" {
		dir = viper.GetString("logging.dir")
	}
	if dir == "" {
		return fmt.Errorf("no log directory: pass --dir or set logging.dir")
	}

	q, err := buildLogQuery()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	entries, err := logging.ReadLogs(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(out, "No logs found in %s\n", dir)
			return nil
		}
		return err
	}

	entries = q.apply(entries)
	if len(entries) == 0 && !logsFollow {
		fmt.Fprintln(out, "No matching log entries found.")
		return nil
	}
	if err := logging.WriteLogs(out, entries, logsFormat); err != nil {
		return err
	}

	if logsFollow {
		q.tail = 0
		return followLogs(cmd.Context(), out, filepath.Join(dir, logging.LogFileName), q)
	}
	return nil
}

// followLogs prints entries appended to path until ctx is done. A file
// that shrinks was rotated and is read again from the start.
func followLogs(ctx context.Context, out io.Writer, path string, q logQuery) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		return fmt.Errorf("failed to seek to end: %w", err)
	}

	ticker := time.NewTicker(followPoll)
	defer ticker.Stop()

	reader := bufio.NewReader(file)
	var partial string
	for {
		line, err := reader.ReadString('\n')
		if err == nil {
			offset += int64(len(line))
			partial += line
			entries, _ := logging.ParseLogs(strings.NewReader(partial))
			partial = ""
			if entries = q.apply(entries); len(entries) > 0 {
				if err := logging.WriteLogs(out, entries, logsFormat); err != nil {
					return err
				}
			}
			continue
		}
		if err != io.EOF {
			return fmt.Errorf("error reading log file: %w", err)
		}
		offset += int64(len(line))
		partial += line

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if info, statErr := os.Stat(path); statErr == nil && info.Size() < offset {
			// Rotated: reopen the new file.
			_ = file.Close()
			if file, err = os.Open(path); err != nil {
				return fmt.Errorf("failed to reopen log file: %w", err)
			}
			reader.Reset(file)
			offset, partial = 0, ""
		}
	}
}
