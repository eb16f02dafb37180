// Package logging provides structured JSON logging for the ICC bus.
//
// It wraps log/slog. Every line is a JSON object, and child loggers carry
// persistent attributes:
//
//	logger, err := logging.NewLogger(logging.Options{Dir: dir, Level: "INFO"})
//	if err != nil {
//	    return err
//	}
//	defer logger.Close()
//
//	logger.WithComponent("dispatch").WithChannel(3).Warn("message dropped", "reason", "queue_full")
//
// Output:
//
//	{"time":"...","level":"WARN","msg":"message dropped","component":"dispatch","channel":3,"reason":"queue_full"}
//
// When Options.Dir is set, the log goes to {Dir}/iccbus.log through a
// [RotatingWriter]; otherwise it goes to stderr. The level is shared by a
// root logger and all of its children and can be changed at run time with
// [Logger.SetLevel].
//
// [ReadLogs], [FilterLogs] and [WriteLogs] read a log file back for
// post-mortem inspection by channel, component or level.
//
// All types are safe for concurrent use. Use [NopLogger] in tests.
package logging
