// Package common provides the logging backbone shared by every driveline
// service: a global structured logger with environment-aware formatting,
// rotating file output for production, and context-bound request/user
// correlation fields.
//
// Output modes:
//   - development: colorized text on the console, with error-level entries
//     routed to stderr and everything else to stdout (OutputSplitter), so
//     shells and supervisors can treat the streams differently.
//   - production: one JSON line per event, written to rotating files. The
//     normal stream and the error stream rotate independently at 10 MiB
//     with 10 generations each.
//
// Every event carries the service name, version, and environment; handlers
// add request_id and user_id from the request context (see logger.go).
package common

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation limits for production file output.
const (
	logMaxSizeMB  = 10
	logMaxBackups = 10
)

// OutputSplitter routes formatted log lines by severity: entries containing
// "level=error" go to stderr, everything else to stdout. It operates on the
// final formatted output, so it works with any logrus formatter that emits
// the level field in text form.
type OutputSplitter struct{}

// Write implements io.Writer. Safe for concurrent use; it only reads p and
// writes to the process-wide streams.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance. It is usable immediately on import
// (development defaults) and reconfigured by Configure at boot.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// LogConfig selects the presentation mode and file locations for Configure.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Format is "text" (development) or "json" (production).
	Format string
	// Dir receives app.log and error.log when Format is "json". Empty Dir
	// keeps console output even in JSON mode.
	Dir string
	// Service, Version, and Env are stamped on every event.
	Service string
	Version string
	Env     string
}

// Configure applies cfg to the global Logger. In JSON mode with a directory
// set, the normal stream goes to app.log and error-and-above entries are
// duplicated to error.log; both rotate at 10 MiB keeping 10 generations.
func Configure(cfg LogConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	Logger.SetLevel(level)

	if cfg.Format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
		if cfg.Dir != "" {
			Logger.SetOutput(rotatingWriter(filepath.Join(cfg.Dir, "app.log")))
			Logger.AddHook(&errorFileHook{
				writer:    rotatingWriter(filepath.Join(cfg.Dir, "error.log")),
				formatter: &logrus.JSONFormatter{},
			})
		} else {
			Logger.SetOutput(os.Stdout)
		}
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		Logger.SetOutput(&OutputSplitter{})
	}

	baseFields = logrus.Fields{
		"service": cfg.Service,
		"version": cfg.Version,
		"env":     cfg.Env,
	}
}

// baseFields are merged into every ContextLogger; set once by Configure.
var baseFields = logrus.Fields{}

func rotatingWriter(path string) io.Writer {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    logMaxSizeMB,
		MaxBackups: logMaxBackups,
		Compress:   false,
	}
}

// errorFileHook duplicates error-and-above entries to a second stream so the
// error log rotates independently of the normal log.
type errorFileHook struct {
	writer    io.Writer
	formatter logrus.Formatter
}

func (h *errorFileHook) Levels() []logrus.Level {
	return []logrus.Level{logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (h *errorFileHook) Fire(entry *logrus.Entry) error {
	line, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
