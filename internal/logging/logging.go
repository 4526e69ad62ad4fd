package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
)

// ParseLevel parses a level string, falling back to info
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}

func parseFormatter(s string) log.Formatter {
	switch strings.ToLower(s) {
	case "json":
		return log.JSONFormatter
	case "logfmt":
		return log.LogfmtFormatter
	default:
		return log.TextFormatter
	}
}

// Logger is the application logger
type Logger struct {
	*log.Logger
	file *os.File
}

// Config contains logger configuration
type Config struct {
	Level   string
	File    string
	Console bool
	Format  string
}

// New creates a new logger
func New(cfg Config) (*Logger, error) {
	l := &Logger{}

	var writers []io.Writer

	if cfg.File != "" {
		dir := filepath.Dir(cfg.File)
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = f
		writers = append(writers, f)
	}

	if cfg.Console {
		writers = append(writers, os.Stderr)
	}

	if len(writers) == 0 {
		// Default to stderr if no outputs configured
		writers = append(writers, os.Stderr)
	}

	var writer io.Writer
	if len(writers) == 1 {
		writer = writers[0]
	} else {
		writer = io.MultiWriter(writers...)
	}

	l.Logger = log.NewWithOptions(writer, log.Options{
		Level:           ParseLevel(cfg.Level),
		ReportTimestamp: true,
		TimeFormat:      "2006-01-02 15:04:05",
		Formatter:       parseFormatter(cfg.Format),
	})

	return l, nil
}

// Close closes the logger
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Discard returns a logger that drops everything
func Discard() *log.Logger {
	return log.NewWithOptions(io.Discard, log.Options{})
}

// Default logger for package-level functions
var defaultLogger *Logger

// Init initializes the default logger
func Init(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// Default returns the default logger, or a discarding one before Init
func Default() *log.Logger {
	if defaultLogger == nil {
		return Discard()
	}
	return defaultLogger.Logger
}

// Shutdown closes the default logger
func Shutdown() error {
	if defaultLogger == nil {
		return nil
	}
	err := defaultLogger.Close()
	defaultLogger = nil
	return err
}

// Debug logs a debug message to the default logger
func Debug(msg string, keyvals ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(msg, keyvals...)
	}
}

// Info logs an info message to the default logger
func Info(msg string, keyvals ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(msg, keyvals...)
	}
}

// Warn logs a warning message to the default logger
func Warn(msg string, keyvals ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(msg, keyvals...)
	}
}

// Error logs an error message to the default logger
func Error(msg string, keyvals ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(msg, keyvals...)
	}
}
