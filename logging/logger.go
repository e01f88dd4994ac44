// Package logging builds the logrus loggers used across the service.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// VersionKey is the field carrying the build version on every entry.
const VersionKey = "version"

// Config describes logger settings.
type Config struct {
	// Level is a logrus level name (debug, info, warn, error).
	Level string
	// Format is "json" or "text".
	Format string
	// Output is "stdout", "stderr", "discard" or "file".
	Output string
	// OutputFile is the path used when Output is "file".
	OutputFile string
	// Version, when set, is added to every entry.
	Version string
}

// DefaultConfig returns text logging at info level on stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// New creates a logger from c. The returned cleanup closes the log file,
// if any.
func New(c Config) (*logrus.Logger, func(), error) {
	l := logrus.New()
	cleanup := func() {}

	level := logrus.InfoLevel
	if c.Level != "" {
		parsed, err := logrus.ParseLevel(c.Level)
		if err != nil {
			return nil, cleanup, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	l.SetLevel(level)

	switch strings.ToLower(c.Format) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	default:
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	switch strings.ToLower(c.Output) {
	case "stdout":
		l.SetOutput(os.Stdout)
	case "discard":
		l.SetOutput(io.Discard)
	case "file":
		if c.OutputFile == "" {
			return nil, cleanup, fmt.Errorf("log output file is required")
		}
		if err := os.MkdirAll(filepath.Dir(c.OutputFile), 0o755); err != nil {
			return nil, cleanup, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(c.OutputFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, fmt.Errorf("failed to open log file: %w", err)
		}
		l.SetOutput(f)
		cleanup = func() { _ = f.Close() }
	default:
		l.SetOutput(os.Stderr)
	}

	if c.Version != "" {
		l.AddHook(&fieldHook{fields: logrus.Fields{VersionKey: c.Version}})
	}

	return l, cleanup, nil
}

// Discard returns a logger that writes nothing.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fieldHook stamps fixed fields on every entry.
type fieldHook struct {
	fields logrus.Fields
}

func (h *fieldHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fieldHook) Fire(entry *logrus.Entry) error {
	for k, v := range h.fields {
		if _, ok := entry.Data[k]; !ok {
			entry.Data[k] = v
		}
	}
	return nil
}
