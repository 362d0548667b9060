// Package logging provides the structured-log facade every core component
// writes through, backed by leveled, structured logrus output.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/filed/filed/internal/config"
)

// Logger is the facade every component logs through. It is a thin wrapper
// over *logrus.Logger so call sites never import logrus directly.
type Logger struct {
	base *logrus.Logger
}

// New builds a Logger writing at level to file (or os.Stdout if file is
// empty), formatted as text with timestamps the way a
// long-running daemon's log line should read.
func New(level config.LogLevel, file string) (*Logger, error) {
	l := logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	var out io.Writer = os.Stdout
	if file != "" {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: opening log file %q: %w", file, err)
		}
		out = f
	}
	l.SetOutput(out)

	lvl, err := logrus.ParseLevel(string(level))
	if err != nil {
		return nil, fmt.Errorf("logging: unrecognized level %q: %w", level, err)
	}
	l.SetLevel(lvl)

	return &Logger{base: l}, nil
}

// Fields is re-exported so callers can build structured context without
// importing logrus directly.
type Fields = logrus.Fields

func (l *Logger) Debug(msg string, fields Fields) { l.base.WithFields(fields).Debug(msg) }
func (l *Logger) Info(msg string, fields Fields)  { l.base.WithFields(fields).Info(msg) }
func (l *Logger) Warn(msg string, fields Fields)  { l.base.WithFields(fields).Warn(msg) }
func (l *Logger) Error(msg string, fields Fields) { l.base.WithFields(fields).Error(msg) }

// Fatal logs at error level and exits the process with status 1, matching
// the launcher's "exit 1 on fatal error" contract from the external
// interfaces (config invalid, bind failure, and similar startup errors).
func (l *Logger) Fatal(msg string, fields Fields) {
	l.base.WithFields(fields).Error(msg)
	os.Exit(1)
}
