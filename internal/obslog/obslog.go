// Package obslog wraps logrus behind a small interface so every component
// receives its logger as a constructor argument instead of reaching for a
// process-wide singleton (see spec.md's "global verbose/logger state"
// redesign note).
package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Fields is a structured set of key/value pairs attached to a log line.
type Fields = logrus.Fields

// Logger is the capability every component depends on. Satisfied by *logger
// below; tests can swap in a no-op or buffering implementation.
type Logger interface {
	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
	Debug(args ...any)
	Info(args ...any)
	Warn(args ...any)
	Error(args ...any)
}

// logger adapts a *logrus.Entry to the Logger interface.
type logger struct {
	entry *logrus.Entry
}

// New builds a Logger writing to w (os.Stderr in production) at the given
// level, in logrus's default text formatter.
func New(w io.Writer, level logrus.Level) Logger {
	base := logrus.New()
	base.SetOutput(w)
	base.SetLevel(level)
	return &logger{entry: logrus.NewEntry(base)}
}

// Default returns a Logger at Info level writing to stderr.
func Default() Logger {
	return New(os.Stderr, logrus.InfoLevel)
}

// Discard returns a Logger that drops everything, for tests that don't care.
func Discard() Logger {
	return New(io.Discard, logrus.PanicLevel)
}

func (l *logger) WithField(key string, value any) Logger {
	return &logger{entry: l.entry.WithField(key, value)}
}

func (l *logger) WithFields(fields Fields) Logger {
	return &logger{entry: l.entry.WithFields(fields)}
}

func (l *logger) WithError(err error) Logger {
	return &logger{entry: l.entry.WithError(err)}
}

func (l *logger) Debug(args ...any) { l.entry.Debug(args...) }
func (l *logger) Info(args ...any)  { l.entry.Info(args...) }
func (l *logger) Warn(args ...any)  { l.entry.Warn(args...) }
func (l *logger) Error(args ...any) { l.entry.Error(args...) }
