package utils

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide logging surface. It wraps logrus so call sites
// stay decoupled from the backend.
type Logger struct {
	l *logrus.Logger
}

func NewLogger() *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{l: l}
}

func NewLoggerWithOutput(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{l: l}
}

func (lg *Logger) Printf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Infof(format, args...)
}

func (lg *Logger) Infof(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Infof(format, args...)
}

func (lg *Logger) Warnf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Warnf(format, args...)
}

func (lg *Logger) Errorf(format string, args ...any) {
	if lg == nil {
		return
	}
	lg.l.Errorf(format, args...)
}

// WithField returns a logrus entry for call sites that want structured
// key/value context on a one-off line.
func (lg *Logger) WithField(key string, value any) *logrus.Entry {
	if lg == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return lg.l.WithField(key, value)
}
