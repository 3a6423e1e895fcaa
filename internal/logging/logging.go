// Package logging wraps sirupsen/logrus behind a small leveled interface,
// prefixing every line with the process pid so concurrently running
// daemons are easy to tell apart in a shared terminal or logfile.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the small surface the rest of the daemon depends on, so call
// sites never import logrus directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	WithField(key string, value interface{}) Logger
}

type logrusLogger struct {
	entry *logrus.Entry
}

// pidFormatter prefixes every line with the process pid.
type pidFormatter struct {
	inner logrus.Formatter
	pid   int
}

func (f *pidFormatter) Format(e *logrus.Entry) ([]byte, error) {
	b, err := f.inner.Format(e)
	if err != nil {
		return nil, err
	}
	return append([]byte(fmt.Sprintf("[%d] ", f.pid)), b...), nil
}

// New builds a Logger at the verbosity the repeatable -v flag selects:
// 0=Info, 1=Debug, 2+=Trace. Output goes to logFile (opened in append
// mode) when non-empty, to out otherwise; a non-nil tail sink receives a
// copy of every line either way.
func New(verbosity int, logFile string, out, tail io.Writer) (Logger, error) {
	base := logrus.New()

	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		out = f
		base.SetFormatter(&pidFormatter{inner: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true}, pid: os.Getpid()})
	} else {
		if out == nil {
			out = os.Stderr
		}
		base.SetFormatter(&pidFormatter{inner: &logrus.TextFormatter{ForceColors: true, FullTimestamp: true}, pid: os.Getpid()})
	}
	if tail != nil {
		out = io.MultiWriter(out, tail)
	}
	base.SetOutput(out)

	switch {
	case verbosity >= 2:
		base.SetLevel(logrus.TraceLevel)
	case verbosity == 1:
		base.SetLevel(logrus.DebugLevel)
	default:
		base.SetLevel(logrus.InfoLevel)
	}

	return &logrusLogger{entry: logrus.NewEntry(base)}, nil
}

func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{entry: l.entry.WithField(key, value)}
}
