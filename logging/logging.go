// Package logging holds the ldlog setup shared by the netpipe commands.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/launchdarkly/go-sdk-common/v3/ldlog"
)

// MakeDefaultLoggers returns a Loggers instance configured with the standard
// log format. Output goes to stdout, except Error level which goes to stderr.
// Debug level is disabled.
func MakeDefaultLoggers() ldlog.Loggers {
	loggers := ldlog.NewDefaultLoggers()
	loggers.SetBaseLogger(makeLog(os.Stdout))
	loggers.SetBaseLoggerForLevel(ldlog.Error, makeLog(os.Stderr))
	loggers.SetMinLevel(ldlog.Info)
	return loggers
}

// MakeStderrLoggers is MakeDefaultLoggers with every level on stderr, for
// commands whose stdout carries data.
func MakeStderrLoggers() ldlog.Loggers {
	loggers := ldlog.NewDefaultLoggers()
	loggers.SetBaseLogger(makeLog(os.Stderr))
	loggers.SetMinLevel(ldlog.Info)
	return loggers
}

func makeLog(w io.Writer) *log.Logger {
	return log.New(w, "", log.Ldate|log.Ltime|log.Lmicroseconds)
}

// ParseLevel parses a level name as written in configuration: debug, info,
// warn, error or none. Case is ignored.
func ParseLevel(s string) (ldlog.LogLevel, error) {
	for _, level := range []ldlog.LogLevel{ldlog.Debug, ldlog.Info, ldlog.Warn, ldlog.Error, ldlog.None} {
		if strings.EqualFold(strings.TrimSpace(s), level.Name()) {
			return level, nil
		}
	}
	return ldlog.None, fmt.Errorf("logging: unknown level %q", s)
}

// WithPrefix returns a copy of loggers whose messages start with prefix.
func WithPrefix(loggers ldlog.Loggers, prefix string) ldlog.Loggers {
	loggers.SetPrefix(prefix)
	return loggers
}

// NewStdLogger returns a *log.Logger for libraries that want one. Each line
// written to it is logged at level.
func NewStdLogger(loggers ldlog.Loggers, level ldlog.LogLevel) *log.Logger {
	return log.New(lineWriter{loggers: loggers, level: level}, "", 0)
}

type lineWriter struct {
	loggers ldlog.Loggers
	level   ldlog.LogLevel
}

func (w lineWriter) Write(p []byte) (int, error) {
	w.loggers.ForLevel(w.level).Println(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
