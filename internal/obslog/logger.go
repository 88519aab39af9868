// Package obslog wires up the host's structured logging and its companion
// in-memory recent-events ring (see eventlog.go).
package obslog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Level mirrors logrus' level constants under names that read naturally at
// call sites throughout the host (NewLogger(obslog.Warn, ...)).
type Level = logrus.Level

const (
	Debug = logrus.DebugLevel
	Info  = logrus.InfoLevel
	Warn  = logrus.WarnLevel
	Error = logrus.ErrorLevel
	Fatal = logrus.FatalLevel
)

// Logger is a *logrus.Logger configured the way the host wants it: a plain
// text formatter with full timestamps, always writing to stderr and, when a
// log path is given, to that file as well.
type Logger struct {
	*logrus.Logger
	file *os.File
}

// NewLogger opens logPath (creating it if necessary) and returns a Logger at
// the given minimum level. Pass an empty logPath to log to stderr only,
// which is what tests should do.
func NewLogger(level Level, logPath string) (*Logger, error) {
	base := logrus.New()
	base.SetLevel(level)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	l := &Logger{Logger: base}

	if logPath == "" {
		base.SetOutput(os.Stderr)
		return l, nil
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, err
	}
	l.file = file
	base.SetOutput(io.MultiWriter(file, os.Stderr))
	return l, nil
}

// ParseLevel parses a level name (case-insensitive: "debug", "info",
// "warn", "error", "fatal"), falling back to Info for anything it doesn't
// recognize rather than failing startup over a typo'd config value.
func ParseLevel(name string) Level {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		return Info
	}
	return lvl
}

// Close closes the underlying log file, if one was opened.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
