// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Format - log output encoding
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Rotation limits of log files.
const (
	FileMaxSizeMB  = 10
	FileMaxBackups = 3
	FileMaxAgeDays = 7
)

// Configure sets level and formatter of the standard logger. With a non
// empty file, output goes to stderr and to that file, rotated by size.
func Configure(level string, format Format, file string) error {
	var out io.Writer = os.Stderr
	if file != "" {
		out = io.MultiWriter(os.Stderr, RotatingFile(file))
	}
	return ConfigureLogger(logrus.StandardLogger(), out, level, format)
}

// RotatingFile - an appending writer on path that rolls over at FileMaxSizeMB
func RotatingFile(path string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    FileMaxSizeMB,
		MaxBackups: FileMaxBackups,
		MaxAge:     FileMaxAgeDays,
	}
}

// ConfigureLogger applies level and format to l, writing to out.
func ConfigureLogger(l *logrus.Logger, out io.Writer, level string, format Format) error {
	lvl := logrus.InfoLevel
	if level != "" {
		var err error
		lvl, err = logrus.ParseLevel(strings.TrimSpace(level))
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
	}

	switch Format(strings.ToLower(string(format))) {
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{})
	case FormatText, "":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return fmt.Errorf("log format: unknown %q", format)
	}

	l.SetOutput(out)
	l.SetLevel(lvl)
	return nil
}

// ForTests returns an entry whose output is discarded below warn level.
func ForTests() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.WarnLevel)
	return logrus.NewEntry(l)
}

// Component returns the standard logger tagged with a component name.
func Component(name string) *logrus.Entry {
	return logrus.WithField("component", name)
}
