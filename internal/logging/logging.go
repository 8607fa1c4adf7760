// Package logging builds the logrus logger shared by the pipeline stages.
package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// New returns a text logger writing to stderr. Verbosity 0 logs warnings
// and errors, 1 adds progress messages and 2 or more adds debug output.
func New(verbose int) *log.Logger {
	return NewWithWriter(os.Stderr, verbose)
}

// NewWithWriter is New with an explicit destination
func NewWithWriter(w io.Writer, verbose int) *log.Logger {
	logger := log.New()
	logger.SetOutput(w)
	logger.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "15:04:05",
	})
	logger.SetLevel(Level(verbose))
	return logger
}

// Level maps a verbosity count to a logrus level
func Level(verbose int) log.Level {
	switch {
	case verbose <= 0:
		return log.WarnLevel
	case verbose == 1:
		return log.InfoLevel
	default:
		return log.DebugLevel
	}
}

// Discard returns a logger that drops everything
func Discard() *log.Logger {
	logger := log.New()
	logger.SetOutput(io.Discard)
	return logger
}
