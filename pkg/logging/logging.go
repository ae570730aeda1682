// Package logging defines the logging interface shared by all weft
// components and helpers for constructing the process logger.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging interface used throughout weft. Both
// logrus.Logger and logrus.Entry satisfy it, so components can be
// handed either a root logger or one pre-tagged with fields.
type Logger interface {
	logrus.FieldLogger
	// Writer returns a pipe that converts written lines into log
	// entries. It is used to capture output from subcomponents that
	// only know how to write to an io.Writer.
	Writer() *io.PipeWriter
}

// New creates a root logger writing to the given output at the given
// level. Unparseable level strings fall back to info.
func New(output io.Writer, level string) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(output)
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	log.SetLevel(parsed)
	return log
}

// Component returns a logger tagged with the given component name.
func Component(log *logrus.Logger, name string) Logger {
	return log.WithFields(logrus.Fields{"component": name})
}
