// Package logging builds the process logger.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

type Options struct {
	Debug bool
	JSON  bool
	Out   io.Writer
}

func New(opts Options) *logrus.Logger {
	l := logrus.New()
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	l.SetOutput(out)
	if opts.JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if opts.Debug {
		l.SetLevel(logrus.DebugLevel)
	} else {
		l.SetLevel(logrus.InfoLevel)
	}
	return l
}

// Discard returns a logger that drops everything, for tests and library
// callers that pass no logger.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)
	return l
}
