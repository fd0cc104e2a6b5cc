package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// NewLogger returns a logger that is silent unless TEST_LOGS is set. 1 logs at
// info, 2 at debug and 3 at trace.
func NewLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}

// NewCapturingLogger is NewLogger with every entry, down to debug, also kept
// in the returned hook for assertions.
func NewCapturingLogger() (*logrus.Logger, *test.Hook) {
	l := NewLogger()
	if l.GetLevel() < logrus.DebugLevel {
		l.SetLevel(logrus.DebugLevel)
	}
	return l, test.NewLocal(l)
}
