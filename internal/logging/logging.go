// Package logging builds the shared logger for syncbridge.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New creates a logger writing to out at the given level. Unknown level
// strings fall back to info rather than failing startup.
func New(out io.Writer, level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}
