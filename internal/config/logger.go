package config

import (
	"github.com/sirupsen/logrus"
)

var logLevel = logrus.InfoLevel

// SetLogLevel sets the level used by NewLogger and ConfigureGlobalLogger.
// Unknown names leave the current level in place.
func SetLogLevel(name string) {
	if lvl, err := logrus.ParseLevel(name); err == nil {
		logLevel = lvl
	}
}

// NewLogger creates a new logger instance with consistent formatting
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logLevel)
	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
	return logger
}

// ConfigureGlobalLogger configures the global logrus instance
func ConfigureGlobalLogger() {
	logrus.SetLevel(logLevel)
	logrus.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}
