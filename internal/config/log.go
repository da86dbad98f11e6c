package config

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Log writes a message when level is within the configured verbosity.
// Level 0 is always logged.
func (c *Config) Log(level int, format string, args ...interface{}) {
	if level > c.Logging.Verbosity {
		return
	}
	if level == 0 {
		c.Logger().Infof(format, args...)
		return
	}
	c.Logger().Debugf(format, args...)
}

// Warn logs a failure the process recovers from, such as a module that
// failed to load. Warnings ignore verbosity.
func (c *Config) Warn(format string, args ...interface{}) {
	c.Logger().Warnf(format, args...)
}

// Error logs a failure that lost work: a panic, a dropped connection.
func (c *Config) Error(format string, args ...interface{}) {
	c.Logger().Errorf(format, args...)
}

// Logger returns the structured logger shared by every component.
func (c *Config) Logger() *log.Logger {
	if c.logger == nil {
		c.configureLogger()
	}
	return c.logger
}

// SetLogOutput redirects log output, mainly for tests and the MCP stdio mode.
func (c *Config) SetLogOutput(w io.Writer) {
	c.Logger().SetOutput(w)
}

func (c *Config) configureLogger() {
	if c.logger == nil {
		c.logger = log.NewWithOptions(os.Stderr, log.Options{
			ReportTimestamp: true,
			Prefix:          "ui-compose",
		})
	}
	level, err := log.ParseLevel(c.Logging.Level)
	if err != nil {
		level = log.InfoLevel
	}
	// Verbose output is emitted at debug level
	if c.Logging.Verbosity > 0 && level > log.DebugLevel {
		level = log.DebugLevel
	}
	c.logger.SetLevel(level)
}
