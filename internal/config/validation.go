package config

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrNoSocketPath  = errors.New("socket.path must not be empty")
	ErrNoGadgetName  = errors.New("gadget.name must not be empty")
	ErrNoJournalPath = errors.New("journal.path must not be empty when the journal is enabled")
)

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.Socket.Path == "" {
		return ErrNoSocketPath
	}
	if c.Gadget.Name == "" {
		return ErrNoGadgetName
	}
	if c.Gadget.MonitorIntervalMs < 0 {
		return fmt.Errorf("gadget.monitor_interval_ms must not be negative: %d",
			c.Gadget.MonitorIntervalMs)
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return ErrNoJournalPath
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level %q is not a known level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not a known format", c.Logging.Format)
	}
	switch c.Logging.Output {
	case "", "stdout", "stderr", "file", "both":
	default:
		return fmt.Errorf("logging.output %q is not a known output", c.Logging.Output)
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		return errors.New("logging.file_path must be set for file output")
	}

	return nil
}
