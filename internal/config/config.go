// Package config handles configuration loading and validation for accessoryd.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Socket configuration for the control channel.
	Socket SocketConfig `toml:"socket"`

	// Gadget configuration for the USB device.
	Gadget GadgetConfig `toml:"gadget"`

	// Journal configuration for the optional audit journal.
	Journal JournalConfig `toml:"journal"`

	// Notify configuration for D-Bus mode-change signals.
	Notify NotifyConfig `toml:"notify"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging"`
}

// SocketConfig holds control-channel configuration.
type SocketConfig struct {
	// Path is the unix socket the daemon listens on.
	Path string `toml:"path"`
}

// GadgetConfig holds USB gadget configuration.
type GadgetConfig struct {
	// Name is the gadget directory name under the configfs root.
	Name string `toml:"name"`

	// UDC is the device controller to bind; empty selects the first one
	// the kernel exposes.
	UDC string `toml:"udc"`

	// ConfigFSRoot overrides the gadget configfs mount point.
	ConfigFSRoot string `toml:"configfs_root"`

	// Product is the product identity string advertised to the host.
	Product string `toml:"product"`

	// Serial is the serial-number identity string; may be empty.
	Serial string `toml:"serial"`

	// EP0Path is the functionfs ep0 file served for the accessory
	// function; empty disables the handshake loop.
	EP0Path string `toml:"ep0_path"`

	// MonitorIntervalMs is the fallback poll period of the connection
	// monitor in milliseconds.
	MonitorIntervalMs int `toml:"monitor_interval_ms"`
}

// JournalConfig holds audit-journal configuration. The journal is off by
// default: the daemon itself keeps no on-disk state.
type JournalConfig struct {
	// Enabled turns the SQLite audit journal on.
	Enabled bool `toml:"enabled"`

	// Path is the journal database file.
	Path string `toml:"path"`
}

// NotifyConfig holds D-Bus notification configuration.
type NotifyConfig struct {
	// DBus turns mode-change signals on the system bus on.
	DBus bool `toml:"dbus"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`

	// Output is "stdout", "stderr", "file" or "both".
	Output string `toml:"output"`

	// FilePath is the log file used by the file outputs.
	FilePath string `toml:"file_path"`
}

// AccessorydDir returns the daemon's state directory, ~/.accessoryd by
// default, overridable through ACCESSORYD_DIR.
func AccessorydDir() string {
	if dir := os.Getenv("ACCESSORYD_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".accessoryd"
	}
	return filepath.Join(home, ".accessoryd")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(AccessorydDir(), "config.toml")
}

// Default returns the built-in configuration.
func Default() *Config {
	dir := AccessorydDir()
	return &Config{
		Socket: SocketConfig{
			Path: filepath.Join(dir, "accessoryd.sock"),
		},
		Gadget: GadgetConfig{
			Name:              "accessoryd",
			MonitorIntervalMs: 1000,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    filepath.Join(dir, "journal.db"),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// Load reads the configuration at path, falling back to defaults when the
// file does not exist. An empty path selects ConfigPath. Environment
// overrides are applied after the file, and the result is validated.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets ACCESSORYD_* variables override file values.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("ACCESSORYD_SOCKET"); v != "" {
		c.Socket.Path = v
	}
	if v := os.Getenv("ACCESSORYD_UDC"); v != "" {
		c.Gadget.UDC = v
	}
	if v := os.Getenv("ACCESSORYD_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}
