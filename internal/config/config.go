// Package config handles configuration loading from CLI flags, environment variables, and TOML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"
)

// Config holds all configuration settings for the composition host.
type Config struct {
	Server  ServerConfig            `toml:"server"`
	Loader  LoaderConfig            `toml:"loader"`
	Host    HostConfig              `toml:"host"`
	Modules map[string]ModuleConfig `toml:"modules"`
	Session SessionConfig           `toml:"session"`
	Watch   WatchConfig             `toml:"watch"`
	History HistoryConfig           `toml:"history"`
	Logging LoggingConfig           `toml:"logging"`

	logger *log.Logger
}

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
	Dir  string `toml:"-"` // Site directory (CLI/env only, not in config file)
}

// LoaderConfig holds remote loader settings.
type LoaderConfig struct {
	Timeout Duration `toml:"timeout"` // Upper bound for one shared fetch+evaluate
}

// HostConfig describes the host page: its local content and the remote slots it composes.
type HostConfig struct {
	Title    string       `toml:"title"`
	Local    string       `toml:"local"`    // Local static HTML rendered immediately
	Fallback string       `toml:"fallback"` // Shown while a slot is loading
	Error    string       `toml:"error"`    // Shown when a slot fails; %s receives the reason
	Slots    []SlotConfig `toml:"slots"`
}

// SlotConfig names one remote slot of the host page.
type SlotConfig struct {
	Name   string         `toml:"name"`
	Module string         `toml:"module"`
	Props  map[string]any `toml:"props"`
}

// ModuleConfig maps a module name to its locator and entry symbol.
type ModuleConfig struct {
	Locator string `toml:"locator"`
	Export  string `toml:"export"`
}

// SessionConfig holds session-related settings.
type SessionConfig struct {
	Timeout Duration `toml:"timeout"` // Session expiration (0 = never)
}

// WatchConfig controls hot reloading of file-based modules.
type WatchConfig struct {
	Enabled bool `toml:"enabled"`
}

// HistoryConfig selects where module fetch history is kept.
type HistoryConfig struct {
	Backend string `toml:"backend"` // "memory", "sqlite" or "postgres"
	DSN     string `toml:"dsn"`     // SQLite file (relative to the site dir) or Postgres URL
	Keep    int    `toml:"keep"`    // Records kept per module (0 = unlimited)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level     string `toml:"level"`     // "debug", "info", "warn", "error"
	Verbosity int    `toml:"verbosity"` // 0=none, 1=loads/connections, 2=messages, 3=slot transitions
}

// Duration is a time.Duration that can be unmarshaled from TOML strings.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(duration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// DefaultConfig returns a Config with all default values.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Loader: LoaderConfig{
			Timeout: Duration(10 * time.Second),
		},
		Host: HostConfig{
			Title:    "Host",
			Fallback: `<div class="slot-fallback">Loading...</div>`,
			Error:    `<div class="slot-error">Unavailable: %s</div>`,
		},
		Modules: make(map[string]ModuleConfig),
		Session: SessionConfig{
			Timeout: Duration(24 * time.Hour),
		},
		History: HistoryConfig{
			Backend: "memory",
			Keep:    50,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Verbosity: 0,
		},
	}
	cfg.configureLogger()
	return cfg
}

// BindFlags registers the configuration flags on a flag set.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("dir", "", "Site directory holding config/ and modules/")
	fs.String("host", "", "Listen address")
	fs.Int("port", 0, "Listen port")
	fs.Duration("loader-timeout", 0, "Upper bound for one module fetch")
	fs.Duration("session-timeout", 0, "Session expiration (0=never)")
	fs.Bool("watch", false, "Reload file modules when they change")
	fs.StringArray("module", nil, "Module mapping name=locator#Export (repeatable)")
	fs.String("history", "", "Fetch history backend: memory, sqlite or postgres")
	fs.String("history-dsn", "", "SQLite file or Postgres URL for fetch history")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.CountP("verbose", "v", "Verbosity level (use -v, -vv, or -vvv)")
}

// Load loads configuration from CLI flags, environment variables, and TOML file.
// Priority: CLI flags > env vars > TOML file > defaults.
// A nil flag set loads from env and file only.
func Load(fs *pflag.FlagSet) (*Config, error) {
	return load(fs, nil)
}

// LoadBundled is Load for a bundled binary: when the site directory has no
// config/config.toml, bundled is decoded in its place.
func LoadBundled(fs *pflag.FlagSet, bundled []byte) (*Config, error) {
	return load(fs, bundled)
}

func load(fs *pflag.FlagSet, bundled []byte) (*Config, error) {
	cfg := DefaultConfig()

	dir := os.Getenv("UIC_DIR")
	if fs != nil {
		if v, _ := fs.GetString("dir"); v != "" {
			dir = v
		}
	}

	// Load TOML config if exists (from config/ subdirectory)
	err := cfg.loadTOML(filepath.Join(dir, "config", "config.toml"))
	switch {
	case err == nil:
	case os.IsNotExist(err) && bundled != nil:
		if _, err := toml.Decode(string(bundled), cfg); err != nil {
			return nil, fmt.Errorf("bundled config: %w", err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if fs != nil {
		if err := cfg.applyFlags(fs); err != nil {
			return nil, err
		}
	}

	// Store dir in config (not from TOML)
	cfg.Server.Dir = dir
	cfg.configureLogger()
	return cfg, nil
}

// LoadFile loads a TOML file over the defaults. Used by tests and the render command.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.loadTOML(path); err != nil {
		return nil, err
	}
	cfg.configureLogger()
	return cfg, nil
}

// loadTOML loads configuration from a TOML file.
func (c *Config) loadTOML(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

// applyEnv applies environment variable overrides.
func (c *Config) applyEnv() error {
	if v := os.Getenv("UIC_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("UIC_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("UIC_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v := os.Getenv("UIC_LOADER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Loader.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("UIC_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Session.Timeout = Duration(d)
		}
	}
	if v := os.Getenv("UIC_WATCH"); v != "" {
		c.Watch.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("UIC_HISTORY"); v != "" {
		c.History.Backend = v
	}
	if v := os.Getenv("UIC_HISTORY_DSN"); v != "" {
		c.History.DSN = v
	}
	if v := os.Getenv("UIC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("UIC_VERBOSITY"); v != "" {
		if verbosity, err := strconv.Atoi(v); err == nil {
			c.Logging.Verbosity = verbosity
		}
	}

	// UIC_MODULE_CART=file:modules/cart.lua#App registers module "cart"
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, "UIC_MODULE_") {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, "UIC_MODULE_"))
		mod, err := parseModuleRef(value)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		c.setModule(name, mod)
	}
	return nil
}

// applyFlags applies flags the user actually set.
func (c *Config) applyFlags(fs *pflag.FlagSet) error {
	if fs.Changed("host") {
		c.Server.Host, _ = fs.GetString("host")
	}
	if fs.Changed("port") {
		c.Server.Port, _ = fs.GetInt("port")
	}
	if fs.Changed("loader-timeout") {
		d, _ := fs.GetDuration("loader-timeout")
		c.Loader.Timeout = Duration(d)
	}
	if fs.Changed("session-timeout") {
		d, _ := fs.GetDuration("session-timeout")
		c.Session.Timeout = Duration(d)
	}
	if fs.Changed("watch") {
		c.Watch.Enabled, _ = fs.GetBool("watch")
	}
	if fs.Changed("history") {
		c.History.Backend, _ = fs.GetString("history")
	}
	if fs.Changed("history-dsn") {
		c.History.DSN, _ = fs.GetString("history-dsn")
	}
	if fs.Changed("log-level") {
		c.Logging.Level, _ = fs.GetString("log-level")
	}
	if fs.Changed("verbose") {
		c.Logging.Verbosity, _ = fs.GetCount("verbose")
	}
	if fs.Changed("module") {
		refs, _ := fs.GetStringArray("module")
		for _, ref := range refs {
			name, value, ok := strings.Cut(ref, "=")
			if !ok || name == "" {
				return fmt.Errorf("--module %q: expected name=locator#Export", ref)
			}
			mod, err := parseModuleRef(value)
			if err != nil {
				return fmt.Errorf("--module %q: %w", ref, err)
			}
			c.setModule(name, mod)
		}
	}
	return nil
}

func (c *Config) setModule(name string, mod ModuleConfig) {
	if c.Modules == nil {
		c.Modules = make(map[string]ModuleConfig)
	}
	c.Modules[name] = mod
}

// parseModuleRef parses "locator#Export". The export defaults to "App".
func parseModuleRef(ref string) (ModuleConfig, error) {
	locator, export, found := strings.Cut(ref, "#")
	if locator == "" {
		return ModuleConfig{}, fmt.Errorf("empty locator")
	}
	if !found || export == "" {
		export = "App"
	}
	return ModuleConfig{Locator: locator, Export: export}, nil
}

// ModuleNames returns the configured module names in sorted order.
func (c *Config) ModuleNames() []string {
	names := make([]string, 0, len(c.Modules))
	for name := range c.Modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SitePath resolves a path relative to the site directory.
func (c *Config) SitePath(rel string) string {
	if filepath.IsAbs(rel) || c.Server.Dir == "" {
		return rel
	}
	return filepath.Join(c.Server.Dir, rel)
}

// Verbosity returns the configured verbosity level (0-3).
func (c *Config) Verbosity() int {
	return c.Logging.Verbosity
}
