package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tool       ToolConfig       `yaml:"tool"`
	Hotplug    HotplugConfig    `yaml:"hotplug"`
	AutoAttach AutoAttachConfig `yaml:"auto_attach"`
	Logging    LoggingConfig    `yaml:"logging"`
	API        APIConfig        `yaml:"api"`
}

// ToolConfig selects and drives the usbipd executable.
type ToolConfig struct {
	// Path is the usbipd executable, looked up on PATH when not absolute.
	Path string `yaml:"path"`

	// Elevation is always, auto or never. It applies to bind and unbind.
	Elevation string `yaml:"elevation"`

	// Elevator wraps elevated invocations on unix systems (pkexec, sudo).
	Elevator string `yaml:"elevator"`

	// Listing is auto, state or list.
	Listing string `yaml:"listing"`
}

type HotplugConfig struct {
	Enabled  *bool  `yaml:"enabled"`
	Debounce string `yaml:"debounce"`
	Dir      string `yaml:"dir"`
}

type AutoAttachConfig struct {
	AttachTimeout string `yaml:"attach_timeout"`
	PollInterval  string `yaml:"poll_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type APIConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Addr        string `yaml:"addr"`
	MetricsPath string `yaml:"metrics_path"`
}

// DefaultPath returns where the config file lives when none is given.
func DefaultPath() string {
	if runtime.GOOS == "windows" {
		if dir := os.Getenv("LOCALAPPDATA"); dir != "" {
			return filepath.Join(dir, "WSL USB Manager", "config.yaml")
		}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(dir, "wslusb", "config.yaml")
}

// Load reads path. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Tool.Path == "" {
		cfg.Tool.Path = "usbipd"
	}
	if cfg.Tool.Elevation == "" {
		cfg.Tool.Elevation = "always"
	}
	if cfg.Tool.Elevator == "" {
		cfg.Tool.Elevator = "pkexec"
	}
	if cfg.Tool.Listing == "" {
		cfg.Tool.Listing = "auto"
	}
	if cfg.Hotplug.Enabled == nil {
		t := true
		cfg.Hotplug.Enabled = &t
	}
	if cfg.Hotplug.Debounce == "" {
		cfg.Hotplug.Debounce = "250ms"
	}
	if cfg.Hotplug.Dir == "" {
		cfg.Hotplug.Dir = "/dev/bus/usb"
	}
	if cfg.AutoAttach.AttachTimeout == "" {
		cfg.AutoAttach.AttachTimeout = "5s"
	}
	if cfg.AutoAttach.PollInterval == "" {
		cfg.AutoAttach.PollInterval = "100ms"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = "127.0.0.1:7797"
	}
	if cfg.API.MetricsPath == "" {
		cfg.API.MetricsPath = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WSLUSB_TOOL"); v != "" {
		cfg.Tool.Path = v
	}
	if v := os.Getenv("WSLUSB_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("WSLUSB_API_ADDR"); v != "" {
		cfg.API.Addr = v
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Tool.Elevation {
	case "always", "auto", "never":
	default:
		return fmt.Errorf("invalid tool.elevation %q", cfg.Tool.Elevation)
	}
	switch cfg.Tool.Listing {
	case "auto", "state", "list":
	default:
		return fmt.Errorf("invalid tool.listing %q", cfg.Tool.Listing)
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	for name, v := range map[string]string{
		"hotplug.debounce":           cfg.Hotplug.Debounce,
		"auto_attach.attach_timeout": cfg.AutoAttach.AttachTimeout,
		"auto_attach.poll_interval":  cfg.AutoAttach.PollInterval,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}
	if err := ValidateLoopback(cfg.API.Addr); err != nil {
		return fmt.Errorf("invalid api.addr: %w", err)
	}
	if !strings.HasPrefix(cfg.API.MetricsPath, "/") {
		return fmt.Errorf("api.metrics_path must start with /")
	}
	return nil
}

// ValidateLoopback rejects listen addresses that are reachable from other
// machines. The API can bind and attach devices.
func ValidateLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%q is not a loopback address", addr)
	}
	return nil
}

func (c HotplugConfig) On() bool { return c.Enabled == nil || *c.Enabled }

// DebounceDuration returns the parsed debounce. Validation has already
// rejected unparseable values.
func (c HotplugConfig) DebounceDuration() time.Duration {
	d, _ := time.ParseDuration(c.Debounce)
	return d
}

func (c AutoAttachConfig) AttachTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(c.AttachTimeout)
	return d
}

func (c AutoAttachConfig) PollIntervalDuration() time.Duration {
	d, _ := time.ParseDuration(c.PollInterval)
	return d
}
