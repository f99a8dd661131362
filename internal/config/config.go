package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/wmdanor/cdp-cli/websocket"
)

const (
	DefaultHost        = "localhost"
	DefaultPort        = 9222
	DefaultNewTabURL   = "chrome://newtab/"
	DefaultDialTimeout = 10 * time.Second
	DefaultReadLimit   = websocket.DefaultReadLimit
	DefaultLogLevel    = "info"
)

type Config struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// NewTabURL is the page the startup flow attaches to, opening it if needed.
	NewTabURL string `yaml:"newtab_url"`

	// EventLog is a file events are appended to as JSON lines. Empty prints
	// them with the replies.
	EventLog string `yaml:"event_log"`

	// MetricsAddr serves Prometheus metrics when set, e.g. "127.0.0.1:9100".
	MetricsAddr string `yaml:"metrics_addr"`

	Log  LogConfig  `yaml:"log"`
	Dial DialConfig `yaml:"dial"`

	// ReadLimit caps the size of a received frame payload in bytes.
	ReadLimit uint64 `yaml:"read_limit"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type DialConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultPath is $XDG_CONFIG_HOME/cdp-cli/config.yaml or its platform
// equivalent.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "cdp-cli", "config.yaml")
}

func Default() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

// Load reads the file at path. An empty path means DefaultPath, which may
// be missing; an explicit path must exist.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultPath()
		if path == "" {
			return Default(), nil
		}
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("failed to load config %q: %w", path, err)
	}
	return c, nil
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// keys are an error.
func Parse(b []byte) (*Config, error) {
	var c Config

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.NewTabURL == "" {
		c.NewTabURL = DefaultNewTabURL
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Dial.Timeout == 0 {
		c.Dial.Timeout = DefaultDialTimeout
	}
	if c.ReadLimit == 0 {
		c.ReadLimit = DefaultReadLimit
	}
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.Dial.Timeout < 0 {
		return fmt.Errorf("dial timeout %s is negative", c.Dial.Timeout)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// LogLevel returns the configured level, Validate has already checked it.
func (c *Config) LogLevel() zap.AtomicLevel {
	lvl, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return lvl
}
