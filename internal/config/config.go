package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration for drawchat.
//
// API keys never live here; they are kept in the secrets file next to it.
type Config struct {
	Backend *BackendConfig `yaml:"backend,omitempty"`
	Chat    *ChatConfig    `yaml:"chat,omitempty"`
	Images  *ImagesConfig  `yaml:"images,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

const (
	defaultLogFormat = "text"
	defaultLogLevel  = "info"
)

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if err := c.Backend.Validate(); err != nil {
		return fmt.Errorf("invalid backend: %w", err)
	}
	if err := c.Chat.Validate(); err != nil {
		return fmt.Errorf("invalid chat: %w", err)
	}
	if err := c.Images.Validate(); err != nil {
		return fmt.Errorf("invalid images: %w", err)
	}
	return nil
}

func (c *Config) EffectiveLogFormat() string {
	if c == nil {
		return defaultLogFormat
	}
	if v := strings.ToLower(strings.TrimSpace(c.LogFormat)); v != "" {
		return v
	}
	return defaultLogFormat
}

func (c *Config) EffectiveLogLevel() string {
	if c == nil {
		return defaultLogLevel
	}
	if v := strings.ToLower(strings.TrimSpace(c.LogLevel)); v != "" {
		return v
	}
	return defaultLogLevel
}

// DefaultConfigPath returns the default config path:
//
//	~/.drawchat/config.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "drawchat.config.yaml"
	}
	return filepath.Join(home, ".drawchat", "config.yaml")
}

// DefaultSecretsPath returns secrets.json in the directory of configPath.
func DefaultSecretsPath(configPath string) string {
	return filepath.Join(filepath.Dir(configPath), "secrets.json")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields an empty config whose
// Effective accessors return the built-in defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Config{}, nil
	}
	return cfg, err
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
