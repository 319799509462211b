package config

import (
	"errors"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// BackendConfig points drawchat at its OpenAI-compatible gateway.
type BackendConfig struct {
	BaseURL string `yaml:"base_url,omitempty"`

	// Headers are sent with every request. They are merged over the defaults; an empty
	// value removes a default header.
	Headers map[string]string `yaml:"headers,omitempty"`

	// Timeout bounds one image generation call. Chat streams are bounded only by
	// cancellation.
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// ChatConfig controls text turns and the per-conversation turn budget.
type ChatConfig struct {
	Model string `yaml:"model,omitempty"`

	// SystemPrompt seeds the transcript. Nil uses the default prompt; an empty string
	// starts the conversation without a system message.
	SystemPrompt *string `yaml:"system_prompt,omitempty"`

	MaxUserTurns *int `yaml:"max_user_turns,omitempty"`
}

type ImagesConfig struct {
	// DefaultSize is "WxH", used when a prompt does not name a size.
	DefaultSize string `yaml:"default_size,omitempty"`
}

const (
	DefaultBaseURL      = "http://localhost:5050/api/v1"
	DefaultModel        = "gpt-4o"
	DefaultSystemPrompt = "You are a software developer student that only speaks in rhymes"
	DefaultMaxUserTurns = 5
	DefaultImageSize    = "256x256"
	DefaultTimeout      = 2 * time.Minute

	maxUserTurnsCap = 50
)

var (
	defaultHeaders = map[string]string{
		"mode":     "development",
		"provider": "open-ai",
	}

	imageSizePattern = regexp.MustCompile(`^[1-9]\d*x[1-9]\d*$`)
)

func (c *BackendConfig) Validate() error {
	if c == nil {
		return nil
	}
	if raw := strings.TrimSpace(c.BaseURL); raw != "" {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid base_url: %w", err)
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid base_url %q", raw)
		}
	}
	for k := range c.Headers {
		if strings.TrimSpace(k) == "" {
			return errors.New("empty header name")
		}
	}
	if c.Timeout < 0 {
		return errors.New("timeout must not be negative")
	}
	return nil
}

func (c *BackendConfig) EffectiveBaseURL() string {
	if c == nil {
		return DefaultBaseURL
	}
	if v := strings.TrimSpace(c.BaseURL); v != "" {
		return v
	}
	return DefaultBaseURL
}

func (c *BackendConfig) EffectiveHeaders() map[string]string {
	out := maps.Clone(defaultHeaders)
	if c == nil {
		return out
	}
	for k, v := range c.Headers {
		k = strings.TrimSpace(k)
		v = strings.TrimSpace(v)
		if v == "" {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

func (c *BackendConfig) EffectiveTimeout() time.Duration {
	if c == nil || c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *ChatConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MaxUserTurns != nil && *c.MaxUserTurns <= 0 {
		return fmt.Errorf("max_user_turns must be positive, got %d", *c.MaxUserTurns)
	}
	return nil
}

func (c *ChatConfig) EffectiveModel() string {
	if c == nil {
		return DefaultModel
	}
	if v := strings.TrimSpace(c.Model); v != "" {
		return v
	}
	return DefaultModel
}

func (c *ChatConfig) EffectiveSystemPrompt() string {
	if c == nil || c.SystemPrompt == nil {
		return DefaultSystemPrompt
	}
	return strings.TrimSpace(*c.SystemPrompt)
}

func (c *ChatConfig) EffectiveMaxUserTurns() int {
	if c == nil || c.MaxUserTurns == nil || *c.MaxUserTurns <= 0 {
		return DefaultMaxUserTurns
	}
	return min(*c.MaxUserTurns, maxUserTurnsCap)
}

func (c *ImagesConfig) Validate() error {
	if c == nil {
		return nil
	}
	if v := strings.TrimSpace(c.DefaultSize); v != "" && !imageSizePattern.MatchString(v) {
		return fmt.Errorf("invalid default_size %q (want WxH)", c.DefaultSize)
	}
	return nil
}

func (c *ImagesConfig) EffectiveDefaultSize() string {
	if c == nil {
		return DefaultImageSize
	}
	if v := strings.TrimSpace(c.DefaultSize); v != "" {
		return v
	}
	return DefaultImageSize
}

// Defaults returns a config with every field set to its effective default. It is what
// `drawchat init` writes.
func Defaults() *Config {
	prompt := DefaultSystemPrompt
	turns := DefaultMaxUserTurns
	return &Config{
		Backend: &BackendConfig{
			BaseURL: DefaultBaseURL,
			Headers: maps.Clone(defaultHeaders),
			Timeout: DefaultTimeout,
		},
		Chat: &ChatConfig{
			Model:        DefaultModel,
			SystemPrompt: &prompt,
			MaxUserTurns: &turns,
		},
		Images:    &ImagesConfig{DefaultSize: DefaultImageSize},
		LogFormat: defaultLogFormat,
		LogLevel:  defaultLogLevel,
	}
}
