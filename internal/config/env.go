package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

const (
	EnvBaseURL   = "DRAWCHAT_BASE_URL"
	EnvModel     = "DRAWCHAT_MODEL"
	EnvAPIKey    = "DRAWCHAT_API_KEY"
	EnvLogLevel  = "DRAWCHAT_LOG_LEVEL"
	EnvLogFormat = "DRAWCHAT_LOG_FORMAT"
)

// LookupFunc reports the value of an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Environ returns a lookup that prefers the process environment and falls back to the
// variables read from a .env file at dotenvPath. A missing .env file is not an error.
func Environ(dotenvPath string) (LookupFunc, error) {
	var fileVars map[string]string
	if p := strings.TrimSpace(dotenvPath); p != "" {
		vars, err := godotenv.Read(p)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		fileVars = vars
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileVars[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides config fields with the non-empty DRAWCHAT_* variables found by
// lookup. The result is validated again.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if c == nil {
		return errors.New("nil config")
	}
	if lookup == nil {
		return nil
	}
	get := func(key string) string {
		v, _ := lookup(key)
		return strings.TrimSpace(v)
	}
	if v := get(EnvBaseURL); v != "" {
		if c.Backend == nil {
			c.Backend = &BackendConfig{}
		}
		c.Backend.BaseURL = v
	}
	if v := get(EnvModel); v != "" {
		if c.Chat == nil {
			c.Chat = &ChatConfig{}
		}
		c.Chat.Model = v
	}
	if v := get(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := get(EnvLogFormat); v != "" {
		c.LogFormat = v
	}
	return c.Validate()
}

// APIKeyFromEnv returns DRAWCHAT_API_KEY when set.
func APIKeyFromEnv(lookup LookupFunc) (string, bool) {
	if lookup == nil {
		return "", false
	}
	v, ok := lookup(EnvAPIKey)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}
