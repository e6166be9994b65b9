package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	ErrNoConfig         = errors.New("config file not found")
	ErrInvalidConfig    = errors.New("invalid config")
	ErrInvalidTransport = errors.New("transport must be \"http\" or \"websocket\"")
)

const (
	TransportHTTP      = "http"
	TransportWebsocket = "websocket"
)

// Config holds the global streamchat configuration.
type Config struct {
	BaseURL              string        `mapstructure:"base_url"`
	Transport            string        `mapstructure:"transport"`    // "http" or "websocket"
	EventPrefix          string        `mapstructure:"event_prefix"` // line prefix of stream events
	DefaultModel         string        `mapstructure:"default_model"`
	StateDir             string        `mapstructure:"state_dir"` // pebble client storage
	RequestTimeout       time.Duration `mapstructure:"request_timeout"`
	AnonymousQuota       int           `mapstructure:"anonymous_quota"` // used when the quota API is unreachable
	QuotaRefreshInterval time.Duration `mapstructure:"quota_refresh_interval"`
	TitleMaxLen          int           `mapstructure:"title_max_len"`
	MetricsAddr          string        `mapstructure:"metrics_addr"`
}

// Default returns a config with every field set to its default, with
// STREAMCHAT_* env overrides applied.
func Default() (*Config, error) {
	v := newViper()
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	finish(&cfg)
	return &cfg, nil
}

// Load reads .env, then ~/.config/streamchat/config.{yaml,json}. A missing
// config file is not an error: defaults and STREAMCHAT_* env vars apply.
func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(homeDir, ".config", "streamchat")
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		cfg, err := LoadFrom(filepath.Join(dir, name))
		if errors.Is(err, ErrNoConfig) {
			continue
		}
		return cfg, err
	}

	v := newViper()
	return decode(v)
}

// LoadFrom reads the config from a specific path.
func LoadFrom(path string) (*Config, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoConfig
		}
		return nil, err
	}

	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("STREAMCHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("base_url", "http://localhost:8787")
	v.SetDefault("transport", TransportHTTP)
	v.SetDefault("event_prefix", "data:")
	v.SetDefault("default_model", "gemini-2.0-flash")
	v.SetDefault("state_dir", "")
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("anonymous_quota", 10)
	v.SetDefault("quota_refresh_interval", 30*time.Second)
	v.SetDefault("title_max_len", 80)
	v.SetDefault("metrics_addr", "")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	finish(&cfg)

	switch cfg.Transport {
	case TransportHTTP, TransportWebsocket:
	default:
		return nil, ErrInvalidTransport
	}
	if cfg.TitleMaxLen < 4 {
		return nil, fmt.Errorf("%w: title_max_len must be at least 4", ErrInvalidConfig)
	}
	if cfg.AnonymousQuota < 0 {
		return nil, fmt.Errorf("%w: anonymous_quota must not be negative", ErrInvalidConfig)
	}
	if strings.TrimSpace(cfg.EventPrefix) == "" {
		return nil, fmt.Errorf("%w: event_prefix must not be empty", ErrInvalidConfig)
	}
	return &cfg, nil
}

func finish(cfg *Config) {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.StateDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.StateDir = filepath.Join(home, ".streamchat", "state")
		}
	}
}
