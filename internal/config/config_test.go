package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFrom(t *testing.T) {
	t.Run("valid yaml config", func(t *testing.T) {
		path := writeConfig(t, "config.yaml", `
base_url: https://chat.example.com/
transport: websocket
default_model: gpt-4
request_timeout: 5s
anonymous_quota: 3
`)
		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.BaseURL != "https://chat.example.com" {
			t.Errorf("BaseURL = %q, want trailing slash trimmed", cfg.BaseURL)
		}
		if cfg.Transport != TransportWebsocket {
			t.Errorf("Transport = %q, want %q", cfg.Transport, TransportWebsocket)
		}
		if cfg.DefaultModel != "gpt-4" {
			t.Errorf("DefaultModel = %q, want %q", cfg.DefaultModel, "gpt-4")
		}
		if cfg.RequestTimeout != 5*time.Second {
			t.Errorf("RequestTimeout = %v, want 5s", cfg.RequestTimeout)
		}
		if cfg.AnonymousQuota != 3 {
			t.Errorf("AnonymousQuota = %d, want 3", cfg.AnonymousQuota)
		}
	})

	t.Run("defaults applied", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"default_model": "m"}`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if cfg.BaseURL != "http://localhost:8787" {
			t.Errorf("BaseURL = %q, want default", cfg.BaseURL)
		}
		if cfg.Transport != TransportHTTP {
			t.Errorf("Transport = %q, want default", cfg.Transport)
		}
		if cfg.EventPrefix != "data:" {
			t.Errorf("EventPrefix = %q, want default", cfg.EventPrefix)
		}
		if cfg.TitleMaxLen != 80 {
			t.Errorf("TitleMaxLen = %d, want 80", cfg.TitleMaxLen)
		}
		if cfg.AnonymousQuota != 10 {
			t.Errorf("AnonymousQuota = %d, want 10", cfg.AnonymousQuota)
		}
		if cfg.StateDir == "" {
			t.Error("StateDir should default to a directory under home")
		}
	})

	t.Run("env override", func(t *testing.T) {
		t.Setenv("STREAMCHAT_DEFAULT_MODEL", "from-env")
		path := writeConfig(t, "config.json", `{"default_model": "from-file"}`)

		cfg, err := LoadFrom(path)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if cfg.DefaultModel != "from-env" {
			t.Errorf("DefaultModel = %q, want env value", cfg.DefaultModel)
		}
	})

	t.Run("transport invalid", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"transport": "carrier-pigeon"}`)
		_, err := LoadFrom(path)
		if err != ErrInvalidTransport {
			t.Errorf("error = %v, want ErrInvalidTransport", err)
		}
	})

	t.Run("title_max_len too small", func(t *testing.T) {
		path := writeConfig(t, "config.json", `{"title_max_len": 2}`)
		_, err := LoadFrom(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("error = %v, want ErrInvalidConfig", err)
		}
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadFrom("/nonexistent/path/config.json")
		if err != ErrNoConfig {
			t.Errorf("error = %v, want ErrNoConfig", err)
		}
	})

	t.Run("invalid json", func(t *testing.T) {
		path := writeConfig(t, "config.json", "not json")

		_, err := LoadFrom(path)
		if !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("error = %v, want ErrInvalidConfig", err)
		}
	})
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	if cfg.Transport != TransportHTTP {
		t.Errorf("Transport = %q, want %q", cfg.Transport, TransportHTTP)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("RequestTimeout = %v, want 30s", cfg.RequestTimeout)
	}
}

func TestDefaultBadEnv(t *testing.T) {
	t.Setenv("STREAMCHAT_REQUEST_TIMEOUT", "soon")
	if _, err := Default(); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}
