package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Port != 3128 {
		t.Errorf("expected default port 3128, got %d", cfg.Port)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("expected default metrics port 9090, got %d", cfg.MetricsPort)
	}
	if cfg.NumPools != 10 {
		t.Errorf("expected default num pools 10, got %d", cfg.NumPools)
	}
	if !cfg.FollowRedirects {
		t.Error("expected redirects enabled by default")
	}
	if cfg.MaxRedirects != 10 {
		t.Errorf("expected default max redirects 10, got %d", cfg.MaxRedirects)
	}
	if cfg.Timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", cfg.Timeout)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"port too low", func(c *Config) { c.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Port = 70000 }, true},
		{"metrics port invalid", func(c *Config) { c.MetricsPort = -1 }, true},
		{"ports collide", func(c *Config) { c.MetricsPort = c.Port }, true},
		{"num pools zero", func(c *Config) { c.NumPools = 0 }, true},
		{"valid upstream proxy", func(c *Config) { c.UpstreamProxy = "http://proxy:3128" }, false},
		{"https upstream proxy", func(c *Config) { c.UpstreamProxy = "https://proxy:3128" }, false},
		{"bad upstream proxy scheme", func(c *Config) { c.UpstreamProxy = "socks5://proxy:1080" }, true},
		{"negative max redirects", func(c *Config) { c.MaxRedirects = -1 }, true},
		{"zero max redirects ok", func(c *Config) { c.MaxRedirects = 0 }, false},
		{"zero timeout", func(c *Config) { c.Timeout = 0 }, true},
		{"zero idle timeout", func(c *Config) { c.IdleTimeout = 0 }, true},
		{"zero max idle per host", func(c *Config) { c.MaxIdlePerHost = 0 }, true},
		{"valid source address", func(c *Config) { c.SourceAddress = "127.0.0.1" }, false},
		{"invalid source address", func(c *Config) { c.SourceAddress = "not-an-ip" }, true},
		{"zero max reqs per host", func(c *Config) { c.MaxReqsPerHost = 0 }, true},
		{"zero max reqs total", func(c *Config) { c.MaxReqsTotal = 0 }, true},
		{"bad log level", func(c *Config) { c.LogLevel = "verbose" }, true},
		{"trace log level ok", func(c *Config) { c.LogLevel = "trace" }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected validation error")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected validation error: %v", err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
port: 8888
metrics_port: 9999
num_pools: 25
upstream_proxy: "http://proxy.internal:3128"
follow_redirects: false
max_redirects: 3
timeout: 10s
log_level: debug
log_format: text
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Port != 8888 {
		t.Errorf("expected port 8888, got %d", cfg.Port)
	}
	if cfg.MetricsPort != 9999 {
		t.Errorf("expected metrics port 9999, got %d", cfg.MetricsPort)
	}
	if cfg.NumPools != 25 {
		t.Errorf("expected num pools 25, got %d", cfg.NumPools)
	}
	if cfg.UpstreamProxy != "http://proxy.internal:3128" {
		t.Errorf("unexpected upstream proxy %q", cfg.UpstreamProxy)
	}
	if cfg.FollowRedirects {
		t.Error("expected redirects disabled")
	}
	if cfg.MaxRedirects != 3 {
		t.Errorf("expected max redirects 3, got %d", cfg.MaxRedirects)
	}
	if cfg.Timeout != 10*time.Second {
		t.Errorf("expected timeout 10s, got %v", cfg.Timeout)
	}
	if cfg.LogLevel != "debug" || cfg.LogFormat != "text" {
		t.Errorf("unexpected logging settings %s/%s", cfg.LogLevel, cfg.LogFormat)
	}

	// Unset fields keep their defaults.
	if cfg.MaxReqsPerHost != 100 {
		t.Errorf("expected default max reqs per host, got %d", cfg.MaxReqsPerHost)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	if _, err := LoadFromFile("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	os.WriteFile(path, []byte("port: [not a number"), 0o644)

	if _, err := LoadFromFile(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("POOLKIT_PORT", "4444")
	t.Setenv("POOLKIT_LOG_LEVEL", "debug")
	t.Setenv("POOLKIT_FOLLOW_REDIRECTS", "false")
	t.Setenv("POOLKIT_TIMEOUT", "15s")
	t.Setenv("POOLKIT_MAX_REQS_TOTAL", "bogus") // ignored

	cfg := DefaultConfig()
	loadFromEnv(cfg)

	if cfg.Port != 4444 {
		t.Errorf("expected port from env, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level from env, got %q", cfg.LogLevel)
	}
	if cfg.FollowRedirects {
		t.Error("expected redirects disabled via env")
	}
	if cfg.Timeout != 15*time.Second {
		t.Errorf("expected timeout from env, got %v", cfg.Timeout)
	}
	if cfg.MaxReqsTotal != 1000 {
		t.Errorf("unparseable env value should keep the default, got %d", cfg.MaxReqsTotal)
	}
}

func TestMergeConfigsFileWinsWithoutFlags(t *testing.T) {
	file := DefaultConfig()
	file.Port = 8081
	file.LogLevel = "warn"

	cli := DefaultConfig()

	// No CLI flags were parsed in this process, so the file values win.
	merged := mergeConfigs(file, cli)
	if merged.Port != 8081 {
		t.Errorf("expected file port, got %d", merged.Port)
	}
	if merged.LogLevel != "warn" {
		t.Errorf("expected file log level, got %q", merged.LogLevel)
	}
}

func TestValidationError(t *testing.T) {
	err := &ValidationError{Field: "log_level", Message: "must be trace, debug, info, warn, or error"}
	want := "log_level: must be trace, debug, info, warn, or error"
	if err.Error() != want {
		t.Errorf("ValidationError.Error() = %q, want %q", err.Error(), want)
	}
}
