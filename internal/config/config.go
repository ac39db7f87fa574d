// Package config handles configuration parsing from CLI flags and YAML files.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the proxy daemon.
type Config struct {
	// Port is the proxy listening port.
	Port int `yaml:"port"`
	// MetricsPort is the metrics server port.
	MetricsPort int `yaml:"metrics_port"`
	// NumPools is the connection pool cache capacity.
	NumPools int `yaml:"num_pools"`
	// UpstreamProxy is an optional upstream proxy URL all outbound
	// traffic is routed through.
	UpstreamProxy string `yaml:"upstream_proxy"`
	// UseForwardingForHTTPS forwards https requests to the upstream
	// proxy in absolute form instead of tunneling.
	UseForwardingForHTTPS bool `yaml:"use_forwarding_for_https"`
	// FollowRedirects enables redirect following on outbound requests.
	FollowRedirects bool `yaml:"follow_redirects"`
	// MaxRedirects is the redirect budget per request.
	MaxRedirects int `yaml:"max_redirects"`
	// Timeout is the outbound dial timeout.
	Timeout time.Duration `yaml:"timeout"`
	// IdleTimeout is the idle connection timeout for the listener.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// KeepAlive is the TCP keep-alive interval for outbound connections.
	KeepAlive time.Duration `yaml:"keepalive"`
	// MaxIdlePerHost is the idle connection budget per destination.
	MaxIdlePerHost int `yaml:"max_idle_per_host"`
	// SourceAddress pins outbound connections to a local IP.
	SourceAddress string `yaml:"source_address"`
	// MaxReqsPerHost is the maximum concurrent in-flight requests per
	// destination host.
	MaxReqsPerHost int `yaml:"max_reqs_per_host"`
	// MaxReqsTotal is the maximum total concurrent in-flight requests.
	MaxReqsTotal int `yaml:"max_reqs_total"`
	// LogLevel is the logging level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogFormat is the log format (json, text).
	LogFormat string `yaml:"log_format"`
	// ConfigFile is the optional config file path.
	ConfigFile string `yaml:"-"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:            3128,
		MetricsPort:     9090,
		NumPools:        10,
		FollowRedirects: true,
		MaxRedirects:    10,
		Timeout:         30 * time.Second,
		IdleTimeout:     60 * time.Second,
		KeepAlive:       30 * time.Second,
		MaxIdlePerHost:  10,
		MaxReqsPerHost:  100,
		MaxReqsTotal:    1000,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

// ParseFlags parses command line flags and returns a Config.
func ParseFlags() (*Config, error) {
	cfg := DefaultConfig()

	pflag.IntVar(&cfg.Port, "port", cfg.Port, "Proxy listening port")
	pflag.IntVar(&cfg.MetricsPort, "metrics-port", cfg.MetricsPort, "Metrics server port")
	pflag.IntVar(&cfg.NumPools, "num-pools", cfg.NumPools, "Connection pool cache capacity")
	pflag.StringVar(&cfg.UpstreamProxy, "upstream-proxy", "", "Upstream proxy URL (http or https)")
	pflag.BoolVar(&cfg.UseForwardingForHTTPS, "use-forwarding-for-https", cfg.UseForwardingForHTTPS, "Forward https requests to the upstream proxy instead of tunneling")
	pflag.BoolVar(&cfg.FollowRedirects, "follow-redirects", cfg.FollowRedirects, "Follow redirects on outbound requests")
	pflag.IntVar(&cfg.MaxRedirects, "max-redirects", cfg.MaxRedirects, "Redirect budget per request")
	pflag.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Outbound dial timeout")
	pflag.DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Idle connection timeout")
	pflag.DurationVar(&cfg.KeepAlive, "keepalive", cfg.KeepAlive, "TCP keep-alive interval")
	pflag.IntVar(&cfg.MaxIdlePerHost, "max-idle-per-host", cfg.MaxIdlePerHost, "Idle connections per destination")
	pflag.StringVar(&cfg.SourceAddress, "source-address", "", "Local IP to bind outbound connections to")
	pflag.IntVar(&cfg.MaxReqsPerHost, "max-reqs-per-host", cfg.MaxReqsPerHost, "Max in-flight requests per destination host")
	pflag.IntVar(&cfg.MaxReqsTotal, "max-reqs-total", cfg.MaxReqsTotal, "Max total in-flight requests")
	pflag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (trace, debug, info, warn, error)")
	pflag.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (json, text)")
	pflag.StringVar(&cfg.ConfigFile, "config", "", "Config file path (YAML)")

	pflag.Parse()

	// Env vars take precedence over defaults, CLI flags over env vars
	loadFromEnv(cfg)

	// If config file specified, load it first, then override with flags
	if cfg.ConfigFile != "" {
		fileCfg, err := LoadFromFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
		cfg = mergeConfigs(fileCfg, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// mergeConfigs merges file config with CLI config. CLI flags take precedence.
func mergeConfigs(file, cli *Config) *Config {
	result := *file

	pflag.Visit(func(f *pflag.Flag) {
		switch f.Name {
		case "port":
			result.Port = cli.Port
		case "metrics-port":
			result.MetricsPort = cli.MetricsPort
		case "num-pools":
			result.NumPools = cli.NumPools
		case "upstream-proxy":
			result.UpstreamProxy = cli.UpstreamProxy
		case "use-forwarding-for-https":
			result.UseForwardingForHTTPS = cli.UseForwardingForHTTPS
		case "follow-redirects":
			result.FollowRedirects = cli.FollowRedirects
		case "max-redirects":
			result.MaxRedirects = cli.MaxRedirects
		case "timeout":
			result.Timeout = cli.Timeout
		case "idle-timeout":
			result.IdleTimeout = cli.IdleTimeout
		case "keepalive":
			result.KeepAlive = cli.KeepAlive
		case "max-idle-per-host":
			result.MaxIdlePerHost = cli.MaxIdlePerHost
		case "source-address":
			result.SourceAddress = cli.SourceAddress
		case "max-reqs-per-host":
			result.MaxReqsPerHost = cli.MaxReqsPerHost
		case "max-reqs-total":
			result.MaxReqsTotal = cli.MaxReqsTotal
		case "log-level":
			result.LogLevel = cli.LogLevel
		case "log-format":
			result.LogFormat = cli.LogFormat
		}
	})

	return &result
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.MetricsPort < 1 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	if c.Port == c.MetricsPort {
		return fmt.Errorf("proxy port and metrics port must be different")
	}

	if c.NumPools < 1 {
		return fmt.Errorf("num-pools must be at least 1")
	}

	if c.UpstreamProxy != "" {
		u, err := url.Parse(c.UpstreamProxy)
		if err != nil {
			return fmt.Errorf("invalid upstream proxy URL: %w", err)
		}
		scheme := strings.ToLower(u.Scheme)
		if scheme != "http" && scheme != "https" {
			return fmt.Errorf("upstream proxy scheme must be http or https, got %q", u.Scheme)
		}
	}

	if c.MaxRedirects < 0 {
		return fmt.Errorf("max-redirects must not be negative")
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("idle-timeout must be positive")
	}

	if c.MaxIdlePerHost < 1 {
		return fmt.Errorf("max-idle-per-host must be at least 1")
	}

	if c.SourceAddress != "" && net.ParseIP(c.SourceAddress) == nil {
		return fmt.Errorf("invalid source address: %s", c.SourceAddress)
	}

	if c.MaxReqsPerHost < 1 {
		return fmt.Errorf("max-reqs-per-host must be at least 1")
	}

	if c.MaxReqsTotal < 1 {
		return fmt.Errorf("max-reqs-total must be at least 1")
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be trace, debug, info, warn, or error)", c.LogLevel)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.LogFormat)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables with
// POOLKIT_ prefix. Env vars take precedence over defaults but CLI
// flags take precedence over env vars.
func loadFromEnv(cfg *Config) {
	getEnvString := func(key string) (string, bool) {
		v := os.Getenv("POOLKIT_" + key)
		return v, v != ""
	}

	getEnvInt := func(key string) (int, bool) {
		if v, ok := getEnvString(key); ok {
			if i, err := strconv.Atoi(v); err == nil {
				return i, true
			}
		}
		return 0, false
	}

	getEnvBool := func(key string) (bool, bool) {
		if v, ok := getEnvString(key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				return b, true
			}
		}
		return false, false
	}

	getEnvDuration := func(key string) (time.Duration, bool) {
		if v, ok := getEnvString(key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				return d, true
			}
		}
		return 0, false
	}

	// Only apply env vars if the CLI flag was not explicitly set
	applyIfNotSet := func(flagName string, apply func()) {
		flagSet := false
		pflag.Visit(func(f *pflag.Flag) {
			if f.Name == flagName {
				flagSet = true
			}
		})
		if !flagSet {
			apply()
		}
	}

	if v, ok := getEnvInt("PORT"); ok {
		applyIfNotSet("port", func() { cfg.Port = v })
	}

	if v, ok := getEnvInt("METRICS_PORT"); ok {
		applyIfNotSet("metrics-port", func() { cfg.MetricsPort = v })
	}

	if v, ok := getEnvInt("NUM_POOLS"); ok {
		applyIfNotSet("num-pools", func() { cfg.NumPools = v })
	}

	if v, ok := getEnvString("UPSTREAM_PROXY"); ok {
		applyIfNotSet("upstream-proxy", func() { cfg.UpstreamProxy = v })
	}

	if v, ok := getEnvBool("USE_FORWARDING_FOR_HTTPS"); ok {
		applyIfNotSet("use-forwarding-for-https", func() { cfg.UseForwardingForHTTPS = v })
	}

	if v, ok := getEnvBool("FOLLOW_REDIRECTS"); ok {
		applyIfNotSet("follow-redirects", func() { cfg.FollowRedirects = v })
	}

	if v, ok := getEnvInt("MAX_REDIRECTS"); ok {
		applyIfNotSet("max-redirects", func() { cfg.MaxRedirects = v })
	}

	if v, ok := getEnvDuration("TIMEOUT"); ok {
		applyIfNotSet("timeout", func() { cfg.Timeout = v })
	}

	if v, ok := getEnvDuration("IDLE_TIMEOUT"); ok {
		applyIfNotSet("idle-timeout", func() { cfg.IdleTimeout = v })
	}

	if v, ok := getEnvDuration("KEEPALIVE"); ok {
		applyIfNotSet("keepalive", func() { cfg.KeepAlive = v })
	}

	if v, ok := getEnvInt("MAX_IDLE_PER_HOST"); ok {
		applyIfNotSet("max-idle-per-host", func() { cfg.MaxIdlePerHost = v })
	}

	if v, ok := getEnvString("SOURCE_ADDRESS"); ok {
		applyIfNotSet("source-address", func() { cfg.SourceAddress = v })
	}

	if v, ok := getEnvInt("MAX_REQS_PER_HOST"); ok {
		applyIfNotSet("max-reqs-per-host", func() { cfg.MaxReqsPerHost = v })
	}

	if v, ok := getEnvInt("MAX_REQS_TOTAL"); ok {
		applyIfNotSet("max-reqs-total", func() { cfg.MaxReqsTotal = v })
	}

	if v, ok := getEnvString("LOG_LEVEL"); ok {
		applyIfNotSet("log-level", func() { cfg.LogLevel = v })
	}

	if v, ok := getEnvString("LOG_FORMAT"); ok {
		applyIfNotSet("log-format", func() { cfg.LogFormat = v })
	}
}
