package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Session   SessionConfig   `yaml:"session"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Auth      AuthConfig      `yaml:"auth"`
	Version   VersionConfig   `yaml:"version"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	SendQueue       int           `yaml:"send_queue"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SessionConfig names where the session id of a connection is read from.
type SessionConfig struct {
	CookieName string `yaml:"cookie_name"`
	HeaderName string `yaml:"header_name"`
}

type HeartbeatConfig struct {
	Interval              time.Duration `yaml:"interval"`
	StartDelay            time.Duration `yaml:"start_delay"`
	FailureThreshold      int           `yaml:"failure_threshold"`
	ActivationConcurrency int           `yaml:"activation_concurrency"`
	// VersionEvery polls the version topic on every n-th tick only.
	VersionEvery int `yaml:"version_every"`
}

type UpstreamConfig struct {
	BaseURL       string        `yaml:"base_url"`
	PrometheusURL string        `yaml:"prometheus_url"`
	Timeout       time.Duration `yaml:"timeout"`
	MaxBytes      int64         `yaml:"max_bytes"`
	UserAgent     string        `yaml:"user_agent"`
}

// Auth modes.
const (
	AuthNone   = "none"
	AuthStatic = "static"
	AuthTokens = "tokens"
)

// Token store backends.
const (
	StoreMemory = "memory"
	StoreFile   = "file"
)

type AuthConfig struct {
	Mode string `yaml:"mode"`
	// Token is the bearer token sent upstream in static mode.
	Token string `yaml:"token"`

	Store     string        `yaml:"store"`
	StorePath string        `yaml:"store_path"`
	StoreSize int           `yaml:"store_size"`
	StoreTTL  time.Duration `yaml:"store_ttl"`
	KeyPrefix string        `yaml:"key_prefix"`
	Tolerance time.Duration `yaml:"tolerance"`

	TokenURL     string `yaml:"token_url"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

// VersionConfig overrides the build identifier announced on the version
// topic. Empty means the binary's own version.
type VersionConfig struct {
	Announce string `yaml:"announce"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "127.0.0.1",
			SendQueue:       64,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Session: SessionConfig{
			CookieName: "ui-server-session",
			HeaderName: "X-Session-Id",
		},
		Heartbeat: HeartbeatConfig{
			Interval:              10 * time.Second,
			StartDelay:            3 * time.Second,
			FailureThreshold:      3,
			ActivationConcurrency: 8,
			VersionEvery:          6,
		},
		Upstream: UpstreamConfig{
			BaseURL:   "http://localhost:8000/api",
			Timeout:   10 * time.Second,
			MaxBytes:  4 << 20,
			UserAgent: "session-relay",
		},
		Auth: AuthConfig{
			Mode:      AuthNone,
			Store:     StoreMemory,
			StoreSize: 10000,
			StoreTTL:  24 * time.Hour,
			KeyPrefix: "sessions:",
			Tolerance: 10 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return defaultConfig()
}

// Load reads path over the defaults. Fields absent from the file keep their
// default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields the defaults.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return defaultConfig(), nil
	}
	return cfg, err
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		add("server.port: %d out of range", c.Server.Port)
	}
	if c.Server.SendQueue <= 0 {
		add("server.send_queue must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		add("server.write_timeout must be positive")
	}
	if c.Session.CookieName == "" && c.Session.HeaderName == "" {
		add("session: cookie_name or header_name is required")
	}

	if c.Heartbeat.Interval <= 0 {
		add("heartbeat.interval must be positive")
	}
	if c.Heartbeat.StartDelay < 0 {
		add("heartbeat.start_delay must not be negative")
	}
	if c.Heartbeat.FailureThreshold <= 0 {
		add("heartbeat.failure_threshold must be positive")
	}
	if c.Heartbeat.ActivationConcurrency <= 0 {
		add("heartbeat.activation_concurrency must be positive")
	}
	if c.Heartbeat.VersionEvery <= 0 {
		add("heartbeat.version_every must be positive")
	}

	if err := checkURL(c.Upstream.BaseURL); err != nil {
		add("upstream.base_url: %v", err)
	}
	if c.Upstream.PrometheusURL != "" {
		if err := checkURL(c.Upstream.PrometheusURL); err != nil {
			add("upstream.prometheus_url: %v", err)
		}
	}
	if c.Upstream.Timeout <= 0 {
		add("upstream.timeout must be positive")
	}
	if c.Upstream.MaxBytes <= 0 {
		add("upstream.max_bytes must be positive")
	}

	switch c.Auth.Mode {
	case AuthNone:
	case AuthStatic:
		if c.Auth.Token == "" {
			add("auth.token is required in static mode")
		}
	case AuthTokens:
		if err := checkURL(c.Auth.TokenURL); err != nil {
			add("auth.token_url: %v", err)
		}
		if c.Auth.ClientID == "" {
			add("auth.client_id is required in tokens mode")
		}
		switch c.Auth.Store {
		case StoreMemory:
			if c.Auth.StoreSize <= 0 {
				add("auth.store_size must be positive")
			}
		case StoreFile:
			if c.Auth.StorePath == "" {
				add("auth.store_path is required for the file store")
			}
		default:
			add("auth.store: unknown store %q", c.Auth.Store)
		}
	default:
		add("auth.mode: unknown mode %q", c.Auth.Mode)
	}

	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		add("log.format: unknown format %q", c.Log.Format)
	}

	return errors.Join(errs...)
}

func checkURL(raw string) error {
	if raw == "" {
		return errors.New("required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
