package devhost

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/everydev1618/devhost/container"
	"github.com/everydev1618/devhost/errdefs"
	"github.com/everydev1618/devhost/internal/atomicfile"
	"github.com/everydev1618/devhost/lifecycle"
	"github.com/everydev1618/devhost/stack"
)

// Config holds the daemon configuration.
type Config struct {
	// Home is the state directory. It is not read from the file.
	Home string `yaml:"-"`

	LogLevel  string                     `yaml:"log_level"`
	Engine    EngineConfig               `yaml:"engine"`
	Images    map[stack.Type]string      `yaml:"images"`
	Ports     map[stack.Type]stack.Range `yaml:"ports"`
	Lifecycle LifecycleConfig            `yaml:"lifecycle"`
	Serve     ServeConfig                `yaml:"serve"`
}

// EngineConfig configures the container engine connection.
type EngineConfig struct {
	// Host is the engine endpoint; empty uses DOCKER_HOST or the default socket.
	Host        string `yaml:"host"`
	PingRetries int    `yaml:"ping_retries"`
	Network     string `yaml:"network"`
	Subnet      string `yaml:"subnet"`
	// PathStyle is "desktop" or "wsl" and only affects Windows paths.
	PathStyle string `yaml:"path_style"`
}

// LifecycleConfig configures start and stop behavior.
type LifecycleConfig struct {
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	StopTimeout    time.Duration `yaml:"stop_timeout"`
	AccessHost     string        `yaml:"access_host"`
}

// ServeConfig configures the admin server.
type ServeConfig struct {
	Addr       string `yaml:"addr"`
	StopOnExit bool   `yaml:"stop_on_exit"`
}

// DefaultConfig returns the default configuration rooted at home.
func DefaultConfig(home string) Config {
	return Config{
		Home:     home,
		LogLevel: "info",
		Engine: EngineConfig{
			PingRetries: container.DefaultPingRetries,
			Network:     container.DefaultNetworkName,
			Subnet:      container.DefaultSubnet,
			PathStyle:   string(container.PathStyleDesktop),
		},
		Images: stack.DefaultImages(),
		Ports:  stack.DefaultRanges(),
		Lifecycle: LifecycleConfig{
			StartupTimeout: lifecycle.DefaultStartupTimeout,
			PollInterval:   lifecycle.DefaultPollInterval,
			StopTimeout:    lifecycle.DefaultStopTimeout,
			AccessHost:     lifecycle.DefaultAccessHost,
		},
		Serve: ServeConfig{
			Addr: "127.0.0.1:2602",
		},
	}
}

// LoadConfig reads <home>/config.yaml over the defaults and then applies
// DEVHOST_* environment overrides. A missing file is not an error.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig(home)

	data, err := os.ReadFile(ConfigPath(home))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &errdefs.Error{Code: errdefs.InvalidConfig, Message: "parse " + ConfigPath(home), Err: err}
		}
	}

	overrideFromEnv(&cfg)

	// Partial maps in the file leave the other types at their defaults.
	if cfg.Ports == nil {
		cfg.Ports = make(map[stack.Type]stack.Range)
	}
	if cfg.Images == nil {
		cfg.Images = make(map[stack.Type]string)
	}
	for t, r := range stack.DefaultRanges() {
		if _, ok := cfg.Ports[t]; !ok {
			cfg.Ports[t] = r
		}
	}
	for t, img := range stack.DefaultImages() {
		if cfg.Images[t] == "" {
			cfg.Images[t] = img
		}
	}

	return cfg, cfg.Validate()
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	if val := os.Getenv("DEVHOST_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv("DEVHOST_ENGINE_HOST"); val != "" {
		cfg.Engine.Host = val
	}
	if val := os.Getenv("DEVHOST_NETWORK"); val != "" {
		cfg.Engine.Network = val
	}
	if val := os.Getenv("DEVHOST_SUBNET"); val != "" {
		cfg.Engine.Subnet = val
	}
	if val := os.Getenv("DEVHOST_PATH_STYLE"); val != "" {
		cfg.Engine.PathStyle = val
	}
	if val := os.Getenv("DEVHOST_STARTUP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Lifecycle.StartupTimeout = d
		}
	}
	if val := os.Getenv("DEVHOST_STOP_TIMEOUT"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			cfg.Lifecycle.StopTimeout = d
		}
	}
	if val := os.Getenv("DEVHOST_ACCESS_HOST"); val != "" {
		cfg.Lifecycle.AccessHost = val
	}
	if val := os.Getenv("DEVHOST_ADDR"); val != "" {
		cfg.Serve.Addr = val
	}
	if val := os.Getenv("DEVHOST_STOP_ON_EXIT"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Serve.StopOnExit = b
		}
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Home == "" {
		return errdefs.New(errdefs.InvalidConfig, "home directory is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := container.ParsePathStyle(c.Engine.PathStyle); err != nil {
		return err
	}
	if c.Engine.PingRetries < 1 {
		return errdefs.New(errdefs.InvalidConfig, "engine.ping_retries must be at least 1")
	}
	for t := range c.Ports {
		if !t.Valid() {
			return errdefs.New(errdefs.InvalidConfig, "ports: unknown project type %q", t)
		}
	}
	for t := range c.Images {
		if !t.Valid() {
			return errdefs.New(errdefs.InvalidConfig, "images: unknown project type %q", t)
		}
	}
	if err := stack.ValidateRanges(c.Ports); err != nil {
		return err
	}
	if c.Lifecycle.StartupTimeout <= 0 || c.Lifecycle.PollInterval <= 0 {
		return errdefs.New(errdefs.InvalidConfig, "lifecycle.startup_timeout and lifecycle.poll_interval must be positive")
	}
	if c.Lifecycle.StopTimeout < 0 {
		return errdefs.New(errdefs.InvalidConfig, "lifecycle.stop_timeout must not be negative")
	}
	return nil
}

// WriteConfig writes cfg to <home>/config.yaml atomically.
func WriteConfig(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := []byte("# devhost configuration. Environment variables DEVHOST_* override these values.\n")
	return atomicfile.Write(ConfigPath(cfg.Home), append(header, data...), 0o644)
}

// ParseLogLevel maps a level name to a slog level.
func ParseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, errdefs.New(errdefs.InvalidConfig, "unknown log level %q", s)
}
