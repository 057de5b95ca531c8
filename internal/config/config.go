// Package config holds the configuration for the interactive backend.
//
// Configuration lives in <workspace>/.interactive/config.yaml. Load re-reads
// the file on every call: kernel creation deliberately picks up the current
// on-disk values so that a settings change between two kernel launches takes
// effect without restarting the host (see DESIGN.md).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// RequestChannel selects how requests are submitted to a running kernel.
type RequestChannel string

const (
	// ChannelStdio writes newline-delimited JSON envelopes to the kernel's
	// stdin; correlated responses arrive on stdout.
	ChannelStdio RequestChannel = "stdio"
	// ChannelHTTP posts envelopes to the kernel's negotiated loopback
	// endpoint and decodes the response body.
	ChannelHTTP RequestChannel = "http"
)

// Config holds all interactive backend configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Kernel process configuration
	Kernel KernelConfig `yaml:"kernel"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// KernelConfig configures how kernel subprocesses are launched and driven.
type KernelConfig struct {
	// Path to the kernel executable.
	Path string `yaml:"path"`

	// RuntimePath is the runtime the kernel runs on (e.g. a language
	// runtime binary) and is substituted for {runtime_path} in Args.
	RuntimePath string `yaml:"runtime_path"`

	// Args is the argument template. Placeholders {document_path},
	// {working_dir} and {runtime_path} are expanded at launch time.
	Args []string `yaml:"args"`

	// WorkingDir is the kernel's working directory. Empty means the
	// directory containing the document.
	WorkingDir string `yaml:"working_dir"`

	// Channel selects the request submission channel (stdio or http).
	Channel RequestChannel `yaml:"channel"`

	// HandshakeTimeout bounds the wait for the kernel's readiness line.
	HandshakeTimeout string `yaml:"handshake_timeout"`

	// RequestTimeout bounds a single request/response exchange.
	RequestTimeout string `yaml:"request_timeout"`

	// ShutdownGrace is how long a disposed kernel gets to exit after the
	// termination signal before it is forcibly killed.
	ShutdownGrace string `yaml:"shutdown_grace"`
}

// LoggingConfig configures the category file logger.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"` // debug, info, warn, error
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "interactive",
		Version: "1.0.0",

		Kernel: KernelConfig{
			Path:             "interactive-kernel",
			Args:             []string{"--working-dir", "{working_dir}", "{document_path}"},
			Channel:          ChannelStdio,
			HandshakeTimeout: "5s",
			RequestTimeout:   "30s",
			ShutdownGrace:    "3s",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Path returns the canonical config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".interactive", "config.yaml")
}

// Load loads configuration from a YAML file. The file is read fresh on every
// call so we don't serve cached values to a new kernel launch. A missing file
// yields defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate checks the configuration for values the backend cannot work with.
func (c *Config) Validate() error {
	if c.Kernel.Path == "" {
		return fmt.Errorf("kernel.path must not be empty")
	}
	switch c.Kernel.Channel {
	case ChannelStdio, ChannelHTTP, "":
	default:
		return fmt.Errorf("kernel.channel must be %q or %q, got %q",
			ChannelStdio, ChannelHTTP, c.Kernel.Channel)
	}
	for _, field := range []struct {
		name, value string
	}{
		{"kernel.handshake_timeout", c.Kernel.HandshakeTimeout},
		{"kernel.request_timeout", c.Kernel.RequestTimeout},
		{"kernel.shutdown_grace", c.Kernel.ShutdownGrace},
	} {
		if field.value == "" {
			continue
		}
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("INTERACTIVE_KERNEL_PATH"); path != "" {
		c.Kernel.Path = path
	}
	if path := os.Getenv("INTERACTIVE_RUNTIME_PATH"); path != "" {
		c.Kernel.RuntimePath = path
	}
	if ch := os.Getenv("INTERACTIVE_KERNEL_CHANNEL"); ch != "" {
		c.Kernel.Channel = RequestChannel(strings.ToLower(ch))
	}
	if t := os.Getenv("INTERACTIVE_HANDSHAKE_TIMEOUT"); t != "" {
		c.Kernel.HandshakeTimeout = t
	}
	if t := os.Getenv("INTERACTIVE_REQUEST_TIMEOUT"); t != "" {
		c.Kernel.RequestTimeout = t
	}
}

// HandshakeTimeoutDuration parses the handshake timeout, falling back to 5s.
func (k *KernelConfig) HandshakeTimeoutDuration() time.Duration {
	return parseDurationOr(k.HandshakeTimeout, 5*time.Second)
}

// RequestTimeoutDuration parses the request timeout, falling back to 30s.
func (k *KernelConfig) RequestTimeoutDuration() time.Duration {
	return parseDurationOr(k.RequestTimeout, 30*time.Second)
}

// ShutdownGraceDuration parses the shutdown grace, falling back to 3s.
func (k *KernelConfig) ShutdownGraceDuration() time.Duration {
	return parseDurationOr(k.ShutdownGrace, 3*time.Second)
}

// ChannelOrDefault returns the configured request channel, defaulting to stdio.
func (k *KernelConfig) ChannelOrDefault() RequestChannel {
	if k.Channel == "" {
		return ChannelStdio
	}
	return k.Channel
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
