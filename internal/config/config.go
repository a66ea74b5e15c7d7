// Package config handles Kestrel configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./kestrel.yaml, ~/.config/kestrel/kestrel.yaml, /etc/kestrel/kestrel.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"kestrel.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kestrel", "kestrel.yaml"))
	}

	paths = append(paths, "/etc/kestrel/kestrel.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Kestrel configuration.
type Config struct {
	Servers  []ServerConfig `yaml:"servers"`
	LLM      LLMConfig      `yaml:"llm"`
	MaxTurns int            `yaml:"max_turns"`
	DataDir  string         `yaml:"data_dir"`
	LogLevel string         `yaml:"log_level"`
}

// ServerConfig identifies one MCP server endpoint.
type ServerConfig struct {
	// Name labels the server in logs and tool origin reporting.
	// If empty, it defaults to the endpoint host.
	Name string `yaml:"name"`
	// URL is the MCP endpoint (e.g., http://127.0.0.1:8000/mcp).
	URL string `yaml:"url"`
	// Headers are extra HTTP headers sent with every request (e.g., Authorization).
	Headers map[string]string `yaml:"headers"`
}

// LLMConfig defines the chat-completion backend settings.
type LLMConfig struct {
	// BaseURL is the OpenAI-compatible API root (e.g., http://localhost:8080).
	BaseURL string `yaml:"base_url"`
	// APIKey is sent as a bearer token. Local backends accept anything.
	APIKey string `yaml:"api_key"`
	// Model is passed through on chat requests. Optional for single-model backends.
	Model string `yaml:"model"`
	// TimeoutSec bounds each chat call. Default 30.
	TimeoutSec int `yaml:"timeout_sec"`
}

// Timeout returns the per-call LLM timeout as a duration.
func (c LLMConfig) Timeout() time.Duration {
	if c.TimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.TimeoutSec) * time.Second
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

// Default returns a usable configuration without a config file,
// matching the defaults the original tooling assumed.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "http://localhost:8080"
	}
	if c.MaxTurns <= 0 {
		c.MaxTurns = 5
	}
	for i := range c.Servers {
		if c.Servers[i].Name == "" {
			c.Servers[i].Name = fmt.Sprintf("server%d", i+1)
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Servers))
	for _, s := range c.Servers {
		if s.URL == "" {
			return fmt.Errorf("server %q has no url", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}
