// Package config loads quill's layered YAML configuration: the user-level
// file in ~/.quill is applied first, then the project-level .quill file
// overrides it.
package config

import (
	"os"
	"path/filepath"

	"github.com/quillworks/quill/errors"
	"gopkg.in/yaml.v3"
)

// Provider describes one configured provider/model pair. Static; looked up
// by name and never mutated at runtime.
type Provider struct {
	Name      string `yaml:"name"`
	Dialect   string `yaml:"dialect"` // openai | anthropic | gemini | bedrock
	Model     string `yaml:"model"`
	APIBase   string `yaml:"api_base"`
	APIKeyEnv string `yaml:"api_key_env"`
	Streaming *bool  `yaml:"streaming"` // nil means dialect default (on)
	MaxTokens int    `yaml:"max_tokens"`
}

// StreamingEnabled resolves the tri-state streaming flag.
func (p Provider) StreamingEnabled() bool {
	if p.Streaming == nil {
		return true
	}
	return *p.Streaming
}

// CapabilityServer configures one remote capability (MCP) server.
type CapabilityServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // stdio | http
	Command   string            `yaml:"command"`   // stdio
	Args      []string          `yaml:"args"`      // stdio
	URL       string            `yaml:"url"`       // http
	Headers   map[string]string `yaml:"headers"`   // http, e.g. Authorization
}

// FilesystemAccess restricts what the file tools may touch, as doublestar
// glob patterns.
type FilesystemAccess struct {
	Hidden   []string `yaml:"hidden"`
	ReadOnly []string `yaml:"read_only"`
}

// Config is the merged view of the user- and project-level files.
type Config struct {
	Provider          string             `yaml:"provider"` // name of the active provider
	Providers         []Provider         `yaml:"providers"`
	CapabilityServers []CapabilityServer `yaml:"capability_servers"`
	// Permissions maps a tool name to always | ask | never. Tools without
	// an entry default to ask.
	Permissions      map[string]string `yaml:"permissions"`
	FilesystemAccess FilesystemAccess  `yaml:"filesystem_access"`
	CommandTimeoutMs int               `yaml:"command_timeout_ms"`
	DefaultMode      string            `yaml:"default_mode"`
	SessionDir       string            `yaml:"session_dir"`
}

// LoadConfig loads configuration from the user's home directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{}

	// The .quill directory is never exposed to the model's file tools.
	cfg.FilesystemAccess.Hidden = append(cfg.FilesystemAccess.Hidden, ".quill", ".quill/**")

	home, err := os.UserHomeDir()
	if err == nil {
		userConfigPath := filepath.Join(home, ".quill", "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".quill", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so the project file
	// replaces user-level values where both are set.
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) applyDefaults() {
	if c.CommandTimeoutMs == 0 {
		c.CommandTimeoutMs = 30000
	}
	if c.DefaultMode == "" {
		c.DefaultMode = "default"
	}
	if c.Permissions == nil {
		c.Permissions = map[string]string{}
	}
}

// GetProvider finds a provider by name, or the first configured one when
// name is empty.
func (c *Config) GetProvider(name string) (*Provider, error) {
	if name == "" {
		name = c.Provider
	}
	if name == "" && len(c.Providers) > 0 {
		return &c.Providers[0], nil
	}
	for i := range c.Providers {
		if c.Providers[i].Name == name {
			return &c.Providers[i], nil
		}
	}
	return nil, errors.New("provider '%s' not found in configuration", name)
}
