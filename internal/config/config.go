package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// KnownCapabilities is the closed set of capability slots the engine can
// resolve. Only a subset ships with built-in providers.
var KnownCapabilities = []string{"agent", "scm", "ci", "doc", "sandbox", "notification"}

// Config models storyline.yml.
type Config struct {
	Capabilities map[string]CapabilityDefault `yaml:"capabilities"`
	Engine       struct {
		// ReuseUnchanged skips regeneration when a stage's inputs are
		// unchanged since the last run. Off unless enabled explicitly.
		ReuseUnchanged bool `yaml:"reuse_unchanged"`
		// BranchPrefix namespaces the git branches created per round.
		BranchPrefix string `yaml:"branch_prefix"`
	} `yaml:"engine"`
	Server struct {
		Addr      string `yaml:"addr"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"server"`
}

// CapabilityDefault is the global binding for one capability slot.
type CapabilityDefault struct {
	Provider string            `yaml:"provider"`
	Settings map[string]string `yaml:"settings"`
	// HealthIntervalSeconds overrides how long health results are cached.
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
}

func knownCapability(name string) bool {
	for _, c := range KnownCapabilities {
		if c == name {
			return true
		}
	}
	return false
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for name, def := range c.Capabilities {
		if !knownCapability(name) {
			return fmt.Errorf("config.capabilities: unknown capability %q", name)
		}
		if def.Provider == "" {
			return fmt.Errorf("config.capabilities.%s.provider is required", name)
		}
		if def.HealthIntervalSeconds < 0 {
			return fmt.Errorf("config.capabilities.%s.health_interval_seconds must be >= 0", name)
		}
	}
	if c.Engine.BranchPrefix == "" {
		c.Engine.BranchPrefix = "sl"
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "storyline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sl init or pass --workspace", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	_ = cfg.Validate()
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `capabilities:
  agent:
    provider: cli
    settings:
      binary: opencode
      timeout_seconds: "900"

  scm:
    provider: github
    settings:
      token_env: GITHUB_TOKEN

  ci:
    provider: github
    settings:
      token_env: GITHUB_TOKEN
      workflow: ci.yml

engine:
  reuse_unchanged: false
  branch_prefix: sl

server:
  addr: :8080
`
