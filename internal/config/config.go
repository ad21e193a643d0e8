package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models truecoding.yml.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Execution ExecutionConfig `yaml:"execution"`
	Runs      RunsConfig      `yaml:"runs"`
	Stream    StreamConfig    `yaml:"stream"`
	Webhooks  []WebhookConfig `yaml:"webhooks"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
	DevLogin  bool   `yaml:"dev_login"`
}

type ExecutionConfig struct {
	// Enabled gates run creation. Disabled deployments reject start requests.
	Enabled                  bool          `yaml:"enabled"`
	CheckpointEveryIteration bool          `yaml:"checkpoint_every_iteration"`
	WorkerPollInterval       time.Duration `yaml:"worker_poll_interval"`
}

type RunsConfig struct {
	ListLimit  int           `yaml:"list_limit"`
	StaleAfter time.Duration `yaml:"stale_after"`
}

type StreamConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	BatchSize    int           `yaml:"batch_size"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	if w.Enabled != nil && !*w.Enabled {
		return false
	}
	return strings.TrimSpace(w.URL) != ""
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return fmt.Errorf("config.server.base_path must start with /")
	}
	if c.Execution.WorkerPollInterval <= 0 {
		return fmt.Errorf("config.execution.worker_poll_interval must be positive")
	}
	if c.Runs.ListLimit <= 0 {
		return fmt.Errorf("config.runs.list_limit must be positive")
	}
	if c.Runs.StaleAfter <= 0 {
		return fmt.Errorf("config.runs.stale_after must be positive")
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("config.stream.poll_interval must be positive")
	}
	if c.Stream.BatchSize <= 0 {
		return fmt.Errorf("config.stream.batch_size must be positive")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if !strings.HasPrefix(hook.URL, "http://") && !strings.HasPrefix(hook.URL, "https://") {
			return fmt.Errorf("config.webhooks[%d].url must be http(s)", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "truecoding.yml")
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads truecoding.yml from the workspace, falling back to defaults when
// the file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML overlays raw YAML onto the defaults and validates the result.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: 127.0.0.1:8080
  base_path: /v1
  jwt_secret: ""
  dev_login: false

execution:
  enabled: false
  checkpoint_every_iteration: false
  worker_poll_interval: 2s

runs:
  list_limit: 20
  stale_after: 60s

stream:
  poll_interval: 1s
  batch_size: 200

webhooks: []
`
