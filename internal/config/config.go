package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models ateam.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id"`
		Kind string `yaml:"kind"`
	} `yaml:"project"`
	Pipeline struct {
		WIPLimit      int `yaml:"wip_limit"`
		MaxRejections int `yaml:"max_rejections"`
	} `yaml:"pipeline"`
	Feed struct {
		PollIntervalMS      int `yaml:"poll_interval_ms"`
		HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
		BreakerThreshold    int `yaml:"breaker_threshold"`
	} `yaml:"feed"`
	Agents struct {
		Roster map[string]string `yaml:"roster"`
	} `yaml:"agents"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

// WebhookConfig describes one outbound activity-log delivery target.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Severities     []string `yaml:"severities,omitempty"`
}

// PollInterval returns the feed poll cadence.
func (c *Config) PollInterval() time.Duration {
	if c.Feed.PollIntervalMS <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Feed.PollIntervalMS) * time.Millisecond
}

// HeartbeatInterval returns the feed keep-alive cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	if c.Feed.HeartbeatIntervalMS <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Feed.HeartbeatIntervalMS) * time.Millisecond
}

// Validate ensures the config meets the required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "delivery-pipeline" {
		return fmt.Errorf("config.project.kind must be 'delivery-pipeline'")
	}
	if c.Pipeline.WIPLimit <= 0 {
		return fmt.Errorf("config.pipeline.wip_limit must be positive")
	}
	if c.Pipeline.MaxRejections <= 0 {
		return fmt.Errorf("config.pipeline.max_rejections must be positive")
	}
	if c.Feed.BreakerThreshold <= 0 {
		return fmt.Errorf("config.feed.breaker_threshold must be positive")
	}
	for stage, agent := range c.Agents.Roster {
		if agent == "" {
			return fmt.Errorf("agents.roster has empty agent for stage %s", stage)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		for _, sev := range hook.Severities {
			switch sev {
			case "info", "warn", "error":
			default:
				return fmt.Errorf("webhooks[%d] has unknown severity %q", i, sev)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "ateam.yml")
}

// Load reads and validates config from the workspace, Default when absent.
func Load(workspace, projectID string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(projectID), nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if projectID != "" {
		cfg.Project.ID = projectID
	}
	return cfg, nil
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	return &cfg
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

// GenerateDefault returns default config YAML for `ateam project init`.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

const defaultTemplate = `project:
  id: %s
  kind: delivery-pipeline

pipeline:
  wip_limit: 3
  max_rejections: 2

feed:
  poll_interval_ms: 2000
  heartbeat_interval_ms: 15000
  breaker_threshold: 5

agents:
  roster:
    testing: murdock
    implementing: ba
    review: face
    probing: hannibal
    docs: amy
`
