package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"acceptgate/internal/domain"
)

// Config models acceptgate.yml.
type Config struct {
	Server struct {
		Listen   string `yaml:"listen"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AdminRole              string `yaml:"admin_role"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Branches struct {
		BaseURL        string `yaml:"base_url"`
		APIKey         string `yaml:"api_key"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"branches"`
	Workers struct {
		Count     int `yaml:"count"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"workers"`
	Catalog  []CatalogItem   `yaml:"catalog"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type CatalogItem struct {
	ID              string `yaml:"id"`
	Label           string `yaml:"label"`
	Description     string `yaml:"description"`
	Order           int    `yaml:"order"`
	AuthoringLevel  string `yaml:"authoring_level"`
	Mandatory       bool   `yaml:"mandatory"`
	Manual          bool   `yaml:"manual"`
	ExpiresOnCommit bool   `yaml:"expires_on_commit"`
	RequiredRole    string `yaml:"required_role"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for i, item := range c.Catalog {
		if item.ID == "" {
			return fmt.Errorf("config.catalog[%d].id is required", i)
		}
		if item.Label == "" {
			return fmt.Errorf("config.catalog[%d].label is required", i)
		}
		switch item.AuthoringLevel {
		case domain.LevelCodeSystem, domain.LevelProject, domain.LevelTask:
		default:
			return fmt.Errorf("config.catalog[%d].authoring_level %q is invalid", i, item.AuthoringLevel)
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "acceptgate.yml")
}

// Load reads and validates config from a workspace.
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

// Default returns the built-in config, including the seed catalog.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// GenerateDefault returns the default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// SeedItems converts the configured catalog into domain criteria items.
func (c *Config) SeedItems() []domain.CriteriaItem {
	items := make([]domain.CriteriaItem, 0, len(c.Catalog))
	for _, entry := range c.Catalog {
		items = append(items, domain.CriteriaItem{
			ID:              entry.ID,
			Label:           entry.Label,
			Description:     entry.Description,
			Order:           entry.Order,
			AuthoringLevel:  entry.AuthoringLevel,
			Mandatory:       entry.Mandatory,
			Manual:          entry.Manual,
			ExpiresOnCommit: entry.ExpiresOnCommit,
			RequiredRole:    entry.RequiredRole,
		})
	}
	return items
}

const defaultTemplate = `server:
  listen: ":8080"
  base_path: /v1

auth:
  jwt_secret: ""
  admin_role: criteria-admin
  allow_legacy_actor_header: false

branches:
  base_url: http://localhost:8081
  timeout_seconds: 5

workers:
  count: 4
  queue_size: 128

catalog:
  - id: PROJECT_CLEAN_CLASSIFICATION
    label: "Project classified with no equivalencies"
    description: "The project branch classifies cleanly"
    order: 10
    authoring_level: PROJECT
    mandatory: true
    manual: false
    expires_on_commit: true
    required_role: AUTHOR

  - id: TASK_CLEAN_CLASSIFICATION
    label: "Task classified with no equivalencies"
    description: "The task branch classifies cleanly"
    order: 10
    authoring_level: TASK
    mandatory: true
    manual: false
    expires_on_commit: true
    required_role: AUTHOR

  - id: PROJECT_SCOPE_REVIEWED
    label: "Scope reviewed"
    order: 20
    authoring_level: PROJECT
    mandatory: true
    manual: true
    required_role: PROJECT_LEAD

  - id: TASK_CONTENT_REVIEWED
    label: "Content reviewed"
    order: 20
    authoring_level: TASK
    mandatory: true
    manual: true
    required_role: REVIEWER

  - id: TASK_AUTHOR_SIGNED_OFF
    label: "Author sign-off"
    order: 30
    authoring_level: TASK
    mandatory: false
    manual: true
    required_role: AUTHOR
`
