// Package config provides configuration loading and management for reviewd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete reviewd configuration
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Auth     AuthConfig     `yaml:"auth"`
	NATS     NATSConfig     `yaml:"nats"`
	Postgres PostgresConfig `yaml:"postgres"`
	Remotes  RemotesConfig  `yaml:"remotes"`
	Review   ReviewConfig   `yaml:"review"`
}

// HTTPConfig configures the HTTP listener
type HTTPConfig struct {
	// Addr is the listen address (default: ":8080")
	Addr string `yaml:"addr"`
	// ReadTimeout bounds how long reading a request may take
	ReadTimeout time.Duration `yaml:"read_timeout"`
	// WriteTimeout bounds how long writing a response may take
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// AuthConfig configures request authentication
type AuthConfig struct {
	// Secret is the shared HMAC key (empty = authentication disabled)
	Secret string `yaml:"secret"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server)
	URL string `yaml:"url"`
	// Embedded indicates whether to use embedded NATS
	Embedded bool `yaml:"embedded"`
}

// PostgresConfig configures the relational store
type PostgresConfig struct {
	// DSN is the lib/pq connection string
	DSN string `yaml:"dsn"`
}

// RemotesConfig configures the diff providers
type RemotesConfig struct {
	// GitcodeToken is the API token for gitcode.com
	GitcodeToken string `yaml:"gitcode_token"`
	// GiteeToken is the API token for gitee.com
	GiteeToken string `yaml:"gitee_token"`
}

// ReviewConfig configures the review-job engine
type ReviewConfig struct {
	// DevagentBin is the external review tool binary
	DevagentBin string `yaml:"devagent_bin"`
	// DevagentRoot is the checkout the tool's revision is read from
	DevagentRoot string `yaml:"devagent_root"`
	// RulesRemote is the host serving the rules project
	RulesRemote string `yaml:"rules_remote"`
	// RulesProject is the rules repository ("owner/repo")
	RulesProject string `yaml:"rules_project"`
	// RulesRevision is the revision of the rules project to check out
	RulesRevision string `yaml:"rules_revision"`
	// RuleURLPrefix is prepended to "<rule>.md" to form canonical rule URLs
	RuleURLPrefix string `yaml:"rule_url_prefix"`
	// GroupSize is the number of review shards per job
	GroupSize int `yaml:"group_size"`
	// MaxWorkers caps concurrently running broker tasks
	MaxWorkers int `yaml:"max_workers"`
	// TaskInfoTTL bounds the ephemeral task-metadata lifetime
	TaskInfoTTL time.Duration `yaml:"task_info_ttl"`
	// ResultTTL bounds how long task states stay pollable past completion
	ResultTTL time.Duration `yaml:"result_ttl"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Auth: AuthConfig{
			Secret: "", // Disabled
		},
		NATS: NATSConfig{
			URL:      "",
			Embedded: true,
		},
		Postgres: PostgresConfig{
			DSN: "",
		},
		Review: ReviewConfig{
			DevagentBin:   "devagent",
			DevagentRoot:  "/devagent",
			RulesRemote:   "gitcode.com",
			RulesProject:  "nazarovkonstantin/arkcompiler_development_rules",
			RulesRevision: "main",
			RuleURLPrefix: "https://gitcode.com/nazarovkonstantin/arkcompiler_development_rules/tree/main/REVIEW_RULES",
			GroupSize:     12,
			MaxWorkers:    12,
			TaskInfoTTL:   12 * time.Hour,
			ResultTTL:     2 * time.Hour,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if c.Review.DevagentBin == "" {
		return fmt.Errorf("review.devagent_bin is required")
	}
	if c.Review.RulesProject == "" {
		return fmt.Errorf("review.rules_project is required")
	}
	if c.Review.GroupSize <= 0 {
		return fmt.Errorf("review.group_size must be positive")
	}
	if c.Review.MaxWorkers <= 0 {
		return fmt.Errorf("review.max_workers must be positive")
	}
	if c.Review.TaskInfoTTL <= 0 {
		return fmt.Errorf("review.task_info_ttl must be positive")
	}
	if c.Review.ResultTTL <= 0 {
		return fmt.Errorf("review.result_ttl must be positive")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// HTTP
	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ReadTimeout != 0 {
		c.HTTP.ReadTimeout = other.HTTP.ReadTimeout
	}
	if other.HTTP.WriteTimeout != 0 {
		c.HTTP.WriteTimeout = other.HTTP.WriteTimeout
	}

	// Auth
	if other.Auth.Secret != "" {
		c.Auth.Secret = other.Auth.Secret
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}

	// Postgres
	if other.Postgres.DSN != "" {
		c.Postgres.DSN = other.Postgres.DSN
	}

	// Remotes
	if other.Remotes.GitcodeToken != "" {
		c.Remotes.GitcodeToken = other.Remotes.GitcodeToken
	}
	if other.Remotes.GiteeToken != "" {
		c.Remotes.GiteeToken = other.Remotes.GiteeToken
	}

	// Review
	if other.Review.DevagentBin != "" {
		c.Review.DevagentBin = other.Review.DevagentBin
	}
	if other.Review.DevagentRoot != "" {
		c.Review.DevagentRoot = other.Review.DevagentRoot
	}
	if other.Review.RulesRemote != "" {
		c.Review.RulesRemote = other.Review.RulesRemote
	}
	if other.Review.RulesProject != "" {
		c.Review.RulesProject = other.Review.RulesProject
	}
	if other.Review.RulesRevision != "" {
		c.Review.RulesRevision = other.Review.RulesRevision
	}
	if other.Review.RuleURLPrefix != "" {
		c.Review.RuleURLPrefix = other.Review.RuleURLPrefix
	}
	if other.Review.GroupSize != 0 {
		c.Review.GroupSize = other.Review.GroupSize
	}
	if other.Review.MaxWorkers != 0 {
		c.Review.MaxWorkers = other.Review.MaxWorkers
	}
	if other.Review.TaskInfoTTL != 0 {
		c.Review.TaskInfoTTL = other.Review.TaskInfoTTL
	}
	if other.Review.ResultTTL != 0 {
		c.Review.ResultTTL = other.Review.ResultTTL
	}
}
