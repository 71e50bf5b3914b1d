// Package config loads and validates the migration configuration. The engine
// consumes the resolved Config struct; flag handling lives in the CLI.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the migration engine.
type Config struct {
	Synapse   DatabaseConfig  `yaml:"synapse"`
	MAS       DatabaseConfig  `yaml:"mas"`
	Migration MigrationConfig `yaml:"migration"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// DatabaseConfig holds connection settings for one PostgreSQL database.
// Either DSN or the discrete fields may be used; DSN wins when both are set.
type DatabaseConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
}

// URI builds the postgres connection string.
func (d *DatabaseConfig) URI() string {
	if d.DSN != "" {
		return d.DSN
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(d.User), url.QueryEscape(d.Password),
		d.Host, d.Port, d.Database, d.SSLMode)
}

// RetryConfig bounds the retry policy applied at the database-call boundary.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms"`
}

// InitialBackoff returns the configured initial backoff as a duration.
func (r *RetryConfig) InitialBackoff() time.Duration {
	return time.Duration(r.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the configured backoff cap as a duration.
func (r *RetryConfig) MaxBackoff() time.Duration {
	return time.Duration(r.MaxBackoffMs) * time.Millisecond
}

// MigrationConfig holds migration behavior settings.
type MigrationConfig struct {
	// Homeserver is the Matrix server name users belong to, e.g. "example.com".
	// Users from any other server abort the run.
	Homeserver string `yaml:"homeserver"`

	// BatchSize is the number of destination rows per commit transaction.
	BatchSize int `yaml:"batch_size"`

	// Workers bounds transform workers per entity and concurrently running
	// entity pipelines within a dependency stage.
	Workers int `yaml:"workers"`

	// DryRun routes transformed batches to the verifier instead of the writer.
	DryRun bool `yaml:"dry_run"`

	// DataDir holds the local run registry (SQLite).
	DataDir string `yaml:"data_dir"`

	// StrictEntities lists entity types that abort on the first row error
	// instead of skip-and-report.
	StrictEntities []string `yaml:"strict_entities"`

	// IncludeEntities/ExcludeEntities filter which entity types migrate.
	IncludeEntities []string `yaml:"include_entities"`
	ExcludeEntities []string `yaml:"exclude_entities"`

	// PasswordSchemeVersion is the MAS password scheme version assigned to
	// migrated Synapse password hashes (1 = bcrypt).
	PasswordSchemeVersion int `yaml:"password_scheme_version"`

	// UpstreamProviders maps Synapse SSO auth_provider ids to MAS upstream
	// OAuth provider UUIDs.
	UpstreamProviders map[string]string `yaml:"upstream_providers"`

	// SourceConnections/TargetConnections bound the two pools.
	SourceConnections int `yaml:"source_connections"`
	TargetConnections int `yaml:"target_connections"`

	Retry RetryConfig `yaml:"retry"`
}

// NotifyConfig holds webhook notification settings.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	Enabled    bool   `yaml:"enabled"`
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return LoadBytes(data)
}

// LoadBytes parses and validates config from raw YAML.
func LoadBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Synapse.Port == 0 {
		c.Synapse.Port = 5432
	}
	if c.MAS.Port == 0 {
		c.MAS.Port = 5432
	}
	if c.Synapse.SSLMode == "" {
		c.Synapse.SSLMode = "prefer"
	}
	if c.MAS.SSLMode == "" {
		c.MAS.SSLMode = "prefer"
	}
	if c.Migration.BatchSize <= 0 {
		c.Migration.BatchSize = 1000
	}
	if c.Migration.Workers <= 0 {
		c.Migration.Workers = 4
	}
	if c.Migration.PasswordSchemeVersion <= 0 {
		c.Migration.PasswordSchemeVersion = 1
	}
	if c.Migration.SourceConnections <= 0 {
		c.Migration.SourceConnections = 4
	}
	if c.Migration.TargetConnections <= 0 {
		c.Migration.TargetConnections = 8
	}
	if c.Migration.DataDir == "" {
		c.Migration.DataDir, _ = DefaultDataDir()
	} else {
		c.Migration.DataDir = expandTilde(c.Migration.DataDir)
	}
	if c.Migration.Retry.MaxAttempts <= 0 {
		c.Migration.Retry.MaxAttempts = 5
	}
	if c.Migration.Retry.InitialBackoffMs <= 0 {
		c.Migration.Retry.InitialBackoffMs = 250
	}
	if c.Migration.Retry.MaxBackoffMs <= 0 {
		c.Migration.Retry.MaxBackoffMs = 10000
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Migration.Homeserver == "" {
		return fmt.Errorf("invalid configuration: migration.homeserver is required")
	}
	if c.Synapse.DSN == "" && c.Synapse.Host == "" {
		return fmt.Errorf("invalid configuration: synapse database connection is required")
	}
	if c.MAS.DSN == "" && c.MAS.Host == "" {
		return fmt.Errorf("invalid configuration: mas database connection is required")
	}
	if c.Migration.BatchSize > 50000 {
		return fmt.Errorf("invalid configuration: batch_size %d exceeds maximum 50000", c.Migration.BatchSize)
	}
	if len(c.Migration.IncludeEntities) > 0 && len(c.Migration.ExcludeEntities) > 0 {
		return fmt.Errorf("invalid configuration: include_entities and exclude_entities are mutually exclusive")
	}
	for idp, id := range c.Migration.UpstreamProviders {
		if _, err := uuid.Parse(id); err != nil {
			return fmt.Errorf("invalid configuration: upstream_providers[%s]: %q is not a UUID", idp, id)
		}
	}
	if c.Notify.Enabled && c.Notify.WebhookURL == "" {
		return fmt.Errorf("invalid configuration: notify.enabled requires notify.webhook_url")
	}
	return nil
}

// Strict reports whether the entity type runs under abort-on-first-error.
func (c *Config) Strict(entityType string) bool {
	for _, e := range c.Migration.StrictEntities {
		if e == entityType {
			return true
		}
	}
	return false
}

// EntityEnabled applies the include/exclude filters to an entity type.
func (c *Config) EntityEnabled(entityType string) bool {
	if len(c.Migration.IncludeEntities) > 0 {
		for _, e := range c.Migration.IncludeEntities {
			if e == entityType {
				return true
			}
		}
		return false
	}
	for _, e := range c.Migration.ExcludeEntities {
		if e == entityType {
			return false
		}
	}
	return true
}

// ProviderID returns the MAS provider UUID mapped to a Synapse auth_provider.
func (c *Config) ProviderID(authProvider string) (uuid.UUID, bool) {
	id, ok := c.Migration.UpstreamProviders[authProvider]
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

// DefaultDataDir returns the default directory for local state.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("finding home directory: %w", err)
	}
	return filepath.Join(home, ".syn2mas"), nil
}

// expandTilde expands ~ or ~/ at the start of a path to the user's home directory.
func expandTilde(path string) string {
	if path == "~" {
		home, _ := os.UserHomeDir()
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}
