// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the deployment environment. Only the
// per-machine override mechanism uses this; jirafs itself has no
// environment-specific behavior beyond letting an override block
// repoint paths and credentials without touching the base config.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Workspace is a named, saved query against the remote issue tracker.
type Workspace struct {
	Query string `yaml:"query"`
}

// Config is the master jirafs configuration, corresponding to the
// configuration surface in spec §6.
type Config struct {
	Environment Environment `yaml:"environment"`

	Workspaces map[string]Workspace `yaml:"workspaces"`

	Remote RemoteConfig `yaml:"remote"`
	Cache  CacheConfig  `yaml:"cache"`
	Sync   SyncConfig   `yaml:"sync"`
	Render RenderConfig `yaml:"render"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// RemoteConfig configures the issue-tracker HTTP client. CredentialRef
// is opaque to the core: it names where the credential lives (an
// environment variable, a file path, a secret-service key) but the
// core never interprets its contents — acquisition is a collaborator
// concern per spec §1.
type RemoteConfig struct {
	BaseURL       string `yaml:"base_url"`
	Email         string `yaml:"email"`
	CredentialRef string `yaml:"credential_ref"`
}

// CacheConfig configures the persistent store and default TTL.
type CacheConfig struct {
	StorePath string `yaml:"store_path"`
	TTL       string `yaml:"ttl_seconds"`
}

// SyncConfig configures the sync engine's scheduling.
type SyncConfig struct {
	IntervalSeconds      int `yaml:"interval_seconds"`
	Budget               int `yaml:"budget"`
	MaxConcurrentFetches int `yaml:"max_concurrent_fetches"`
}

// RenderConfig configures the renderer.
type RenderConfig struct {
	CommentsInlineLimit int `yaml:"comments_inline_limit"`
}

// ConfigOverrides contains fields overridable per environment.
type ConfigOverrides struct {
	Remote *RemoteConfig `yaml:"remote,omitempty"`
	Cache  *CacheConfig  `yaml:"cache,omitempty"`
	Sync   *SyncConfig   `yaml:"sync,omitempty"`
}

// Default returns a configuration with sensible zero-values. The
// config file is still required — these defaults exist so partially
// specified files don't leave zero-valued fields that Validate would
// otherwise need special-casing for.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	return &Config{
		Environment: Development,
		Workspaces:  map[string]Workspace{},
		Cache: CacheConfig{
			StorePath: filepath.Join(homeDir, ".cache", "jirafs", "jirafs.db"),
			TTL:       "30s",
		},
		Sync: SyncConfig{
			IntervalSeconds:      60,
			Budget:               1000,
			MaxConcurrentFetches: 4,
		},
		Render: RenderConfig{
			CommentsInlineLimit: 20,
		},
	}
}

// Load loads configuration from the JIRAFS_CONFIG environment
// variable. There is no fallback path: if the variable is unset, this
// fails rather than guessing a location.
func Load() (*Config, error) {
	path := os.Getenv("JIRAFS_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: JIRAFS_CONFIG environment variable not set; " +
			"set it to the path of your jirafs.yaml, or pass --config")
	}
	return LoadFile(path)
}

// LoadFile loads and validates configuration from a specific path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}

	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if overrides.Remote != nil {
		if overrides.Remote.BaseURL != "" {
			c.Remote.BaseURL = overrides.Remote.BaseURL
		}
		if overrides.Remote.Email != "" {
			c.Remote.Email = overrides.Remote.Email
		}
		if overrides.Remote.CredentialRef != "" {
			c.Remote.CredentialRef = overrides.Remote.CredentialRef
		}
	}
	if overrides.Cache != nil {
		if overrides.Cache.StorePath != "" {
			c.Cache.StorePath = overrides.Cache.StorePath
		}
		if overrides.Cache.TTL != "" {
			c.Cache.TTL = overrides.Cache.TTL
		}
	}
	if overrides.Sync != nil {
		if overrides.Sync.IntervalSeconds != 0 {
			c.Sync.IntervalSeconds = overrides.Sync.IntervalSeconds
		}
		if overrides.Sync.Budget != 0 {
			c.Sync.Budget = overrides.Sync.Budget
		}
		if overrides.Sync.MaxConcurrentFetches != 0 {
			c.Sync.MaxConcurrentFetches = overrides.Sync.MaxConcurrentFetches
		}
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// expandVariables expands ${HOME}-style references in path fields.
func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}
	c.Cache.StorePath = expandVars(c.Cache.StorePath, vars)
}

// Validate checks the configuration for the invalid states spec §7
// requires rejecting at construction, before any mount.
func (c *Config) Validate() error {
	var errs []error

	if c.Remote.BaseURL == "" {
		errs = append(errs, fmt.Errorf("remote.base_url is required"))
	}
	if c.Remote.Email == "" {
		errs = append(errs, fmt.Errorf("remote.email is required"))
	}
	if c.Remote.CredentialRef == "" {
		errs = append(errs, fmt.Errorf("remote.credential_ref is required"))
	}
	if len(c.Workspaces) == 0 {
		errs = append(errs, fmt.Errorf("at least one workspace is required"))
	}
	for name, ws := range c.Workspaces {
		if name == "" {
			errs = append(errs, fmt.Errorf("workspace name must not be empty"))
		}
		if !workspaceNamePattern.MatchString(name) {
			errs = append(errs, fmt.Errorf("workspace name %q must match %s", name, workspaceNamePattern.String()))
		}
		if ws.Query == "" {
			errs = append(errs, fmt.Errorf("workspace %q: query is required", name))
		}
	}
	if c.Cache.StorePath == "" {
		errs = append(errs, fmt.Errorf("cache.store_path is required"))
	}
	if ttl, err := c.TTL(); err != nil {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds: %w", err))
	} else if ttl <= 0 {
		errs = append(errs, fmt.Errorf("cache.ttl_seconds must be positive"))
	}
	if c.Sync.IntervalSeconds <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval_seconds must be positive"))
	}
	if c.Sync.Budget <= 0 {
		errs = append(errs, fmt.Errorf("sync.budget must be positive"))
	}
	if c.Sync.MaxConcurrentFetches <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_concurrent_fetches must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

var workspaceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// TTL parses Cache.TTL as a duration string.
func (c *Config) TTL() (time.Duration, error) {
	return time.ParseDuration(c.Cache.TTL)
}

// Interval returns the sync tick interval as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.Sync.IntervalSeconds) * time.Second
}
