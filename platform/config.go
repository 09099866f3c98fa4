// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livetap/livetap/lib/auth"
	"github.com/livetap/livetap/lib/store"
)

// Config is the daemon configuration, loaded from a YAML file.
// Unknown keys are rejected.
type Config struct {
	// ProbeListen and MarkerListen are the bridge endpoints. Each
	// serves exactly one role.
	ProbeListen  string `yaml:"probeListen"`
	MarkerListen string `yaml:"markerListen"`

	// AdminListen serves Prometheus metrics and the health check.
	// Empty disables the admin endpoint.
	AdminListen string `yaml:"adminListen"`

	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"logLevel"`

	// ApplyTimeout bounds applyImmediately waits.
	ApplyTimeout time.Duration `yaml:"applyTimeout"`

	Auth      AuthConfig      `yaml:"auth"`
	Storage   StorageConfig   `yaml:"storage"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// AuthConfig controls authentication. Disabled deployments accept
// every probe and resolve all markers to the system identity.
type AuthConfig struct {
	Enabled bool `yaml:"enabled"`

	// SigningSeed is the base64url 32-byte Ed25519 seed minting and
	// verifying access tokens. Required when Enabled.
	SigningSeed string `yaml:"signingSeed"`

	// TokenTTL is the access token lifetime. Zero means one hour.
	TokenTTL time.Duration `yaml:"tokenTTL"`
}

// StorageConfig selects the state backend.
type StorageConfig struct {
	// Backend is "memory" or "redis".
	Backend string `yaml:"backend"`

	Redis store.RedisOptions `yaml:"redis"`
}

// BootstrapConfig seeds identity state at startup. Entries are
// idempotent: existing developers, roles, and accessors are left
// untouched.
type BootstrapConfig struct {
	Developers []BootstrapDeveloper `yaml:"developers"`
	Roles      []BootstrapRole      `yaml:"roles"`
	Clients    []BootstrapClient    `yaml:"clients"`
}

// BootstrapDeveloper creates a developer and binds its roles. The
// generated authorization code is logged once on creation.
type BootstrapDeveloper struct {
	ID    string      `yaml:"id"`
	Roles []auth.Role `yaml:"roles"`
}

// BootstrapRole creates a role with instrument permissions and an
// optional location access list.
type BootstrapRole struct {
	Name             auth.Role         `yaml:"name"`
	Permissions      []auth.Permission `yaml:"permissions"`
	AccessType       auth.AccessType   `yaml:"accessType"`
	LocationPatterns []string          `yaml:"locationPatterns"`
}

// BootstrapClient registers a probe accessor with a fixed secret so
// probe deployments can be configured ahead of the platform.
type BootstrapClient struct {
	ID     string `yaml:"id"`
	Secret string `yaml:"secret"`
}

// DefaultConfig returns a single-node development configuration.
func DefaultConfig() Config {
	return Config{
		ProbeListen:  "127.0.0.1:5455",
		MarkerListen: "127.0.0.1:5450",
		LogLevel:     "info",
		ApplyTimeout: DefaultApplyTimeout,
		Storage:      StorageConfig{Backend: "memory"},
	}
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (Config, error) {
	config := DefaultConfig()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("platform: reading config: %w", err)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&config); err != nil {
		return Config{}, fmt.Errorf("platform: parsing config %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return Config{}, err
	}
	return config, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.ProbeListen == "" || c.MarkerListen == "" {
		return fmt.Errorf("platform: probeListen and markerListen are required")
	}
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if len(c.Storage.Redis.Addrs) == 0 {
			return fmt.Errorf("platform: redis backend requires storage.redis.addrs")
		}
	default:
		return fmt.Errorf("platform: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Auth.Enabled && c.Auth.SigningSeed == "" {
		return fmt.Errorf("platform: auth.signingSeed is required when auth is enabled")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	for _, role := range c.Bootstrap.Roles {
		for _, permission := range role.Permissions {
			if permission.ManagerOnly() && role.Name != auth.RoleManager {
				return fmt.Errorf("platform: bootstrap role %q grants manager-only permission %s", role.Name, permission)
			}
		}
		if role.AccessType != "" && role.AccessType != auth.WhiteListAccess && role.AccessType != auth.BlackListAccess {
			return fmt.Errorf("platform: bootstrap role %q has unknown access type %q", role.Name, role.AccessType)
		}
	}
	return nil
}

// Level parses the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("platform: unknown log level %q", c.LogLevel)
	}
	return level, nil
}
