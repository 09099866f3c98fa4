// Copyright 2026 The Livetap Authors
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/livetap/livetap/lib/auth"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "platform.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverDefaults(t *testing.T) {
	path := writeConfig(t, `
markerListen: 0.0.0.0:7450
logLevel: debug
applyTimeout: 30s
auth:
  enabled: true
  signingSeed: c2VlZHNlZWRzZWVkc2VlZHNlZWRzZWVkc2VlZHNlZWQ
  tokenTTL: 2h
storage:
  backend: redis
  redis:
    addrs: [127.0.0.1:6379]
bootstrap:
  developers:
    - id: alice
      roles: [role_manager]
  clients:
    - id: fleet
      secret: fleet-secret
`)
	config, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if config.ProbeListen != "127.0.0.1:5455" {
		t.Errorf("probeListen default = %q", config.ProbeListen)
	}
	if config.MarkerListen != "0.0.0.0:7450" {
		t.Errorf("markerListen = %q", config.MarkerListen)
	}
	if config.ApplyTimeout != 30*time.Second || config.Auth.TokenTTL != 2*time.Hour {
		t.Errorf("durations = %v, %v", config.ApplyTimeout, config.Auth.TokenTTL)
	}
	if config.Storage.Backend != "redis" || len(config.Storage.Redis.Addrs) != 1 {
		t.Errorf("storage = %+v", config.Storage)
	}
	if len(config.Bootstrap.Developers) != 1 || config.Bootstrap.Developers[0].Roles[0] != auth.RoleManager {
		t.Errorf("bootstrap = %+v", config.Bootstrap)
	}
}

func TestLoadConfigRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "markerListn: 0.0.0.0:7450\n")
	if _, err := LoadConfig(path); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing listen address",
			mutate:  func(c *Config) { c.MarkerListen = "" },
			wantErr: "markerListen",
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Storage.Backend = "etcd" },
			wantErr: "storage backend",
		},
		{
			name:    "redis without addrs",
			mutate:  func(c *Config) { c.Storage.Backend = "redis" },
			wantErr: "redis",
		},
		{
			name:    "auth without seed",
			mutate:  func(c *Config) { c.Auth.Enabled = true },
			wantErr: "signingSeed",
		},
		{
			name:    "bad log level",
			mutate:  func(c *Config) { c.LogLevel = "loud" },
			wantErr: "log level",
		},
		{
			name: "manager-only grant on custom role",
			mutate: func(c *Config) {
				c.Bootstrap.Roles = []BootstrapRole{{Name: "role_ops", Permissions: []auth.Permission{auth.AddDeveloper}}}
			},
			wantErr: "manager-only",
		},
		{
			name: "unknown access type",
			mutate: func(c *Config) {
				c.Bootstrap.Roles = []BootstrapRole{{Name: "role_ops", AccessType: "GREY_LIST"}}
			},
			wantErr: "access type",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			config := DefaultConfig()
			c.mutate(&config)
			err := config.Validate()
			if c.wantErr == "" {
				if err != nil {
					t.Fatal(err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), c.wantErr) {
				t.Errorf("error = %v, want %q", err, c.wantErr)
			}
		})
	}
}
