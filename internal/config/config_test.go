package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func validConfig() *Config {
	return &Config{
		Admin:        AdminConfig{IDs: []int64{42}},
		Panel:        PanelConfig{Timeout: 10 * time.Second},
		Provisioning: ProvisioningConfig{Workers: 2, QueueSize: 8, MaxRetries: 3, InitialBackoff: time.Second, BackoffMultiplier: 3},
		Audit:        AuditConfig{Interval: time.Hour},
	}
}

func TestLoad_FileAndDefaults(t *testing.T) {
	dir := t.TempDir()
	yaml := []byte(`
bot:
  token: "abc"
admin:
  ids: [100, 200]
provisioning:
  workers: 8
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), yaml, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.Bot.Token)
	assert.Equal(t, []int64{100, 200}, cfg.Admin.IDs)
	assert.Equal(t, 8, cfg.Provisioning.Workers)
	assert.Equal(t, 3, cfg.Provisioning.MaxRetries)
	assert.Equal(t, time.Second, cfg.Provisioning.InitialBackoff)
	assert.Equal(t, 10*time.Second, cfg.Panel.Timeout)
	assert.Equal(t, "localhost", cfg.Database.Host)
}

func TestLoad_EnvOverride(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_HOST", "db.internal")
	t.Setenv("PROVISIONING_MAX_RETRIES", "5")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Provisioning.MaxRetries)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"negative admin id", func(c *Config) { c.Admin.IDs = []int64{5, -1} }, true},
		{"zero admin id", func(c *Config) { c.Admin.IDs = []int64{0} }, true},
		{"no workers", func(c *Config) { c.Provisioning.Workers = 0 }, true},
		{"no queue", func(c *Config) { c.Provisioning.QueueSize = 0 }, true},
		{"negative retries", func(c *Config) { c.Provisioning.MaxRetries = -1 }, true},
		{"shrinking backoff", func(c *Config) { c.Provisioning.BackoffMultiplier = 0.5 }, true},
		{"no panel timeout", func(c *Config) { c.Panel.Timeout = 0 }, true},
		{"no audit interval", func(c *Config) { c.Audit.Interval = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestIsAdminProperty checks that IsAdmin is exactly list membership.
func TestIsAdminProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ids := rapid.SliceOfN(rapid.Int64Range(1, 1_000_000), 0, 10).Draw(t, "ids")
		userID := rapid.Int64Range(1, 1_000_000).Draw(t, "userID")

		cfg := &Config{Admin: AdminConfig{IDs: ids}}

		expected := false
		for _, id := range ids {
			if id == userID {
				expected = true
			}
		}
		if cfg.IsAdmin(userID) != expected {
			t.Fatalf("IsAdmin(%d) with %v: expected %v", userID, ids, expected)
		}
	})
}
