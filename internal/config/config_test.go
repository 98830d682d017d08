package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Len(t, cfg.Domains, 9)
	assert.Equal(t, 10*time.Second, cfg.Push.HandshakeTimeout)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	require.NoError(t, err)
	assert.Equal(t, "badger", cfg.Persist.Engine)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := writeFile(t, "ledgersync.yaml", `
principal: alice
domains: [goals, debts]
push:
  url: wss://sync.example.com/ws
  handshake_timeout: 3s
persist:
  engine: sql
  sql_driver: postgres
  sql_dsn: postgres://localhost/ledger
  ephemeral_domains: [chat]
`)

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "alice", cfg.Principal)
	assert.Equal(t, []string{"goals", "debts"}, cfg.Domains)
	assert.Equal(t, "wss://sync.example.com/ws", cfg.Push.URL)
	assert.Equal(t, 3*time.Second, cfg.Push.HandshakeTimeout)
	assert.Equal(t, "postgres", cfg.Persist.SQLDriver)
	assert.Equal(t, []string{"chat"}, cfg.Persist.EphemeralDomains)
	// untouched sections keep defaults
	assert.Equal(t, 3, cfg.Pull.MaxRetries)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeFile(t, "ledgersync.yaml", "push:\n  url: ws://yaml\n")
	t.Setenv("LEDGERSYNC_PUSH_URL", "ws://env")
	t.Setenv("LEDGERSYNC_PERSIST_ENGINE", "memory")
	t.Setenv("LEDGERSYNC_DOMAINS", "chat, adminChat")

	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, "ws://env", cfg.Push.URL)
	assert.Equal(t, "memory", cfg.Persist.Engine)
	assert.Equal(t, []string{"chat", "adminChat"}, cfg.Domains)
}

func TestLoad_EnvFile(t *testing.T) {
	envFile := writeFile(t, ".env", "LEDGERSYNC_PRINCIPAL=from-dotenv\n")
	t.Cleanup(func() { os.Unsetenv("LEDGERSYNC_PRINCIPAL") })

	cfg, err := Load("", envFile)
	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Principal)
}

func TestLoad_BadYAML(t *testing.T) {
	path := writeFile(t, "bad.yaml", "push: [")
	_, err := Load(path, "")
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"no domains", func(c *Config) { c.Domains = nil }},
		{"unknown domain", func(c *Config) { c.Domains = []string{"loans"} }},
		{"duplicate domain", func(c *Config) { c.Domains = []string{"goals", "goals"} }},
		{"no push url", func(c *Config) { c.Push.URL = "" }},
		{"no pull url", func(c *Config) { c.Pull.URL = "" }},
		{"zero handshake", func(c *Config) { c.Push.HandshakeTimeout = 0 }},
		{"refresh without url", func(c *Config) { c.Auth.Mode = "refresh" }},
		{"bad auth mode", func(c *Config) { c.Auth.Mode = "oauth" }},
		{"bad engine", func(c *Config) { c.Persist.Engine = "etcd" }},
		{"bad sql driver", func(c *Config) { c.Persist.Engine = "sql"; c.Persist.SQLDriver = "mysql" }},
		{"unknown ephemeral domain", func(c *Config) { c.Persist.EphemeralDomains = []string{"loans"} }},
		{"redis without addr", func(c *Config) { c.Persist.Engine = "redis"; c.Persist.RedisAddr = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() = nil, want error")
			}
		})
	}
}
