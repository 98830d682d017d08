// Package config loads daemon configuration from YAML, an optional .env file
// and LEDGERSYNC_* environment overrides, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root daemon configuration.
type Config struct {
	Principal string          `yaml:"principal" env:"LEDGERSYNC_PRINCIPAL"`
	Domains   []string        `yaml:"domains"`
	Log       LogConfig       `yaml:"log"`
	Auth      AuthConfig      `yaml:"auth"`
	Push      PushConfig      `yaml:"push"`
	Pull      PullConfig      `yaml:"pull"`
	Fallback  FallbackConfig  `yaml:"fallback"`
	Persist   PersistConfig   `yaml:"persist"`
	API       APIConfig       `yaml:"api"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// LogConfig configures the logrus logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEDGERSYNC_LOG_LEVEL"`
	Format string `yaml:"format" env:"LEDGERSYNC_LOG_FORMAT"`
}

// AuthConfig selects the token provider.
type AuthConfig struct {
	Mode         string        `yaml:"mode" env:"LEDGERSYNC_AUTH_MODE"` // static|refresh
	AccessToken  string        `yaml:"access_token" env:"LEDGERSYNC_ACCESS_TOKEN"`
	RefreshURL   string        `yaml:"refresh_url" env:"LEDGERSYNC_REFRESH_URL"`
	RefreshToken string        `yaml:"refresh_token" env:"LEDGERSYNC_REFRESH_TOKEN"`
	ExpiryLeeway time.Duration `yaml:"expiry_leeway" env:"LEDGERSYNC_EXPIRY_LEEWAY"`
}

// PushConfig configures the websocket push channel.
type PushConfig struct {
	URL              string        `yaml:"url" env:"LEDGERSYNC_PUSH_URL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"LEDGERSYNC_HANDSHAKE_TIMEOUT"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	ReconnectInitial time.Duration `yaml:"reconnect_initial"`
	ReconnectMax     time.Duration `yaml:"reconnect_max"`
}

// PullConfig configures the HTTP pull channel.
type PullConfig struct {
	URL              string        `yaml:"url" env:"LEDGERSYNC_PULL_URL"`
	Timeout          time.Duration `yaml:"timeout" env:"LEDGERSYNC_PULL_TIMEOUT"`
	MaxRetries       int           `yaml:"max_retries"`
	InitialBackoff   time.Duration `yaml:"initial_backoff"`
	MaxBackoff       time.Duration `yaml:"max_backoff"`
	RateLimit        float64       `yaml:"rate_limit" env:"LEDGERSYNC_PULL_RATE_LIMIT"`
	Burst            int           `yaml:"burst"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// FallbackConfig bounds fallback reconstructions.
type FallbackConfig struct {
	OpTimeout   time.Duration `yaml:"op_timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// PersistConfig selects the snapshot engine.
type PersistConfig struct {
	Engine        string        `yaml:"engine" env:"LEDGERSYNC_PERSIST_ENGINE"` // memory|badger|sql|redis|none
	KeyPrefix     string        `yaml:"key_prefix"`
	BadgerDir     string        `yaml:"badger_dir" env:"LEDGERSYNC_BADGER_DIR"`
	SQLDriver     string        `yaml:"sql_driver" env:"LEDGERSYNC_SQL_DRIVER"` // sqlite3|postgres
	SQLDSN        string        `yaml:"sql_dsn" env:"LEDGERSYNC_SQL_DSN"`
	RedisAddr     string        `yaml:"redis_addr" env:"LEDGERSYNC_REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"LEDGERSYNC_REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db"`
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl"`
	// EphemeralDomains are kept in memory only.
	EphemeralDomains []string `yaml:"ephemeral_domains"`
}

// APIConfig configures the local UI bridge.
type APIConfig struct {
	Listen string `yaml:"listen" env:"LEDGERSYNC_LISTEN"`
	// Token, when set, is required as a bearer token on /v1 routes.
	Token          string   `yaml:"token" env:"LEDGERSYNC_API_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// SchedulerConfig holds cron specs. Empty specs disable the job.
type SchedulerConfig struct {
	Reconcile string `yaml:"reconcile" env:"LEDGERSYNC_RECONCILE_SPEC"`
	BadgerGC  string `yaml:"badger_gc"`
}

// AllDomains lists every domain store the daemon knows how to build.
var AllDomains = []string{
	"accounts", "debts", "goals", "insurances", "investments",
	"transactions", "notifications", "chat", "adminChat",
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Principal: "default",
		Domains:   append([]string(nil), AllDomains...),
		Log:       LogConfig{Level: "info", Format: "text"},
		Auth:      AuthConfig{Mode: "static", ExpiryLeeway: 30 * time.Second},
		Push: PushConfig{
			URL:              "ws://localhost:8080/sync",
			HandshakeTimeout: 10 * time.Second,
			PingInterval:     30 * time.Second,
			ReconnectInitial: 500 * time.Millisecond,
			ReconnectMax:     30 * time.Second,
		},
		Pull: PullConfig{
			URL:              "http://localhost:8080/api",
			Timeout:          15 * time.Second,
			MaxRetries:       3,
			InitialBackoff:   100 * time.Millisecond,
			MaxBackoff:       5 * time.Second,
			RateLimit:        20,
			Burst:            40,
			BreakerThreshold: 5,
			BreakerTimeout:   30 * time.Second,
		},
		Fallback: FallbackConfig{OpTimeout: 20 * time.Second, Concurrency: 4},
		Persist: PersistConfig{
			Engine:    "badger",
			KeyPrefix: "ledgersync:",
			BadgerDir: "data/snapshots",
			SQLDriver: "sqlite3",
			SQLDSN:    "file:data/snapshots.db",
			RedisAddr: "localhost:6379",
		},
		API:       APIConfig{Listen: "127.0.0.1:8790"},
		Scheduler: SchedulerConfig{Reconcile: "@every 15m", BadgerGC: "@every 10m"},
	}
}

// Load reads path (optional), then envFile (optional), then the process
// environment. Missing files are not errors.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if raw := os.Getenv("LEDGERSYNC_DOMAINS"); raw != "" {
		cfg.Domains = splitList(raw)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if len(c.Domains) == 0 {
		return errors.New("config: at least one domain is required")
	}
	known := make(map[string]bool, len(AllDomains))
	for _, d := range AllDomains {
		known[d] = true
	}
	seen := make(map[string]bool, len(c.Domains))
	for _, d := range c.Domains {
		if !known[d] {
			return fmt.Errorf("config: unknown domain %q", d)
		}
		if seen[d] {
			return fmt.Errorf("config: duplicate domain %q", d)
		}
		seen[d] = true
	}
	for _, d := range c.Persist.EphemeralDomains {
		if !known[d] {
			return fmt.Errorf("config: unknown ephemeral domain %q", d)
		}
	}

	if c.Push.URL == "" {
		return errors.New("config: push.url is required")
	}
	if c.Pull.URL == "" {
		return errors.New("config: pull.url is required")
	}
	if c.Push.HandshakeTimeout <= 0 {
		return errors.New("config: push.handshake_timeout must be positive")
	}

	switch c.Auth.Mode {
	case "static":
	case "refresh":
		if c.Auth.RefreshURL == "" {
			return errors.New("config: auth.refresh_url is required in refresh mode")
		}
	default:
		return fmt.Errorf("config: unknown auth mode %q", c.Auth.Mode)
	}

	switch c.Persist.Engine {
	case "memory", "none":
	case "badger":
		if c.Persist.BadgerDir == "" {
			return errors.New("config: persist.badger_dir is required")
		}
	case "sql":
		if c.Persist.SQLDriver != "sqlite3" && c.Persist.SQLDriver != "postgres" {
			return fmt.Errorf("config: unsupported sql driver %q", c.Persist.SQLDriver)
		}
		if c.Persist.SQLDSN == "" {
			return errors.New("config: persist.sql_dsn is required")
		}
	case "redis":
		if c.Persist.RedisAddr == "" {
			return errors.New("config: persist.redis_addr is required")
		}
	default:
		return fmt.Errorf("config: unknown persist engine %q", c.Persist.Engine)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
