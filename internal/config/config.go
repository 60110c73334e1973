// Package config loads dotlock configuration.
//
// Values come from three layers, later layers winning:
//
//  1. defaults declared in the embedded CUE schema
//  2. an optional user file (.cue or .json), unified against the schema
//  3. DOTLOCK_* environment variables
//
// Command-line flags are applied on top by the CLI.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/caarlos0/env/v11"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DOTLOCK_"

// Backends lists the accepted values of Config.Backend.
var Backends = []string{"memory", "sqlite", "redis", "postgres", "ws"}

// Config is the resolved configuration.
type Config struct {
	Backend     string        `env:"BACKEND"`
	Key         string        `env:"KEY"`
	Identity    string        `env:"IDENTITY"`
	GracePeriod time.Duration `env:"GRACE_PERIOD"`

	SQLite   SQLiteConfig   `envPrefix:"SQLITE_"`
	Redis    RedisConfig    `envPrefix:"REDIS_"`
	Postgres PostgresConfig `envPrefix:"POSTGRES_"`
	Server   ServerConfig   `envPrefix:"SERVER_"`
}

// SQLiteConfig configures the sqlite backend.
type SQLiteConfig struct {
	Path         string        `env:"PATH"`
	PollInterval time.Duration `env:"POLL_INTERVAL"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr string `env:"ADDR"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	URL string `env:"URL"`
}

// ServerConfig configures the relay hub and the ws backend.
type ServerConfig struct {
	Listen    string `env:"LISTEN"`
	URL       string `env:"URL"`
	Advertise bool   `env:"ADVERTISE"`
}

// fileConfig mirrors #Config. Durations stay strings until after
// unification.
type fileConfig struct {
	Backend     string `json:"backend"`
	Key         string `json:"key"`
	Identity    string `json:"identity"`
	GracePeriod string `json:"gracePeriod"`
	SQLite      struct {
		Path         string `json:"path"`
		PollInterval string `json:"pollInterval"`
	} `json:"sqlite"`
	Redis struct {
		Addr string `json:"addr"`
	} `json:"redis"`
	Postgres struct {
		URL string `json:"url"`
	} `json:"postgres"`
	Server struct {
		Listen    string `json:"listen"`
		URL       string `json:"url"`
		Advertise bool   `json:"advertise"`
	} `json:"server"`
}

// Load resolves the configuration. path may be empty to use defaults and
// environment only.
func Load(path string) (*Config, error) {
	return load(path, nil)
}

// Default returns the schema defaults, ignoring the environment.
func Default() *Config {
	cfg, err := load("", map[string]string{})
	if err != nil {
		// The embedded schema is static; failing here is a build defect.
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return cfg
}

// load resolves the configuration with environ as the environment. A nil
// environ reads the process environment.
func load(path string, environ map[string]string) (*Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	value := schema.LookupPath(cue.ParsePath("#Config"))

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// JSON is valid CUE, so both formats compile the same way.
		user := ctx.CompileBytes(data, cue.Filename(path))
		if err := user.Err(); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		value = value.Unify(user)
	}

	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	var raw fileConfig
	if err := value.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg, err := raw.resolve()
	if err != nil {
		return nil, err
	}

	opts := env.Options{Prefix: EnvPrefix, Environment: environ}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f fileConfig) resolve() (*Config, error) {
	grace, err := time.ParseDuration(f.GracePeriod)
	if err != nil {
		return nil, fmt.Errorf("invalid config: gracePeriod: %w", err)
	}
	poll, err := time.ParseDuration(f.SQLite.PollInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid config: sqlite.pollInterval: %w", err)
	}

	return &Config{
		Backend:     f.Backend,
		Key:         f.Key,
		Identity:    f.Identity,
		GracePeriod: grace,
		SQLite:      SQLiteConfig{Path: f.SQLite.Path, PollInterval: poll},
		Redis:       RedisConfig{Addr: f.Redis.Addr},
		Postgres:    PostgresConfig{URL: f.Postgres.URL},
		Server: ServerConfig{
			Listen:    f.Server.Listen,
			URL:       f.Server.URL,
			Advertise: f.Server.Advertise,
		},
	}, nil
}

// Validate checks constraints that environment overrides could break.
func (c *Config) Validate() error {
	known := false
	for _, b := range Backends {
		if c.Backend == b {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("invalid config: unknown backend %q (want one of %v)", c.Backend, Backends)
	}
	if c.Key == "" {
		return fmt.Errorf("invalid config: key must not be empty")
	}
	if c.GracePeriod <= 0 {
		return fmt.Errorf("invalid config: gracePeriod must be positive, got %s", c.GracePeriod)
	}
	if c.SQLite.PollInterval <= 0 {
		return fmt.Errorf("invalid config: sqlite.pollInterval must be positive, got %s", c.SQLite.PollInterval)
	}
	return nil
}
