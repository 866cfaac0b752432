/*
Package config loads runtime configuration for the hours engine.

SOURCES (highest precedence first):
  1. Command-line flags bound to the viper instance
  2. Environment variables with the HOURS_ prefix (HOURS_DATABASE_PATH, ...)
  3. A .env file, loaded into the environment without overriding it
  4. Built-in defaults

  Billing defaults (margin policy, component percentages, bonus rate)
  live in the YAML policy file named by policy.file, parsed by the
  factory package.

KEYS:
  server.addr              :8080
  server.read_timeout      15s
  server.write_timeout     15s
  server.idle_timeout      60s
  server.shutdown_timeout  30s
  server.allowed_origins   http://localhost:5173,http://localhost:8080
  database.path            hours.db (":memory:" for an ephemeral store)
  auth.jwt_secret          empty: bearer tokens are rejected
  auth.allow_actor_header  false; true accepts X-Actor-Id without a token (dev only)
  log.level                info
  log.format               text | json
  policy.file              hours.yml
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const EnvPrefix = "HOURS"

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Log      LogConfig
	Policy   PolicyConfig
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type DatabaseConfig struct {
	Path string
}

type AuthConfig struct {
	JWTSecret        string
	AllowActorHeader bool
}

type LogConfig struct {
	Level  string
	Format string
}

type PolicyConfig struct {
	File string
}

// SetDefaults registers the built-in defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:5173", "http://localhost:8080"})
	v.SetDefault("database.path", "hours.db")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.allow_actor_header", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("policy.file", "hours.yml")
}

// Load reads envFile (if present) into the environment, then resolves every
// key through v. Flags must already be bound to v.
func Load(v *viper.Viper, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	cfg := &Config{
		Server: ServerConfig{
			Addr:            v.GetString("server.addr"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			IdleTimeout:     v.GetDuration("server.idle_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  splitList(v.GetStringSlice("server.allowed_origins")),
		},
		Database: DatabaseConfig{Path: v.GetString("database.path")},
		Auth: AuthConfig{
			JWTSecret:        v.GetString("auth.jwt_secret"),
			AllowActorHeader: v.GetBool("auth.allow_actor_header"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Policy: PolicyConfig{File: v.GetString("policy.file")},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// Validate ensures the server has at least one way to identify callers.
// Offline commands don't need one.
func (a AuthConfig) Validate() error {
	if a.JWTSecret == "" && !a.AllowActorHeader {
		return fmt.Errorf("auth: set auth.jwt_secret (or auth.allow_actor_header for local development)")
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(c.Log.Level); err == nil {
		logger.SetLevel(level)
	}
	if c.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
	return logger
}

// splitList accepts both real lists and comma-separated env values.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
