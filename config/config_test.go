package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/hours-engine/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"http://localhost:5173", "http://localhost:8080"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "hours.db", cfg.Database.Path)
	assert.False(t, cfg.Auth.AllowActorHeader)
	assert.Error(t, cfg.Auth.Validate(), "the server needs an identity source")
	assert.Equal(t, "hours.yml", cfg.Policy.File)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("HOURS_DATABASE_PATH", ":memory:")
	t.Setenv("HOURS_SERVER_ADDR", ":9090")
	t.Setenv("HOURS_SERVER_ALLOWED_ORIGINS", "https://a.example, https://b.example")
	t.Setenv("HOURS_LOG_FORMAT", "json")
	t.Setenv("HOURS_SERVER_SHUTDOWN_TIMEOUT", "5s")

	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":memory:", cfg.Database.Path)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)

	logger := cfg.NewLogger()
	_, isJSON := logger.Formatter.(*logrus.JSONFormatter)
	assert.True(t, isJSON)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envFile, []byte("HOURS_LOG_LEVEL=debug\nHOURS_POLICY_FILE=custom.yml\n"), 0o644))
	t.Setenv("HOURS_POLICY_FILE", "from-env.yml")
	// Registered with t.Setenv so the value loaded from .env is restored afterwards.
	t.Setenv("HOURS_LOG_LEVEL", "")
	os.Unsetenv("HOURS_LOG_LEVEL")

	cfg, err := config.Load(viper.New(), envFile)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "from-env.yml", cfg.Policy.File)
	assert.Equal(t, logrus.DebugLevel, cfg.NewLogger().GetLevel())
}

func TestLoad_MissingDotEnvIsIgnored(t *testing.T) {
	_, err := config.Load(viper.New(), filepath.Join(t.TempDir(), ".env"))
	assert.NoError(t, err)
}

func TestLoad_FlagsWin(t *testing.T) {
	t.Setenv("HOURS_DATABASE_PATH", "env.db")
	v := viper.New()
	v.Set("database.path", "flag.db")

	cfg, err := config.Load(v, "")
	require.NoError(t, err)
	assert.Equal(t, "flag.db", cfg.Database.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad level", map[string]string{"HOURS_LOG_LEVEL": "loud"}},
		{"bad format", map[string]string{"HOURS_LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := config.Load(viper.New(), "")
			assert.Error(t, err)
		})
	}
}

func TestAuthConfig_Validate(t *testing.T) {
	assert.Error(t, config.AuthConfig{}.Validate())
	assert.NoError(t, config.AuthConfig{JWTSecret: "s3cret"}.Validate())
	assert.NoError(t, config.AuthConfig{AllowActorHeader: true}.Validate())

	t.Setenv("HOURS_AUTH_ALLOW_ACTOR_HEADER", "true")
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	assert.True(t, cfg.Auth.AllowActorHeader)
	assert.NoError(t, cfg.Auth.Validate())
}
