package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/tmp/c.toml")
	t.Setenv(EnvDatabaseURL, "postgres://env@db/x")
	t.Setenv(EnvAnonKey, "k")
	t.Setenv(EnvLogLevel, "warn")

	env := ReadEnvOverrides()
	assert.Equal(t, "/tmp/c.toml", env.ConfigPath)
	assert.Equal(t, "postgres://env@db/x", env.DatabaseURL)
	assert.Equal(t, "k", env.AnonKey)
	assert.Equal(t, "warn", env.LogLevel)
	assert.Empty(t, env.ProjectURL)
}

func TestLoadDotEnv_ExplicitFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.env")
	require.NoError(t, os.WriteFile(path, []byte("TINYSYNC_PROJECT_URL=https://dotenv.example.co\nTINYSYNC_ANON_KEY=from-file\n"), 0o600))

	t.Setenv(EnvEnvFile, path)
	t.Setenv(EnvProjectURL, "")
	t.Setenv(EnvAnonKey, "from-env")
	require.NoError(t, os.Unsetenv(EnvProjectURL))

	require.NoError(t, LoadDotEnv())

	assert.Equal(t, "https://dotenv.example.co", os.Getenv(EnvProjectURL))
	assert.Equal(t, "from-env", os.Getenv(EnvAnonKey), "existing variables win")
}

func TestLoadDotEnv_MissingExplicitFileFails(t *testing.T) {
	t.Setenv(EnvEnvFile, filepath.Join(t.TempDir(), "missing.env"))

	require.Error(t, LoadDotEnv())
}

func TestLoadDotEnv_DefaultFileOptional(t *testing.T) {
	t.Setenv(EnvEnvFile, "")
	t.Chdir(t.TempDir())

	require.NoError(t, LoadDotEnv())
}
