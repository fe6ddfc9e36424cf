package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig      = "TINYSYNC_CONFIG"
	EnvDataDir     = "TINYSYNC_DATA_DIR"
	EnvDatabaseURL = "TINYSYNC_DATABASE_URL"
	EnvProjectURL  = "TINYSYNC_PROJECT_URL"
	EnvAnonKey     = "TINYSYNC_ANON_KEY"
	EnvLogLevel    = "TINYSYNC_LOG_LEVEL"
	EnvEnvFile     = "TINYSYNC_ENV_FILE"
)

const defaultEnvFile = ".env"

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath  string // TINYSYNC_CONFIG: override config file path
	DataDir     string // TINYSYNC_DATA_DIR
	DatabaseURL string // TINYSYNC_DATABASE_URL
	ProjectURL  string // TINYSYNC_PROJECT_URL
	AnonKey     string // TINYSYNC_ANON_KEY
	LogLevel    string // TINYSYNC_LOG_LEVEL
}

// LoadDotEnv populates the process environment from a dotenv file. The
// file named by TINYSYNC_ENV_FILE is required to exist; the default ./.env
// is optional. Variables already set in the environment are never replaced.
func LoadDotEnv() error {
	path := os.Getenv(EnvEnvFile)
	explicit := path != ""

	if !explicit {
		path = defaultEnvFile
	}

	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}

		return fmt.Errorf("loading env file %s: %w", path, err)
	}

	return nil
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:  os.Getenv(EnvConfig),
		DataDir:     os.Getenv(EnvDataDir),
		DatabaseURL: os.Getenv(EnvDatabaseURL),
		ProjectURL:  os.Getenv(EnvProjectURL),
		AnonKey:     os.Getenv(EnvAnonKey),
		LogLevel:    os.Getenv(EnvLogLevel),
	}
}

func (e EnvOverrides) apply(cfg *Config) {
	if e.DataDir != "" {
		cfg.State.DataDir = e.DataDir
	}

	if e.DatabaseURL != "" {
		cfg.Remote.DatabaseURL = e.DatabaseURL
	}

	if e.ProjectURL != "" {
		cfg.Remote.ProjectURL = e.ProjectURL
	}

	if e.AnonKey != "" {
		cfg.Remote.AnonKey = e.AnonKey
	}

	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}
}
