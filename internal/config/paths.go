package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "tinysync"

// File names inside the config and data directories.
const (
	configFileName = "config.toml"
	dbFileName     = "tinysync.db"
	tokenFileName  = "session.json"
	pidFileName    = "tinysync.pid"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/tinysync).
// On macOS, uses ~/Library/Application Support/tinysync per Apple guidelines.
// Other platforms fall back to ~/.config/tinysync.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_CONFIG_HOME", home, ".config")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (the local database, session token, PID file).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/tinysync).
// On macOS, config and data share ~/Library/Application Support/tinysync.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return xdgDir("XDG_DATA_HOME", home, ".local", "share")
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// xdgDir returns $env/tinysync when env is set, else home/fallback.../tinysync.
func xdgDir(env, home string, fallback ...string) string {
	if xdg := os.Getenv(env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	parts := append([]string{home}, fallback...)

	return filepath.Join(append(parts, appName)...)
}

// DefaultConfigPath returns the full path to the default config file.
// This is used as the fallback when neither TINYSYNC_CONFIG nor
// --config is specified.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DBPath returns the local database path.
func (s *StateConfig) DBPath() string { return filepath.Join(s.DataDir, dbFileName) }

// TokenPath returns the session token file path.
func (s *StateConfig) TokenPath() string { return filepath.Join(s.DataDir, tokenFileName) }

// PIDPath returns the watch-mode PID file path.
func (s *StateConfig) PIDPath() string { return filepath.Join(s.DataDir, pidFileName) }

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
