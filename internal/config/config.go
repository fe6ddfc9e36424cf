// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tinysync. Values are layered
// defaults -> config file -> environment -> CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
	State   StateConfig   `toml:"state"`
}

// RemoteConfig locates the backend. database_url reaches the row store
// directly; project_url and anon_key reach the auth, storage, and realtime
// HTTP endpoints.
type RemoteConfig struct {
	DatabaseURL string `toml:"database_url"`
	ProjectURL  string `toml:"project_url"`
	AnonKey     string `toml:"anon_key"`
	Realtime    bool   `toml:"realtime"`
}

// StorageConfig names the blob buckets promoted assets are uploaded to.
type StorageConfig struct {
	WorldBucket      string `toml:"world_bucket"`
	StickerBucket    string `toml:"sticker_bucket"`
	BackgroundBucket string `toml:"background_bucket"`
}

// SyncConfig controls scheduler timing. Durations are Go duration strings;
// an interval of "0" disables the periodic pass.
type SyncConfig struct {
	Interval       string `toml:"interval"`
	RetryDelay     string `toml:"retry_delay"`
	MaxRetries     int    `toml:"max_retries"`
	StaleAfter     string `toml:"stale_after"`
	AuthTimeout    string `toml:"auth_timeout"`
	ProbeInterval  string `toml:"probe_interval"`
	PullOverlap    string `toml:"pull_overlap"`
	TrashRetention string `toml:"trash_retention"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// StateConfig locates on-disk state: the local database, the session token
// file, and the watch-mode PID file.
type StateConfig struct {
	DataDir string `toml:"data_dir"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from an explicit zero value.
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DataDir    *string // --data-dir flag
	LogLevel   *string // derived from --verbose / --quiet
}
