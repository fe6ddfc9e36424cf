package config

// Default values for configuration options. These are layer 0 of the
// override chain and work without any config file.
const (
	defaultWorldBucket      = "world-thumbnails"
	defaultStickerBucket    = "sticker-images"
	defaultBackgroundBucket = "background-images"
	defaultInterval         = "30s"
	defaultRetryDelay       = "5s"
	defaultMaxRetries       = 3
	defaultStaleAfter       = "5m"
	defaultAuthTimeout      = "3s"
	defaultProbeInterval    = "15s"
	defaultPullOverlap      = "2s"
	defaultTrashRetention   = "720h"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			WorldBucket:      defaultWorldBucket,
			StickerBucket:    defaultStickerBucket,
			BackgroundBucket: defaultBackgroundBucket,
		},
		Sync: SyncConfig{
			Interval:       defaultInterval,
			RetryDelay:     defaultRetryDelay,
			MaxRetries:     defaultMaxRetries,
			StaleAfter:     defaultStaleAfter,
			AuthTimeout:    defaultAuthTimeout,
			ProbeInterval:  defaultProbeInterval,
			PullOverlap:    defaultPullOverlap,
			TrashRetention: defaultTrashRetention,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
		State: StateConfig{
			DataDir: DefaultDataDir(),
		},
	}
}
