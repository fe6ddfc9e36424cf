package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"time"
)

// Validation range constants.
const (
	minMaxRetries     = 0
	maxMaxRetries     = 10
	minInterval       = 5 * time.Second
	minRetryDelay     = 100 * time.Millisecond
	minAuthTimeout    = 500 * time.Millisecond
	minProbeInterval  = time.Second
	minTrashRetention = time.Hour
)

// disabledInterval turns off the periodic pass.
const disabledInterval = "0"

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateStorage(&cfg.Storage)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks the final layered result. Environment and CLI
// overrides are applied after Validate runs on the file, so the whole
// config is checked again along with constraints that only make sense on
// the merged result.
func ValidateResolved(r *Resolved) error {
	var errs []error

	if err := Validate(&r.Config); err != nil {
		errs = append(errs, err)
	}

	// Relative paths would resolve differently depending on cwd.
	if r.State.DataDir == "" {
		errs = append(errs, errors.New("data_dir: could not determine a default; set [state] data_dir"))
	} else if !filepath.IsAbs(r.State.DataDir) {
		errs = append(errs, fmt.Errorf("data_dir: must be absolute after expansion, got %q", r.State.DataDir))
	}

	return errors.Join(errs...)
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.DatabaseURL != "" {
		if err := validateURL(r.DatabaseURL, "postgres", "postgresql"); err != nil {
			errs = append(errs, fmt.Errorf("database_url: %w", err))
		}
	}

	if r.ProjectURL != "" {
		if err := validateURL(r.ProjectURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("project_url: %w", err))
		}
	}

	if r.Realtime && (r.ProjectURL == "" || r.AnonKey == "") {
		errs = append(errs, errors.New("realtime: requires project_url and anon_key"))
	}

	return errs
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		// url.Parse errors echo the input, which may carry a password.
		return errors.New("not a valid URL")
	}

	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return errors.New("missing host")
			}

			return nil
		}
	}

	return fmt.Errorf("scheme must be one of %v, got %q", schemes, u.Scheme)
}

// bucketNamePattern matches lowercase DNS-style bucket names.
var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{1,61}[a-z0-9]$`)

func validateStorage(s *StorageConfig) []error {
	var errs []error

	for _, b := range []struct{ field, value string }{
		{"world_bucket", s.WorldBucket},
		{"sticker_bucket", s.StickerBucket},
		{"background_bucket", s.BackgroundBucket},
	} {
		if !bucketNamePattern.MatchString(b.value) {
			errs = append(errs, fmt.Errorf("%s: invalid bucket name %q", b.field, b.value))
		}
	}

	return errs
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	if s.Interval != disabledInterval {
		errs = append(errs, validateDurationMin("interval", s.Interval, minInterval)...)
	}

	errs = append(errs, validateDurationMin("retry_delay", s.RetryDelay, minRetryDelay)...)
	errs = append(errs, validateDurationMin("auth_timeout", s.AuthTimeout, minAuthTimeout)...)
	errs = append(errs, validateDurationMin("probe_interval", s.ProbeInterval, minProbeInterval)...)
	errs = append(errs, validateDurationMin("trash_retention", s.TrashRetention, minTrashRetention)...)
	errs = append(errs, validateDurationNonNeg("stale_after", s.StaleAfter)...)
	errs = append(errs, validateDurationNonNeg("pull_overlap", s.PullOverlap)...)

	if s.MaxRetries < minMaxRetries || s.MaxRetries > maxMaxRetries {
		errs = append(errs, fmt.Errorf("max_retries: must be between %d and %d, got %d",
			minMaxRetries, maxMaxRetries, s.MaxRetries))
	}

	return errs
}

func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("log_format: must be one of auto, text, json; got %q", format)}
	}

	return nil
}
