package config

import (
	"fmt"
	"io"
	"net/url"
)

// redacted replaces secret values in rendered output.
const redacted = "********"

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers "config show", giving users
// visibility into the effective values after all override layers have
// been applied. Secrets are masked.
func RenderEffective(r *Resolved, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", r.Path)

	renderRemoteSection(ew, &r.Remote)
	renderStorageSection(ew, &r.Storage)
	renderSyncSection(ew, &r.Sync)
	renderLoggingSection(ew, &r.Logging)
	renderStateSection(ew, &r.State)

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops, so callers can chain
// printf calls without checking each one individually.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}

func renderRemoteSection(ew *errWriter, r *RemoteConfig) {
	ew.printf("[remote]\n")
	ew.printf("  database_url = %q\n", redactURL(r.DatabaseURL))
	ew.printf("  project_url  = %q\n", r.ProjectURL)

	if r.AnonKey != "" {
		ew.printf("  anon_key     = %q\n", redacted)
	}

	ew.printf("  realtime     = %t\n", r.Realtime)
	ew.printf("\n")
}

func renderStorageSection(ew *errWriter, s *StorageConfig) {
	ew.printf("[storage]\n")
	ew.printf("  world_bucket      = %q\n", s.WorldBucket)
	ew.printf("  sticker_bucket    = %q\n", s.StickerBucket)
	ew.printf("  background_bucket = %q\n", s.BackgroundBucket)
	ew.printf("\n")
}

func renderSyncSection(ew *errWriter, s *SyncConfig) {
	ew.printf("[sync]\n")
	ew.printf("  interval        = %q\n", s.Interval)
	ew.printf("  retry_delay     = %q\n", s.RetryDelay)
	ew.printf("  max_retries     = %d\n", s.MaxRetries)
	ew.printf("  stale_after     = %q\n", s.StaleAfter)
	ew.printf("  auth_timeout    = %q\n", s.AuthTimeout)
	ew.printf("  probe_interval  = %q\n", s.ProbeInterval)
	ew.printf("  pull_overlap    = %q\n", s.PullOverlap)
	ew.printf("  trash_retention = %q\n", s.TrashRetention)
	ew.printf("\n")
}

func renderLoggingSection(ew *errWriter, l *LoggingConfig) {
	ew.printf("[logging]\n")
	ew.printf("  log_level  = %q\n", l.LogLevel)

	if l.LogFile != "" {
		ew.printf("  log_file   = %q\n", l.LogFile)
	}

	ew.printf("  log_format = %q\n", l.LogFormat)
	ew.printf("\n")
}

func renderStateSection(ew *errWriter, s *StateConfig) {
	ew.printf("[state]\n")
	ew.printf("  data_dir = %q\n", s.DataDir)
}

// redactURL masks the password of a connection URL.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}

	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), redacted)
	}

	return u.String()
}
