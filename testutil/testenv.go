// Package testutil provides shared test helpers: environment loading for
// integration tests, and in-memory fakes of the remote row store, the blob
// store and the clock.
package testutil

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/joho/godotenv"
)

// DatabaseURLEnv names the Postgres URL used by integration tests.
const DatabaseURLEnv = "TINYSYNC_TEST_DATABASE_URL"

// LoadDotEnv loads KEY=VALUE pairs from envPath. A missing file is not an
// error (CI sets env vars directly) and existing env vars take precedence.
func LoadDotEnv(envPath string) {
	_ = godotenv.Load(envPath)
}

// FindModuleRoot walks up from the current directory to find go.mod.
// Returns the fallback if the root is not found.
func FindModuleRoot(fallback string) string {
	dir, err := os.Getwd()
	if err != nil {
		return fallback
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return fallback
		}

		dir = parent
	}
}

// RequireTestDatabase returns the integration database URL, loading the
// module's .env first. It skips the test when the URL is unset and fails it
// when the database name does not contain "test": integration tests drop
// and recreate tables.
func RequireTestDatabase(t testing.TB) string {
	t.Helper()

	LoadDotEnv(filepath.Join(FindModuleRoot("."), ".env"))

	raw := os.Getenv(DatabaseURLEnv)
	if raw == "" {
		t.Skipf("%s not set", DatabaseURLEnv)
	}

	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parsing %s: %v", DatabaseURLEnv, err)
	}

	if db := strings.TrimPrefix(u.Path, "/"); !strings.Contains(db, "test") {
		t.Fatalf("%s points at database %q; refusing to run destructive tests outside a *test* database",
			DatabaseURLEnv, db)
	}

	return raw
}
