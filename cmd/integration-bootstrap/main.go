// Creates the remote tables in a test or development database.
//
// Usage: go run ./cmd/integration-bootstrap --reset
//
// The database defaults to $TINYSYNC_TEST_DATABASE_URL.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinylingo/tinysync/internal/remote"
	"github.com/tinylingo/tinysync/testutil"
)

const bootstrapTimeout = 30 * time.Second

func main() {
	dsn := flag.String("database-url", os.Getenv(testutil.DatabaseURLEnv), "postgres connection string")
	reset := flag.Bool("reset", false, "drop existing tables and rows first")
	flag.Parse()

	if err := run(*dsn, *reset); err != nil {
		fmt.Fprintf(os.Stderr, "bootstrap failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Schema ready.")
}

func run(dsn string, reset bool) error {
	if dsn == "" {
		return errors.New("no database: pass --database-url or set " + testutil.DatabaseURLEnv)
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootstrapTimeout)
	defer cancel()

	store, err := remote.OpenPostgres(ctx, dsn, slog.Default())
	if err != nil {
		return err
	}
	defer store.Close()

	return store.ApplySchema(ctx, reset)
}
