package remote

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
)

//go:embed sql/schema.sql
var schemaSQL string

const dropSQL = `DROP TABLE IF EXISTS user_worlds, user_stickers, user_backgrounds, user_sync_status, users`

// ApplySchema creates the tables the store expects. With reset, existing
// tables and their rows are dropped first. Used to bootstrap test and
// development databases.
func (s *PostgresStore) ApplySchema(ctx context.Context, reset bool) error {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if reset {
			if _, err := tx.Exec(ctx, dropSQL); err != nil {
				return fmt.Errorf("dropping tables: %w", err)
			}
		}

		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("remote: applying schema: %w", err)
	}

	s.logger.Info("remote schema applied", slog.Bool("reset", reset))

	return nil
}
