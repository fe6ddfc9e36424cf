package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// callerSetting is the session variable row-level policies read the
// caller's identity from.
const callerSetting = "app.current_user_id"

// maxParams is Postgres' bind parameter limit per statement.
const maxParams = 65535

// PostgresStore is a RowStore over a pgx connection pool. Every call runs
// in its own transaction with the caller context applied transaction-local,
// so pooled connections never leak one caller's scope into another's.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	mu     sync.Mutex
	caller string
}

// OpenPostgres connects to databaseURL and verifies the connection.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	s, err := NewPostgres(ctx, databaseURL, logger)
	if err != nil {
		return nil, err
	}

	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// NewPostgres creates a store without dialing. Connections are made on
// first use, so a process started offline can still queue local edits.
func NewPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, errors.New("remote: parsing database url: invalid connection string")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("remote: creating pool: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	logger.Debug("remote store configured",
		slog.String("host", cfg.ConnConfig.Host),
		slog.String("database", cfg.ConnConfig.Database),
	)

	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Ping checks that the database is reachable. It serves as the
// connectivity probe in watch mode.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrap("ping", "", err)
	}

	return nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// SetCallerContext records userID for subsequent calls and checks that the
// store accepts it.
func (s *PostgresStore) SetCallerContext(ctx context.Context, userID string) error {
	s.mu.Lock()
	s.caller = userID
	s.mu.Unlock()

	return s.inTx(ctx, func(pgx.Tx) error { return nil })
}

func (s *PostgresStore) callerID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.caller
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("remote: beginning transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()

	if caller := s.callerID(); caller != "" {
		if _, err = tx.Exec(ctx, "SELECT set_config($1, $2, true)", callerSetting, caller); err != nil {
			return fmt.Errorf("remote: setting caller context: %w", err)
		}
	}

	if err = fn(tx); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// Upsert inserts rows, updating on conflictKey. Entity rows (those with a
// last_modified column) only overwrite remote rows that are not newer.
func (s *PostgresStore) Upsert(ctx context.Context, table string, rows []Row, conflictKey []string) error {
	if len(rows) == 0 {
		return nil
	}

	cols := rowColumns(rows)
	sql := upsertSQL(table, cols, conflictKey)

	perStmt := max(1, maxParams/len(cols))

	return s.inTx(ctx, func(tx pgx.Tx) error {
		for batch := range slices.Chunk(rows, perStmt) {
			stmt, args := valuesClause(sql, cols, batch)
			if _, err := tx.Exec(ctx, stmt, args...); err != nil {
				return fmt.Errorf("remote: upserting %d rows into %s: %w", len(batch), table, err)
			}
		}

		return nil
	})
}

// Select returns rows matching f, oldest first.
func (s *PostgresStore) Select(ctx context.Context, table string, f Filter) ([]Row, error) {
	where, args := whereClause(f)
	q := "SELECT * FROM " + pgx.Identifier{table}.Sanitize() + where + " ORDER BY last_modified"

	var out []Row

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("remote: selecting from %s: %w", table, err)
		}

		maps, err := pgx.CollectRows(rows, pgx.RowToMap)
		if err != nil {
			return fmt.Errorf("remote: reading %s rows: %w", table, err)
		}

		out = make([]Row, len(maps))
		for i, m := range maps {
			out[i] = Row(m)
		}

		return nil
	})

	return out, err
}

// Delete removes rows matching f. A filter without keys is refused so a
// bug can never wipe a whole table.
func (s *PostgresStore) Delete(ctx context.Context, table string, f Filter) error {
	if len(f.Keys) == 0 || f.KeyColumn == "" {
		return fmt.Errorf("%w: delete from %s without keys", ErrMalformedPayload, table)
	}

	where, args := whereClause(f)
	q := "DELETE FROM " + pgx.Identifier{table}.Sanitize() + where

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, q, args...)
		if err != nil {
			return fmt.Errorf("remote: deleting from %s: %w", table, err)
		}

		s.logger.Debug("deleted remote rows",
			slog.String("table", table),
			slog.Int64("count", tag.RowsAffected()),
		)

		return nil
	})
}

func rowColumns(rows []Row) []string {
	seen := map[string]bool{}

	var cols []string

	for _, r := range rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}

	slices.Sort(cols)

	return cols
}

// upsertSQL returns the statement with a %s placeholder for the VALUES list.
func upsertSQL(table string, cols, conflictKey []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	conflict := make([]string, len(conflictKey))
	for i, c := range conflictKey {
		conflict[i] = pgx.Identifier{c}.Sanitize()
	}

	var sets []string

	for _, c := range cols {
		if slices.Contains(conflictKey, c) {
			continue
		}

		q := pgx.Identifier{c}.Sanitize()
		sets = append(sets, q+" = excluded."+q)
	}

	tbl := pgx.Identifier{table}.Sanitize()

	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES %%s ON CONFLICT (%s) ",
		tbl, strings.Join(quoted, ", "), strings.Join(conflict, ", "))

	if len(sets) == 0 {
		b.WriteString("DO NOTHING")
		return b.String()
	}

	fmt.Fprintf(&b, "DO UPDATE SET %s", strings.Join(sets, ", "))

	if slices.Contains(cols, colLastModified) {
		fmt.Fprintf(&b, " WHERE %s.last_modified <= excluded.last_modified", tbl)
	}

	return b.String()
}

func valuesClause(sqlTmpl string, cols []string, rows []Row) (string, []any) {
	args := make([]any, 0, len(cols)*len(rows))
	tuples := make([]string, len(rows))

	for i, r := range rows {
		ph := make([]string, len(cols))
		for j, c := range cols {
			args = append(args, r[c])
			ph[j] = fmt.Sprintf("$%d", len(args))
		}

		tuples[i] = "(" + strings.Join(ph, ", ") + ")"
	}

	return fmt.Sprintf(sqlTmpl, strings.Join(tuples, ", ")), args
}

func whereClause(f Filter) (string, []any) {
	args := []any{f.UserID}
	conds := []string{"user_id = $1"}

	if !f.Since.IsZero() {
		args = append(args, f.Since.UTC())
		conds = append(conds, fmt.Sprintf("last_modified >= $%d", len(args)))
	}

	if len(f.Keys) > 0 && f.KeyColumn != "" {
		args = append(args, f.Keys)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", pgx.Identifier{f.KeyColumn}.Sanitize(), len(args)))
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}
