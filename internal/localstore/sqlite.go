package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

const (
	sqlGetValue = `SELECT value FROM kv WHERE key = ?`

	sqlBumpRev = `UPDATE meta SET value = value + 1 WHERE key = 'rev' RETURNING value`

	sqlPutValue = `INSERT INTO kv (key, value, rev, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 rev = excluded.rev,
		 updated_at = excluded.updated_at`

	sqlForgetDeletion = `DELETE FROM kv_deletions WHERE key = ?`

	sqlDeleteValue = `DELETE FROM kv WHERE key = ?`

	sqlRecordDeletion = `INSERT INTO kv_deletions (key, rev) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET rev = excluded.rev`

	sqlKeysWithPrefix = `SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key`

	sqlChangedSince = `SELECT key, rev FROM kv WHERE rev > ?
		UNION ALL
		SELECT key, rev FROM kv_deletions WHERE rev > ?
		ORDER BY 2`

	sqlCurrentRev = `SELECT value FROM meta WHERE key = 'rev'`

	sqlDataVersion = `PRAGMA data_version`
)

// SQLiteKV is the production KV: one SQLite database in WAL mode, accessed
// through a single connection so writes from this process are serialized.
// Every write bumps a global revision so other processes can discover which
// keys changed (see Watcher).
type SQLiteKV struct {
	db      *sql.DB
	path    string
	logger  *slog.Logger
	nowFunc func() time.Time
	bus     changeBus

	mu          sync.Mutex
	seenRev     int64 // highest revision this process has observed without a gap
	dataVersion int64
}

// OpenSQLite opens (creating if needed) the database at dbPath and applies
// pending migrations.
func OpenSQLite(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLiteKV, error) {
	// DSN parameters ensure pragmas apply to every connection from the pool.
	// Immediate transactions take the write lock up front, so a
	// read-modify-write never fails half way on a lock upgrade.
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"+
			"&_pragma=busy_timeout(5000)&_txlock=immediate",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: opening database %s: %w", dbPath, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	kv := &SQLiteKV{db: db, path: dbPath, logger: logger, nowFunc: time.Now}

	if err := db.QueryRowContext(ctx, sqlCurrentRev).Scan(&kv.seenRev); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: reading revision: %w", err)
	}

	if err := db.QueryRowContext(ctx, sqlDataVersion).Scan(&kv.dataVersion); err != nil {
		db.Close()
		return nil, fmt.Errorf("localstore: reading data version: %w", err)
	}

	logger.Info("local store opened",
		slog.String("db_path", dbPath),
		slog.Int64("rev", kv.seenRev),
	)

	return kv, nil
}

// Path returns the database file path.
func (s *SQLiteKV) Path() string { return s.path }

func (s *SQLiteKV) Get(ctx context.Context, key string) ([]byte, error) {
	var v []byte

	err := s.db.QueryRowContext(ctx, sqlGetValue, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("localstore: reading %s: %w", key, err)
	}

	return v, nil
}

func (s *SQLiteKV) Set(ctx context.Context, key string, value []byte) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) { return value, nil })
}

func (s *SQLiteKV) Delete(ctx context.Context, key string) error {
	return s.Update(ctx, key, func([]byte) ([]byte, error) { return nil, nil })
}

// Update reads the current value and writes fn's result in one immediate
// transaction.
func (s *SQLiteKV) Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var old []byte
	if err := tx.QueryRowContext(ctx, sqlGetValue, key).Scan(&old); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("localstore: reading %s: %w", key, err)
	}

	next, err := fn(old)
	if err != nil {
		return err
	}

	var rev int64
	if err := tx.QueryRowContext(ctx, sqlBumpRev).Scan(&rev); err != nil {
		return fmt.Errorf("localstore: bumping revision: %w", err)
	}

	if next == nil {
		if _, err := tx.ExecContext(ctx, sqlDeleteValue, key); err != nil {
			return fmt.Errorf("localstore: deleting %s: %w", key, err)
		}

		if _, err := tx.ExecContext(ctx, sqlRecordDeletion, key, rev); err != nil {
			return fmt.Errorf("localstore: recording deletion of %s: %w", key, err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, sqlPutValue, key, next, rev, s.nowFunc().UnixNano()); err != nil {
			return fmt.Errorf("localstore: writing %s: %w", key, err)
		}

		if _, err := tx.ExecContext(ctx, sqlForgetDeletion, key); err != nil {
			return fmt.Errorf("localstore: writing %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: committing %s: %w", key, err)
	}

	s.mu.Lock()
	if rev == s.seenRev+1 {
		s.seenRev = rev
	}
	s.mu.Unlock()

	s.bus.publish(KeyChange{Key: key})

	return nil
}

func (s *SQLiteKV) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlKeysWithPrefix, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing keys %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string

	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("localstore: scanning key: %w", err)
		}

		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating keys: %w", err)
	}

	return keys, nil
}

func (s *SQLiteKV) Subscribe(fn func(KeyChange)) func() {
	return s.bus.subscribe(fn)
}

// PollExternal publishes External changes for keys written by other
// processes since the last poll. It is cheap when nothing changed: SQLite's
// data_version only moves when another connection commits.
func (s *SQLiteKV) PollExternal(ctx context.Context) ([]string, error) {
	var dv int64
	if err := s.db.QueryRowContext(ctx, sqlDataVersion).Scan(&dv); err != nil {
		return nil, fmt.Errorf("localstore: reading data version: %w", err)
	}

	s.mu.Lock()
	if dv == s.dataVersion {
		s.mu.Unlock()
		return nil, nil
	}

	s.dataVersion = dv
	since := s.seenRev
	s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, sqlChangedSince, since, since)
	if err != nil {
		return nil, fmt.Errorf("localstore: listing changes since %d: %w", since, err)
	}
	defer rows.Close()

	var (
		keys   []string
		maxRev = since
		seen   = make(map[string]bool)
	)

	for rows.Next() {
		var (
			k   string
			rev int64
		)

		if err := rows.Scan(&k, &rev); err != nil {
			return nil, fmt.Errorf("localstore: scanning change: %w", err)
		}

		if rev > maxRev {
			maxRev = rev
		}

		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("localstore: iterating changes: %w", err)
	}

	s.mu.Lock()
	if maxRev > s.seenRev {
		s.seenRev = maxRev
	}
	s.mu.Unlock()

	for _, k := range keys {
		s.bus.publish(KeyChange{Key: k, External: true})
	}

	if len(keys) > 0 {
		s.logger.Debug("external changes detected", slog.Int("keys", len(keys)))
	}

	return keys, nil
}

// Close closes the database.
func (s *SQLiteKV) Close() error {
	return s.db.Close()
}
