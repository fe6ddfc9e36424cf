package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
)

// cursorPrefix keeps cursor keys out of every entity namespace.
const cursorPrefix = "tinysync_cursor_"

// Cursor is the per (identity, type) sync bookkeeping. LastSyncAt only moves
// on success; LastError is cleared by success and set by failure.
type Cursor struct {
	LastSyncAt    time.Time `json:"lastSyncAt"`
	LastAttemptAt time.Time `json:"lastAttemptAt"`
	LastError     string    `json:"lastError,omitempty"`
	InFlight      bool      `json:"inFlight,omitempty"`
}

// Exists reports whether the cursor was ever written.
func (c Cursor) Exists() bool {
	return !c.LastAttemptAt.IsZero()
}

// Stale reports whether the type should be pulled even without local
// changes: never synced, last attempt failed, or older than staleAfter.
func (c Cursor) Stale(now time.Time, staleAfter time.Duration) bool {
	if c.LastSyncAt.IsZero() || c.LastError != "" {
		return true
	}

	return now.Sub(c.LastSyncAt) >= staleAfter
}

// CursorKey returns the storage key of the cursor for (identity, type).
func CursorKey(desc entity.Descriptor, id identity.Identity) string {
	return cursorPrefix + NamespaceKey(desc, id)
}

// Cursor returns the cursor for (identity, type); the zero Cursor if none.
func (s *Store) Cursor(ctx context.Context, id identity.Identity, typ entity.Type) (Cursor, error) {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return Cursor{}, err
	}

	raw, err := s.kv.Get(ctx, CursorKey(desc, id))
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	var c Cursor
	if len(raw) == 0 {
		return c, nil
	}

	if err := json.Unmarshal(raw, &c); err != nil {
		return Cursor{}, fmt.Errorf("%w: decoding cursor for %s: %w", ErrPersistence, typ, err)
	}

	return c, nil
}

// SaveCursor writes the cursor for (identity, type).
func (s *Store) SaveCursor(ctx context.Context, id identity.Identity, typ entity.Type, c Cursor) error {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("localstore: encoding cursor: %w", err)
	}

	if err := s.kv.Set(ctx, CursorKey(desc, id), raw); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return nil
}

// ClearCursor removes the cursor for (identity, type), forcing a full pull
// on the next pass.
func (s *Store) ClearCursor(ctx context.Context, id identity.Identity, typ entity.Type) error {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return err
	}

	if err := s.kv.Delete(ctx, CursorKey(desc, id)); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return nil
}
