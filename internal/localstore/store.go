package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tinylingo/tinysync/internal/entity"
	"github.com/tinylingo/tinysync/internal/identity"
	"github.com/tinylingo/tinysync/internal/resolve"
)

// Source tells subscribers who caused a change.
type Source int

const (
	// SourceUser is a local mutation that still has to be pushed.
	SourceUser Source = iota
	// SourceSync is a write made by the sync engine while reconciling.
	SourceSync
	// SourceExternal is a write made by another process on the same database.
	SourceExternal
)

func (s Source) String() string {
	switch s {
	case SourceUser:
		return "user"
	case SourceSync:
		return "sync"
	case SourceExternal:
		return "external"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// Event is a mutation-applied notification. Records is the collection as
// written; it is nil for external changes, whose content must be re-read.
type Event struct {
	Key     string
	Type    entity.Type // empty for keys that are not entity collections
	Source  Source
	Records []entity.Record
}

// ErrNoChange, returned from a Mutate callback, aborts the read-modify-write
// without writing or publishing.
var ErrNoChange = errors.New("localstore: no change")

// NamespaceKey returns the storage key of one collection:
// <entityTypePrefix>_<identityId>, or <prefix>_guest for anonymous
// identities.
func NamespaceKey(desc entity.Descriptor, id identity.Identity) string {
	return desc.StoragePrefix + "_" + id.NamespaceSuffix()
}

// Store is the namespaced entity store. It is safe for concurrent use; every
// mutation is an atomic read-modify-write on the underlying KV.
type Store struct {
	kv      KV
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
	newKey  func() string

	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	unsub  func()
}

// NewStore wraps kv. External changes reported by the KV are re-published as
// SourceExternal events.
func NewStore(kv KV, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Store{
		kv:      kv,
		logger:  logger,
		nowFunc: time.Now,
		newKey:  uuid.NewString,
		subs:    make(map[int]func(Event)),
	}

	s.unsub = kv.Subscribe(func(c KeyChange) {
		if c.External {
			s.publish(Event{Key: c.Key, Type: typeForKey(c.Key), Source: SourceExternal})
		}
	})

	return s
}

// KV returns the underlying key-value store.
func (s *Store) KV() KV { return s.kv }

// SetNowFunc replaces the clock used to stamp lastModified and deletedAt.
func (s *Store) SetNowFunc(fn func() time.Time) { s.nowFunc = fn }

// Close detaches the store from its KV. The KV itself stays open.
func (s *Store) Close() {
	if s.unsub != nil {
		s.unsub()
	}
}

// Subscribe registers fn for every mutation-applied event. Callbacks run
// synchronously on the writer's goroutine and must not block.
func (s *Store) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	s.subs[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, id)
	}
}

func (s *Store) publish(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Read returns the collection for (identity, type). A missing collection is
// empty, not an error.
func (s *Store) Read(ctx context.Context, id identity.Identity, typ entity.Type) ([]entity.Record, error) {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return nil, err
	}

	key := NamespaceKey(desc, id)

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	return decodeRecords(key, raw)
}

// Write replaces the whole collection as a user mutation.
func (s *Store) Write(ctx context.Context, id identity.Identity, typ entity.Type, recs []entity.Record) error {
	return s.replace(ctx, id, typ, recs, SourceUser)
}

// Commit replaces the whole collection on behalf of the sync engine.
// Subscribers see SourceSync so the write does not re-trigger a pass.
func (s *Store) Commit(ctx context.Context, id identity.Identity, typ entity.Type, recs []entity.Record) error {
	return s.replace(ctx, id, typ, recs, SourceSync)
}

func (s *Store) replace(ctx context.Context, id identity.Identity, typ entity.Type, recs []entity.Record, src Source) error {
	_, err := s.mutate(ctx, id, typ, src, func([]entity.Record) ([]entity.Record, error) {
		return recs, nil
	})

	return err
}

// Mutate runs fn against the current collection and writes its result
// atomically. Returning the input unchanged still writes; fn returns
// ErrNoChange to skip the write, in which case Mutate returns nil records and
// no error.
func (s *Store) Mutate(
	ctx context.Context, id identity.Identity, typ entity.Type, src Source,
	fn func([]entity.Record) ([]entity.Record, error),
) ([]entity.Record, error) {
	return s.mutate(ctx, id, typ, src, fn)
}

func (s *Store) mutate(
	ctx context.Context, id identity.Identity, typ entity.Type, src Source,
	fn func([]entity.Record) ([]entity.Record, error),
) ([]entity.Record, error) {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return nil, err
	}

	key := NamespaceKey(desc, id)

	var written []entity.Record

	err = s.kv.Update(ctx, key, func(old []byte) ([]byte, error) {
		cur, err := decodeRecords(key, old)
		if err != nil {
			return nil, err
		}

		next, err := fn(cur)
		if err != nil {
			return nil, err
		}

		for i := range next {
			if err := next[i].Validate(); err != nil {
				return nil, err
			}
		}

		written = next

		return encodeRecords(next)
	})

	switch {
	case errors.Is(err, ErrNoChange):
		return written, nil
	case err != nil && isCallerError(err):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.logger.Debug("collection written",
		slog.String("key", key),
		slog.String("source", src.String()),
		slog.Int("records", len(written)),
	)

	s.publish(Event{Key: key, Type: typ, Source: src, Records: entity.CloneAll(written)})

	return written, nil
}

// isCallerError separates errors produced by mutation callbacks (not found,
// invalid record) from storage failures.
func isCallerError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrPersistence) ||
		errors.Is(err, entity.ErrInvalid)
}

// Upsert creates or updates one record as a user edit: the payload patch is
// merged, lastModified is stamped and the record is marked dirty. An empty
// key creates a new record with a generated key. For content-deduplicated
// types, creating a record whose content matches a live record updates that
// record instead, even when key names a new record; the returned record
// carries the existing key.
func (s *Store) Upsert(
	ctx context.Context, id identity.Identity, typ entity.Type, key string, payload map[string]any,
) (entity.Record, error) {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return entity.Record{}, err
	}

	var out entity.Record

	_, err = s.mutate(ctx, id, typ, SourceUser, func(cur []entity.Record) ([]entity.Record, error) {
		idx := entity.Index(cur)

		i, exists := idx[key]
		if !exists {
			candidate := entity.Record{Key: key, Payload: payload}
			if owner, dup := resolve.FindByContent(desc, cur, candidate); dup {
				s.logger.Info("upsert matched existing content, updating it instead",
					slog.String("type", typ.String()),
					slog.String("requested_key", key),
					slog.String("key", owner),
				)

				i, exists = idx[owner], true
			}
		}

		if !exists {
			if key == "" {
				key = s.newKey()
			}

			cur = append(cur, entity.Record{Key: key})
			i = len(cur) - 1
		}

		r := &cur[i]
		r.Payload = entity.MergePayload(r.Payload, payload)
		r.LastModified = s.stamp(r.LastModified)
		r.Dirty = true
		r.Deleted = false
		r.DeletedAt = nil
		out = r.Clone()

		return cur, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return out, nil
}

// SoftDelete turns a record into a tombstone. Deleting a tombstone again is a
// no-op that still reports the record.
func (s *Store) SoftDelete(ctx context.Context, id identity.Identity, typ entity.Type, key string) (entity.Record, error) {
	var out entity.Record

	_, err := s.mutate(ctx, id, typ, SourceUser, func(cur []entity.Record) ([]entity.Record, error) {
		i, ok := entity.Index(cur)[key]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, typ, key)
		}

		r := &cur[i]
		if r.Deleted {
			out = r.Clone()
			return nil, ErrNoChange
		}

		now := s.stamp(r.LastModified)
		r.Deleted = true
		r.DeletedAt = &now
		r.LastModified = now
		r.Dirty = true
		out = r.Clone()

		return cur, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return out, nil
}

// Restore revives a tombstone as a fresh user edit.
func (s *Store) Restore(ctx context.Context, id identity.Identity, typ entity.Type, key string) (entity.Record, error) {
	var out entity.Record

	_, err := s.mutate(ctx, id, typ, SourceUser, func(cur []entity.Record) ([]entity.Record, error) {
		i, ok := entity.Index(cur)[key]
		if !ok || !cur[i].Deleted {
			return nil, fmt.Errorf("%w: no tombstone for %s %s", ErrNotFound, typ, key)
		}

		r := &cur[i]
		r.Deleted = false
		r.DeletedAt = nil
		r.LastModified = s.stamp(r.LastModified)
		r.Dirty = true
		out = r.Clone()

		return cur, nil
	})
	if err != nil {
		return entity.Record{}, err
	}

	return out, nil
}

// MarkForSync sets the needsSync override on the given keys, or on every
// record when keys is empty, without touching lastModified. It returns the
// number of records marked.
func (s *Store) MarkForSync(ctx context.Context, id identity.Identity, typ entity.Type, keys ...string) (int, error) {
	want := make(map[string]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}

	marked := 0

	_, err := s.mutate(ctx, id, typ, SourceUser, func(cur []entity.Record) ([]entity.Record, error) {
		for i := range cur {
			if len(want) == 0 || want[cur[i].Key] {
				cur[i].NeedsSync = true
				marked++
			}
		}

		if marked == 0 {
			return nil, ErrNoChange
		}

		return cur, nil
	})

	return marked, err
}

// Purge physically removes records from the local collection. Unknown keys
// are ignored. This is the local half of a purge; the caller removes the
// remote rows.
func (s *Store) Purge(ctx context.Context, id identity.Identity, typ entity.Type, keys []string) (int, error) {
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}

	removed := 0

	_, err := s.mutate(ctx, id, typ, SourceSync, func(cur []entity.Record) ([]entity.Record, error) {
		out := cur[:0]
		for _, r := range cur {
			if drop[r.Key] {
				removed++
				continue
			}

			out = append(out, r)
		}

		if removed == 0 {
			return nil, ErrNoChange
		}

		return out, nil
	})

	return removed, err
}

// CollapseDuplicates tombstones every live record that shares its content
// key with a more recently modified one. The tombstones are dirty so the
// removal reaches the remote store on the next push. It returns the keys
// that were tombstoned; types without content identity are left alone.
func (s *Store) CollapseDuplicates(ctx context.Context, id identity.Identity, typ entity.Type) ([]string, error) {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return nil, err
	}

	if desc.Strategy != entity.StrategyContent {
		return nil, nil
	}

	var dropped []string

	_, err = s.mutate(ctx, id, typ, SourceSync, func(cur []entity.Record) ([]entity.Record, error) {
		_, dropped = resolve.Dedup(desc, cur)
		if len(dropped) == 0 {
			return nil, ErrNoChange
		}

		idx := entity.Index(cur)

		for _, k := range dropped {
			r := &cur[idx[k]]
			now := s.stamp(r.LastModified)
			r.Deleted = true
			r.DeletedAt = &now
			r.LastModified = now
			r.Dirty = true
		}

		return cur, nil
	})
	if err != nil {
		return nil, err
	}

	if len(dropped) > 0 {
		s.logger.Info("collapsed duplicate records",
			slog.String("type", typ.String()),
			slog.Any("keys", dropped),
		)
	}

	return dropped, nil
}

// ExpiredTombstones returns keys of tombstones deleted before cutoff.
func (s *Store) ExpiredTombstones(
	ctx context.Context, id identity.Identity, typ entity.Type, cutoff time.Time,
) ([]string, error) {
	recs, err := s.Read(ctx, id, typ)
	if err != nil {
		return nil, err
	}

	var keys []string

	for _, r := range recs {
		if r.Deleted && r.DeletedAt != nil && r.DeletedAt.Before(cutoff) {
			keys = append(keys, r.Key)
		}
	}

	return keys, nil
}

// Clear removes a whole collection.
func (s *Store) Clear(ctx context.Context, id identity.Identity, typ entity.Type) error {
	desc, err := entity.Lookup(typ)
	if err != nil {
		return err
	}

	key := NamespaceKey(desc, id)
	if err := s.kv.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	s.publish(Event{Key: key, Type: typ, Source: SourceSync})

	return nil
}

// stamp returns the current time truncated to milliseconds, forced strictly
// after prev so local edits always advance lastModified.
func (s *Store) stamp(prev time.Time) time.Time {
	now := s.nowFunc().UTC().Truncate(time.Millisecond)
	if !now.After(prev) {
		now = prev.Add(time.Millisecond)
	}

	return now
}

func typeForKey(key string) entity.Type {
	for _, d := range entity.All() {
		if strings.HasPrefix(key, d.StoragePrefix+"_") {
			return d.Type
		}
	}

	return ""
}

func decodeRecords(key string, raw []byte) ([]entity.Record, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var recs []entity.Record
	if err := json.Unmarshal(raw, &recs); err != nil {
		return nil, fmt.Errorf("%w: decoding %s: %w", ErrPersistence, key, err)
	}

	return recs, nil
}

func encodeRecords(recs []entity.Record) ([]byte, error) {
	if recs == nil {
		recs = []entity.Record{}
	}

	b, err := json.Marshal(recs)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding records: %w", ErrPersistence, err)
	}

	return b, nil
}
