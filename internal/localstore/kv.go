// Package localstore persists per-identity entity collections in a local
// key-value store and emits change notifications for every write.
//
// The KV layer is a flat byte store (SQLite in production, memory in tests).
// Store layers namespacing, record encoding, bookkeeping flags and sync
// cursors on top of it.
package localstore

import (
	"context"
	"errors"
	"sync"
)

// ErrPersistence wraps every failure of the underlying key-value store. It is
// returned synchronously to the caller of a mutation.
var ErrPersistence = errors.New("localstore: persistence failure")

// ErrNotFound is returned by mutations addressing a record that does not
// exist.
var ErrNotFound = errors.New("localstore: record not found")

// KeyChange is emitted by a KV when a key is written or deleted. External is
// true when the change was made by another process sharing the database.
type KeyChange struct {
	Key      string
	External bool
}

// KV is the local persistence surface. Get returns nil and no error for a
// missing key. Update runs fn atomically against the current value; fn
// returning nil bytes deletes the key.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn func(old []byte) ([]byte, error)) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Subscribe(fn func(KeyChange)) (unsubscribe func())
	Close() error
}

// changeBus is a tiny synchronous fan-out shared by the KV implementations.
type changeBus struct {
	mu   sync.Mutex
	next int
	subs map[int]func(KeyChange)
}

func (b *changeBus) subscribe(fn func(KeyChange)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subs == nil {
		b.subs = make(map[int]func(KeyChange))
	}

	id := b.next
	b.next++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *changeBus) publish(c KeyChange) {
	b.mu.Lock()
	fns := make([]func(KeyChange), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
