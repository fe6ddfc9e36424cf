package testutil

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/tinylingo/tinysync/internal/remote"
)

// MemoryRows is an in-memory remote.RowStore. It applies the same guarded
// upsert as the Postgres store: a row only replaces an existing row whose
// last_modified is not newer.
type MemoryRows struct {
	mu      sync.Mutex
	tables  map[string]map[string]remote.Row
	caller  string
	upserts map[string]int
	selects map[string]int
	fail    map[string]error
}

// NewMemoryRows returns an empty store.
func NewMemoryRows() *MemoryRows {
	return &MemoryRows{
		tables:  map[string]map[string]remote.Row{},
		upserts: map[string]int{},
		selects: map[string]int{},
		fail:    map[string]error{},
	}
}

// SetCallerContext records the caller.
func (m *MemoryRows) SetCallerContext(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.caller = userID

	return nil
}

// Caller returns the last caller context.
func (m *MemoryRows) Caller() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.caller
}

// FailTable makes every call on table return err until cleared with nil.
func (m *MemoryRows) FailTable(table string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		delete(m.fail, table)
		return
	}

	m.fail[table] = err
}

// Upsert inserts or replaces rows keyed by conflictKey.
func (m *MemoryRows) Upsert(_ context.Context, table string, rows []remote.Row, conflictKey []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[table]; err != nil {
		return err
	}

	m.upserts[table]++

	t := m.tables[table]
	if t == nil {
		t = map[string]remote.Row{}
		m.tables[table] = t
	}

	for _, r := range rows {
		id := rowID(r, conflictKey)

		if prev, ok := t[id]; ok && newer(prev, r) {
			continue
		}

		t[id] = maps.Clone(r)
	}

	return nil
}

// Select returns matching rows ordered by natural key.
func (m *MemoryRows) Select(_ context.Context, table string, f remote.Filter) ([]remote.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[table]; err != nil {
		return nil, err
	}

	m.selects[table]++

	var out []remote.Row

	for _, id := range slices.Sorted(maps.Keys(m.tables[table])) {
		r := m.tables[table][id]
		if matches(r, f) {
			out = append(out, maps.Clone(r))
		}
	}

	return out, nil
}

// Delete removes matching rows.
func (m *MemoryRows) Delete(_ context.Context, table string, f remote.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fail[table]; err != nil {
		return err
	}

	if len(f.Keys) == 0 {
		return &remote.CodedError{Code: "22023", Message: "delete without keys"}
	}

	for id, r := range m.tables[table] {
		if matches(r, f) {
			delete(m.tables[table], id)
		}
	}

	return nil
}

// Put writes a row directly, bypassing the upsert guard. Tests use it to
// simulate another device's writes.
func (m *MemoryRows) Put(table string, conflictKey []string, r remote.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.tables[table] == nil {
		m.tables[table] = map[string]remote.Row{}
	}

	m.tables[table][rowID(r, conflictKey)] = maps.Clone(r)
}

// Rows returns a copy of every row in table.
func (m *MemoryRows) Rows(table string) []remote.Row {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]remote.Row, 0, len(m.tables[table]))
	for _, id := range slices.Sorted(maps.Keys(m.tables[table])) {
		out = append(out, maps.Clone(m.tables[table][id]))
	}

	return out
}

// Upserts returns the number of successful Upsert calls on table.
func (m *MemoryRows) Upserts(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.upserts[table]
}

// Selects returns the number of successful Select calls on table.
func (m *MemoryRows) Selects(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.selects[table]
}

func rowID(r remote.Row, key []string) string {
	parts := make([]string, len(key))
	for i, k := range key {
		parts[i] = fmt.Sprint(r[k])
	}

	return strings.Join(parts, "\x00")
}

func newer(prev, next remote.Row) bool {
	p, ok1 := prev["last_modified"].(time.Time)
	n, ok2 := next["last_modified"].(time.Time)

	return ok1 && ok2 && p.After(n)
}

func matches(r remote.Row, f remote.Filter) bool {
	if r["user_id"] != f.UserID {
		return false
	}

	if !f.Since.IsZero() {
		lm, ok := r["last_modified"].(time.Time)
		if !ok || lm.Before(f.Since) {
			return false
		}
	}

	if len(f.Keys) > 0 {
		key, _ := r[f.KeyColumn].(string)
		if !slices.Contains(f.Keys, key) {
			return false
		}
	}

	return true
}
