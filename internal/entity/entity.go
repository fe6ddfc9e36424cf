// Package entity defines the records managed by the sync engine and the
// per-type descriptors (storage prefix, remote table, asset fields, merge
// strategy) that drive every other package.
package entity

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("entity: invalid record")

// Record is one entity in a local collection. Payload holds the domain
// fields; the remaining fields are bookkeeping owned by the local store.
type Record struct {
	Key          string         `json:"id"`
	Payload      map[string]any `json:"payload"`
	LastModified time.Time      `json:"lastModified"`
	Dirty        bool           `json:"dirty,omitempty"`
	Deleted      bool           `json:"deleted,omitempty"`
	DeletedAt    *time.Time     `json:"deletedAt,omitempty"`
	NeedsSync    bool           `json:"needsSync,omitempty"`
}

// Pending reports whether the record carries a change that has not been
// pushed yet.
func (r *Record) Pending() bool {
	return r.Dirty || r.NeedsSync
}

// String returns the payload field as a string, or "" when missing or not a
// string.
func (r *Record) String(field string) string {
	if r.Payload == nil {
		return ""
	}

	s, _ := r.Payload[field].(string)

	return s
}

// Clone returns a deep copy so callers can mutate payloads without aliasing
// the collection they read from.
func (r Record) Clone() Record {
	out := r
	out.Payload = clonePayload(r.Payload)

	if r.DeletedAt != nil {
		t := *r.DeletedAt
		out.DeletedAt = &t
	}

	return out
}

func clonePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}

	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}

	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return clonePayload(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}

		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

// CloneAll deep-copies a collection.
func CloneAll(recs []Record) []Record {
	out := make([]Record, len(recs))
	for i := range recs {
		out[i] = recs[i].Clone()
	}

	return out
}

// Index maps natural keys to positions in recs. Later duplicates win, which
// matches how a collection written twice with the same key is read back.
func Index(recs []Record) map[string]int {
	idx := make(map[string]int, len(recs))
	for i := range recs {
		idx[recs[i].Key] = i
	}

	return idx
}

// MergePayload overlays patch onto a copy of base.
func MergePayload(base, patch map[string]any) map[string]any {
	out := clonePayload(base)
	if out == nil {
		out = make(map[string]any, len(patch))
	}

	maps.Copy(out, clonePayload(patch))

	return out
}

// Validate checks the invariants a record must satisfy before it is written.
func (r *Record) Validate() error {
	if r.Key == "" {
		return fmt.Errorf("%w: empty natural key", ErrInvalid)
	}

	if r.Deleted && r.DeletedAt == nil {
		return fmt.Errorf("%w: tombstone %s has no deletion time", ErrInvalid, r.Key)
	}

	return nil
}
