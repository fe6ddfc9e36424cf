// Package resolve merges incoming remote records into a local collection:
// last-write-wins by lastModified, plus content-identity deduplication for
// types whose descriptor asks for it.
package resolve

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/tinylingo/tinysync/internal/entity"
)

// contentKeySep joins content-key fields; it cannot appear in folded labels
// typed by users.
const contentKeySep = "\x1f"

// ByTimestamp returns the winner between a local record and an incoming one
// with the same natural key. The incoming record wins only when its
// lastModified is strictly greater; ties favour local.
func ByTimestamp(local, incoming entity.Record) (winner entity.Record, incomingWon bool) {
	if incoming.LastModified.After(local.LastModified) {
		return incoming, true
	}

	return local, false
}

// ContentKey derives the content identity of a record from the descriptor's
// content fields. Labels are NFKC-normalized, case-folded and
// whitespace-collapsed so "Apple ", "apple" and "ＡＰＰＬＥ" collide. An empty
// key means the record has no content identity and is never deduplicated.
func ContentKey(desc entity.Descriptor, rec entity.Record) string {
	if len(desc.ContentFields) == 0 {
		return ""
	}

	parts := make([]string, len(desc.ContentFields))
	for i, f := range desc.ContentFields {
		parts[i] = normalizeLabel(rec.String(f))
	}

	// The first field is the label; without it there is no identity.
	if parts[0] == "" {
		return ""
	}

	return strings.Join(parts, contentKeySep)
}

var folder = cases.Fold()

func normalizeLabel(s string) string {
	s = norm.NFKC.String(s)
	s = folder.String(s)

	return strings.Join(strings.Fields(s), " ")
}

// Stats counts what Merge did with the incoming records.
type Stats struct {
	Applied   int // incoming won and replaced or added a record
	KeptLocal int // natural-key match where local won
	Dropped   int // content duplicates discarded
}

// Merge folds incoming into current and returns the new collection. Current
// is not modified. Records that arrive from the remote are stored clean.
func Merge(desc entity.Descriptor, current, incoming []entity.Record) ([]entity.Record, Stats) {
	out := entity.CloneAll(current)
	byKey := entity.Index(out)

	var byContent map[string]string
	if desc.Strategy == entity.StrategyContent {
		byContent = contentIndex(desc, out)
	}

	var st Stats

	for _, in := range incoming {
		in = in.Clone()
		in.Dirty = false
		in.NeedsSync = false

		if i, ok := byKey[in.Key]; ok {
			winner, won := ByTimestamp(out[i], in)
			if !won {
				st.KeptLocal++
				continue
			}

			if byContent != nil {
				unindexContent(desc, byContent, out[i])
			}

			out[i] = winner
			st.Applied++

			if byContent != nil {
				indexContent(desc, byContent, winner)
			}

			continue
		}

		if byContent != nil && !in.Deleted {
			if ck := ContentKey(desc, in); ck != "" {
				if owner, dup := byContent[ck]; dup && owner != in.Key {
					st.Dropped++
					continue
				}
			}
		}

		out = append(out, in)
		byKey[in.Key] = len(out) - 1
		st.Applied++

		if byContent != nil {
			indexContent(desc, byContent, in)
		}
	}

	return out, st
}

// Dedup collapses live records sharing a content key, keeping the most
// recently modified one of each group (first seen on ties). It returns the
// surviving collection and the natural keys that were removed.
func Dedup(desc entity.Descriptor, recs []entity.Record) ([]entity.Record, []string) {
	if desc.Strategy != entity.StrategyContent {
		return entity.CloneAll(recs), nil
	}

	keep := make(map[string]int) // content key -> index in recs
	drop := make(map[int]bool)

	for i := range recs {
		if recs[i].Deleted {
			continue
		}

		ck := ContentKey(desc, recs[i])
		if ck == "" {
			continue
		}

		j, seen := keep[ck]
		if !seen {
			keep[ck] = i
			continue
		}

		if recs[i].LastModified.After(recs[j].LastModified) {
			drop[j] = true
			keep[ck] = i
		} else {
			drop[i] = true
		}
	}

	out := make([]entity.Record, 0, len(recs)-len(drop))
	var dropped []string

	for i := range recs {
		if drop[i] {
			dropped = append(dropped, recs[i].Key)
			continue
		}

		out = append(out, recs[i].Clone())
	}

	return out, dropped
}

// FindByContent returns the natural key of a live record in recs whose
// content key equals rec's, excluding rec's own key.
func FindByContent(desc entity.Descriptor, recs []entity.Record, rec entity.Record) (string, bool) {
	if desc.Strategy != entity.StrategyContent {
		return "", false
	}

	ck := ContentKey(desc, rec)
	if ck == "" {
		return "", false
	}

	for i := range recs {
		if recs[i].Deleted || recs[i].Key == rec.Key {
			continue
		}

		if ContentKey(desc, recs[i]) == ck {
			return recs[i].Key, true
		}
	}

	return "", false
}

func contentIndex(desc entity.Descriptor, recs []entity.Record) map[string]string {
	idx := make(map[string]string, len(recs))
	for i := range recs {
		indexContent(desc, idx, recs[i])
	}

	return idx
}

func indexContent(desc entity.Descriptor, idx map[string]string, rec entity.Record) {
	if rec.Deleted {
		return
	}

	if ck := ContentKey(desc, rec); ck != "" {
		if _, taken := idx[ck]; !taken {
			idx[ck] = rec.Key
		}
	}
}

func unindexContent(desc entity.Descriptor, idx map[string]string, rec entity.Record) {
	if ck := ContentKey(desc, rec); ck != "" && idx[ck] == rec.Key {
		delete(idx, ck)
	}
}
