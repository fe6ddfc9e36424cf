package remote

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tinylingo/tinysync/internal/entity"
)

// Row is one remote row, column name to value.
type Row map[string]any

// Bookkeeping columns shared by every entity table.
const (
	colUserID       = "user_id"
	colLastModified = "last_modified"
	colIsDeleted    = "is_deleted"
	colDeletedAt    = "deleted_at"
	colExtra        = "extra" // jsonb holding payload fields without a column
)

// ColumnKind selects the coercion applied to a payload field.
type ColumnKind int

const (
	KindText         ColumnKind = iota // string; other scalars are formatted
	KindInt                            // non-negative integer counter
	KindBool                           // bool; "true"/"false" strings accepted
	KindEnum                           // lower-cased string limited to Enum
	KindStringList                     // trimmed non-empty strings; a bare string becomes one element
	KindJSON                           // any JSON value, Default when absent
	KindJSONObject                     // JSON object, Default when absent or not an object
	KindAudio                          // {uk, us}
	KindExamples                       // [{en, cn}]
	KindRelatedWords                   // [{word, pos}]
)

// Column maps one payload field onto one remote column.
type Column struct {
	Name    string
	Field   string
	Kind    ColumnKind
	Default any
	Enum    []string
}

// TableSpec is the declarative shape of an entity table.
type TableSpec struct {
	Table     string
	KeyColumn string
	Columns   []Column
}

var partsOfSpeech = []string{"noun", "verb", "adj", "adv"}

var tableSpecs = map[entity.Type]TableSpec{
	entity.TypeWorlds: {
		Table:     "user_worlds",
		KeyColumn: "world_id",
		Columns: []Column{
			{Name: "name", Field: "name", Kind: KindText, Default: ""},
			{Name: "description", Field: "description", Kind: KindText},
			{Name: "thumbnail", Field: "thumbnail", Kind: KindText},
			{Name: "cover_url", Field: "coverUrl", Kind: KindText},
			{Name: "preview_image", Field: "previewImage", Kind: KindText},
			{Name: "word_count", Field: "wordCount", Kind: KindInt},
			{Name: "sticker_count", Field: "stickerCount", Kind: KindInt},
			{Name: "likes", Field: "likes", Kind: KindInt},
			{Name: "favorites", Field: "favorites", Kind: KindInt},
			{Name: "is_public", Field: "isPublic", Kind: KindBool},
			{Name: "canvas_objects", Field: "canvasObjects", Kind: KindJSON, Default: []any{}},
			{
				Name: "canvas_data", Field: "canvasData", Kind: KindJSONObject,
				Default: map[string]any{"objects": []any{}, "background": nil},
			},
			{Name: "selected_background", Field: "selectedBackground", Kind: KindText},
			{Name: "tags", Field: "tags", Kind: KindStringList},
		},
	},
	entity.TypeStickers: {
		Table:     "user_stickers",
		KeyColumn: "sticker_id",
		Columns: []Column{
			{Name: "word", Field: "name", Kind: KindText, Default: ""},
			{Name: "cn", Field: "cn", Kind: KindText, Default: ""},
			{Name: "pos", Field: "pos", Kind: KindEnum, Default: "noun", Enum: partsOfSpeech},
			{Name: "style", Field: "style", Kind: KindText},
			{Name: "image_url", Field: "imageUrl", Kind: KindText},
			{Name: "thumbnail_url", Field: "thumbnailUrl", Kind: KindText},
			{Name: "audio", Field: "audio", Kind: KindAudio},
			{Name: "examples", Field: "examples", Kind: KindExamples},
			{Name: "mnemonic", Field: "mnemonic", Kind: KindStringList},
			{
				Name: "mastery_status", Field: "masteryStatus", Kind: KindEnum,
				Default: "new", Enum: []string{"new", "fuzzy", "mastered"},
			},
			{Name: "tags", Field: "tags", Kind: KindStringList},
			{Name: "related_words", Field: "relatedWords", Kind: KindRelatedWords},
		},
	},
	entity.TypeBackgrounds: {
		Table:     "user_backgrounds",
		KeyColumn: "background_id",
		Columns: []Column{
			{Name: "name", Field: "name", Kind: KindText, Default: ""},
			{Name: "type", Field: "type", Kind: KindText, Default: "image"},
			{Name: "value", Field: "value", Kind: KindText},
			{Name: "image_url", Field: "imageUrl", Kind: KindText},
			{Name: "preview_url", Field: "thumbnailUrl", Kind: KindText},
			{Name: "is_custom", Field: "isCustom", Kind: KindBool},
		},
	},
}

// SpecFor returns the table spec of typ.
func SpecFor(typ entity.Type) (TableSpec, error) {
	spec, ok := tableSpecs[typ]
	if !ok {
		return TableSpec{}, fmt.Errorf("remote: no table for type %q", typ)
	}

	return spec, nil
}

// ToRow normalizes rec into a row owned by userID. Every mapped column is
// present in the result; unmapped payload fields go to the extra column.
func (t TableSpec) ToRow(userID string, rec entity.Record) Row {
	row := Row{
		colUserID:       userID,
		t.KeyColumn:     rec.Key,
		colLastModified: rec.LastModified.UTC(),
		colIsDeleted:    rec.Deleted,
		colDeletedAt:    nil,
	}

	if rec.Deleted && rec.DeletedAt != nil {
		row[colDeletedAt] = rec.DeletedAt.UTC()
	}

	mapped := make(map[string]bool, len(t.Columns))

	for _, c := range t.Columns {
		mapped[c.Field] = true
		row[c.Name] = c.normalize(rec.Payload[c.Field])
	}

	extra := map[string]any{}

	for k, v := range rec.Payload {
		if !mapped[k] {
			extra[k] = v
		}
	}

	row[colExtra] = extra

	return row
}

// FromRow rebuilds a clean record from a remote row.
func (t TableSpec) FromRow(row Row) (entity.Record, error) {
	key, _ := row[t.KeyColumn].(string)
	if key == "" {
		return entity.Record{}, fmt.Errorf("remote: %s row without %s", t.Table, t.KeyColumn)
	}

	lm, err := asTime(row[colLastModified])
	if err != nil {
		return entity.Record{}, fmt.Errorf("remote: %s row %s: %s: %w", t.Table, key, colLastModified, err)
	}

	rec := entity.Record{
		Key:          key,
		Payload:      map[string]any{},
		LastModified: lm,
	}

	if extra, ok := row[colExtra].(map[string]any); ok {
		for k, v := range extra {
			rec.Payload[k] = jsonValue(v)
		}
	}

	for _, c := range t.Columns {
		v, ok := row[c.Name]
		if !ok || v == nil {
			continue
		}

		rec.Payload[c.Field] = jsonValue(v)
	}

	if deleted, _ := row[colIsDeleted].(bool); deleted {
		rec.Deleted = true

		at, err := asTime(row[colDeletedAt])
		if err != nil {
			at = lm
		}

		rec.DeletedAt = &at
	}

	return rec, nil
}

func (c Column) normalize(v any) any {
	switch c.Kind {
	case KindText:
		return normText(v, c.Default)
	case KindInt:
		return normInt(v)
	case KindBool:
		return normBool(v)
	case KindEnum:
		return normEnum(v, c.Enum, c.Default)
	case KindStringList:
		return normStringList(v)
	case KindJSON:
		if v == nil {
			return cloneDefault(c.Default)
		}

		return v
	case KindJSONObject:
		if m, ok := v.(map[string]any); ok {
			return m
		}

		return cloneDefault(c.Default)
	case KindAudio:
		return normAudio(v)
	case KindExamples:
		return normExamples(v)
	case KindRelatedWords:
		return normRelatedWords(v)
	default:
		return v
	}
}

func normText(v, def any) any {
	switch x := v.(type) {
	case nil:
		return def
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool, int, int64, json.Number:
		return fmt.Sprint(x)
	default:
		return def
	}
}

func normInt(v any) int64 {
	var n float64

	switch x := v.(type) {
	case float64:
		n = x
	case int:
		n = float64(x)
	case int64:
		n = float64(x)
	case json.Number:
		n, _ = x.Float64()
	case string:
		n, _ = strconv.ParseFloat(strings.TrimSpace(x), 64)
	}

	if math.IsNaN(n) || n <= 0 {
		return 0
	}

	if n > math.MaxInt32 {
		return math.MaxInt32
	}

	return int64(n)
}

func normBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(x))
		return b
	default:
		return false
	}
}

func normEnum(v any, allowed []string, def any) any {
	s, ok := v.(string)
	if !ok {
		return def
	}

	s = strings.ToLower(strings.TrimSpace(s))
	for _, a := range allowed {
		if s == a {
			return s
		}
	}

	return def
}

func normStringList(v any) []string {
	out := []string{}

	add := func(s string) {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}

	switch x := v.(type) {
	case string:
		add(x)
	case []string:
		for _, s := range x {
			add(s)
		}
	case []any:
		for _, e := range x {
			if s, ok := e.(string); ok {
				add(s)
			}
		}
	}

	return out
}

func normAudio(v any) map[string]any {
	out := map[string]any{"uk": "", "us": ""}

	switch x := v.(type) {
	case string:
		out["uk"], out["us"] = x, x
	case map[string]any:
		if s, ok := x["uk"].(string); ok {
			out["uk"] = s
		}

		if s, ok := x["us"].(string); ok {
			out["us"] = s
		}
	}

	return out
}

func normExamples(v any) []any {
	out := []any{}

	list, _ := v.([]any)
	for _, e := range list {
		switch x := e.(type) {
		case string:
			if s := strings.TrimSpace(x); s != "" {
				out = append(out, map[string]any{"en": s, "cn": ""})
			}
		case map[string]any:
			en, _ := x["en"].(string)
			cn, _ := x["cn"].(string)

			if en != "" || cn != "" {
				out = append(out, map[string]any{"en": en, "cn": cn})
			}
		}
	}

	return out
}

func normRelatedWords(v any) []any {
	out := []any{}

	list, _ := v.([]any)
	for _, e := range list {
		var word, pos string

		switch x := e.(type) {
		case string:
			word = x
		case map[string]any:
			word, _ = x["word"].(string)
			pos, _ = x["pos"].(string)
		}

		word = strings.TrimSpace(word)
		if word == "" {
			continue
		}

		if pos == "" {
			pos = "noun"
		}

		out = append(out, map[string]any{"word": word, "pos": pos})
	}

	return out
}

// cloneDefault returns a fresh copy of a composite default so rows never
// share mutable state.
func cloneDefault(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = cloneDefault(e)
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = cloneDefault(e)
		}

		return out
	default:
		return v
	}
}

// jsonValue converts driver values to the shapes JSON decoding produces, so
// pulled payloads compare equal to locally stored ones.
func jsonValue(v any) any {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int16:
		return float64(x)
	case int32:
		return float64(x)
	case int64:
		return float64(x)
	case float32:
		return float64(x)
	case json.Number:
		f, _ := x.Float64()
		return f
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}

		return out
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}

		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = jsonValue(e)
		}

		return out
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = jsonValue(e)
		}

		return out
	default:
		return v
	}
}

func asTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		t, err := time.Parse(time.RFC3339Nano, x)
		if err != nil {
			return time.Time{}, err
		}

		return t.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp %T", v)
	}
}
