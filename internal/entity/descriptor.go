package entity

import (
	"fmt"
	"sort"
)

// Type names an entity collection.
type Type string

// Known entity types.
const (
	TypeWorlds      Type = "worlds"
	TypeStickers    Type = "stickers"
	TypeBackgrounds Type = "backgrounds"
)

func (t Type) String() string { return string(t) }

// Strategy selects how incoming remote records are merged into a local
// collection.
type Strategy int

const (
	// StrategyTimestamp keeps the record with the strictly newer lastModified.
	StrategyTimestamp Strategy = iota
	// StrategyContent additionally drops records whose content key already
	// exists under a different natural key.
	StrategyContent
)

// AssetField names a payload field that may carry binary data, and the role
// used when deriving its storage path.
type AssetField struct {
	Field string
	Role  string
}

// Descriptor is the static description of one entity type.
type Descriptor struct {
	Type          Type
	StoragePrefix string // local namespace prefix, e.g. "tinylingo_worlds"
	Table         string // remote table
	KeyColumn     string // remote natural-key column
	Bucket        string // blob bucket for promoted assets
	Assets        []AssetField
	Strategy      Strategy
	ContentFields []string // fields forming the content key (StrategyContent only)
}

var descriptors = map[Type]Descriptor{
	TypeWorlds: {
		Type:          TypeWorlds,
		StoragePrefix: "tinylingo_worlds",
		Table:         "user_worlds",
		KeyColumn:     "world_id",
		Bucket:        "world-thumbnails",
		Assets: []AssetField{
			{Field: "thumbnail", Role: "thumbnail"},
			{Field: "coverUrl", Role: "cover"},
			{Field: "previewImage", Role: "preview"},
		},
		Strategy: StrategyTimestamp,
	},
	TypeStickers: {
		Type:          TypeStickers,
		StoragePrefix: "tinylingo_stickers",
		Table:         "user_stickers",
		KeyColumn:     "sticker_id",
		Bucket:        "sticker-images",
		Assets: []AssetField{
			{Field: "imageUrl", Role: "main"},
			{Field: "thumbnailUrl", Role: "thumbnail"},
		},
		Strategy:      StrategyContent,
		ContentFields: []string{"name", "style"},
	},
	TypeBackgrounds: {
		Type:          TypeBackgrounds,
		StoragePrefix: "tinylingo_backgrounds",
		Table:         "user_backgrounds",
		KeyColumn:     "background_id",
		Bucket:        "background-images",
		Assets: []AssetField{
			{Field: "imageUrl", Role: "image"},
			{Field: "thumbnailUrl", Role: "thumbnail"},
		},
		Strategy: StrategyTimestamp,
	},
}

// Lookup returns the descriptor for t.
func Lookup(t Type) (Descriptor, error) {
	d, ok := descriptors[t]
	if !ok {
		return Descriptor{}, fmt.Errorf("entity: unknown type %q", t)
	}

	return d, nil
}

// ParseType parses a user-supplied type name, accepting singular forms.
func ParseType(s string) (Type, error) {
	switch s {
	case "world", "worlds":
		return TypeWorlds, nil
	case "sticker", "stickers":
		return TypeStickers, nil
	case "background", "backgrounds":
		return TypeBackgrounds, nil
	default:
		return "", fmt.Errorf("entity: unknown type %q (want worlds, stickers or backgrounds)", s)
	}
}

// All returns every descriptor in a stable order.
func All() []Descriptor {
	out := make([]Descriptor, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })

	return out
}
