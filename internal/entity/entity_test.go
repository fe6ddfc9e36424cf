package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone_DoesNotAliasPayload(t *testing.T) {
	t.Parallel()

	deletedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	orig := Record{
		Key: "w1",
		Payload: map[string]any{
			"tags":       []any{"a", "b"},
			"canvasData": map[string]any{"objects": []any{}},
		},
		DeletedAt: &deletedAt,
	}

	cp := orig.Clone()
	cp.Payload["tags"].([]any)[0] = "changed"
	cp.Payload["canvasData"].(map[string]any)["objects"] = nil
	*cp.DeletedAt = time.Time{}

	assert.Equal(t, "a", orig.Payload["tags"].([]any)[0])
	assert.NotNil(t, orig.Payload["canvasData"].(map[string]any)["objects"])
	assert.Equal(t, deletedAt, *orig.DeletedAt)
}

func TestPending(t *testing.T) {
	t.Parallel()

	assert.False(t, (&Record{}).Pending())
	assert.True(t, (&Record{Dirty: true}).Pending())
	assert.True(t, (&Record{NeedsSync: true}).Pending())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.ErrorIs(t, (&Record{}).Validate(), ErrInvalid)
	require.ErrorIs(t, (&Record{Key: "x", Deleted: true}).Validate(), ErrInvalid)

	now := time.Now()
	require.NoError(t, (&Record{Key: "x", Deleted: true, DeletedAt: &now}).Validate())
}

func TestMergePayload(t *testing.T) {
	t.Parallel()

	base := map[string]any{"name": "apple", "tags": []any{"fruit"}}
	out := MergePayload(base, map[string]any{"name": "pear"})

	assert.Equal(t, "pear", out["name"])
	assert.Equal(t, []any{"fruit"}, out["tags"])
	assert.Equal(t, "apple", base["name"])
}

func TestParseTypeAndLookup(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"world", "stickers", "background"} {
		typ, err := ParseType(in)
		require.NoError(t, err)

		d, err := Lookup(typ)
		require.NoError(t, err)
		assert.NotEmpty(t, d.Table)
		assert.NotEmpty(t, d.StoragePrefix)
	}

	_, err := ParseType("canvas")
	require.Error(t, err)

	all := All()
	require.Len(t, all, 3)
	assert.Equal(t, TypeBackgrounds, all[0].Type)
	assert.Equal(t, TypeWorlds, all[2].Type)
}
