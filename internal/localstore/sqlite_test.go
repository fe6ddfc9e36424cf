package localstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLogWriter adapts testing.T.Log to io.Writer for slog output.
type testLogWriter struct {
	t *testing.T
}

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(testLogWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func openTestKV(t *testing.T, path string) *SQLiteKV {
	t.Helper()

	kv, err := OpenSQLite(t.Context(), path, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	return kv
}

func TestSQLiteKV_GetSetDelete(t *testing.T) {
	t.Parallel()

	kv := openTestKV(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := t.Context()

	v, err := kv.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, kv.Set(ctx, "a", []byte("1")))
	require.NoError(t, kv.Set(ctx, "a", []byte("2")))

	v, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)

	require.NoError(t, kv.Delete(ctx, "a"))

	v, err = kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestSQLiteKV_Keys(t *testing.T) {
	t.Parallel()

	kv := openTestKV(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := t.Context()

	for _, k := range []string{"tinylingo_worlds_guest", "tinylingo_worlds_u1", "tinylingo_stickers_u1", "x_y"} {
		require.NoError(t, kv.Set(ctx, k, []byte("[]")))
	}

	keys, err := kv.Keys(ctx, "tinylingo_worlds_")
	require.NoError(t, err)
	assert.Equal(t, []string{"tinylingo_worlds_guest", "tinylingo_worlds_u1"}, keys)
}

func TestSQLiteKV_UpdateAbortKeepsValue(t *testing.T) {
	t.Parallel()

	kv := openTestKV(t, filepath.Join(t.TempDir(), "state.db"))
	ctx := t.Context()

	require.NoError(t, kv.Set(ctx, "k", []byte("orig")))

	err := kv.Update(ctx, "k", func(old []byte) ([]byte, error) {
		assert.Equal(t, []byte("orig"), old)
		return nil, ErrNotFound
	})
	require.ErrorIs(t, err, ErrNotFound)

	v, err := kv.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("orig"), v)
}

func TestSQLiteKV_SubscribeSeesLocalWrites(t *testing.T) {
	t.Parallel()

	kv := openTestKV(t, filepath.Join(t.TempDir(), "state.db"))

	var (
		mu  sync.Mutex
		got []KeyChange
	)

	unsub := kv.Subscribe(func(c KeyChange) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, c)
	})

	require.NoError(t, kv.Set(t.Context(), "a", []byte("1")))
	unsub()
	require.NoError(t, kv.Set(t.Context(), "b", []byte("1")))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []KeyChange{{Key: "a"}}, got)
}

func TestSQLiteKV_PollExternalSeesOtherConnection(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	daemon := openTestKV(t, path)
	cli := openTestKV(t, path)
	ctx := t.Context()

	// Nothing changed yet.
	keys, err := daemon.PollExternal(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	var external []string
	daemon.Subscribe(func(c KeyChange) {
		if c.External {
			external = append(external, c.Key)
		}
	})

	require.NoError(t, cli.Set(ctx, "tinylingo_worlds_guest", []byte("[]")))
	require.NoError(t, cli.Set(ctx, "tinylingo_stickers_guest", []byte("[]")))
	require.NoError(t, cli.Delete(ctx, "tinylingo_stickers_guest"))

	keys, err = daemon.PollExternal(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"tinylingo_worlds_guest", "tinylingo_stickers_guest"}, keys)
	assert.ElementsMatch(t, keys, external)

	// Second poll without new writes is quiet.
	keys, err = daemon.PollExternal(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	// The daemon's own writes are not reported as external.
	require.NoError(t, daemon.Set(ctx, "own", []byte("1")))
	require.NoError(t, cli.Set(ctx, "theirs", []byte("1")))

	keys, err = daemon.PollExternal(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"theirs"}, keys)
}

func TestSQLiteKV_ReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	kv, err := OpenSQLite(ctx, path, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, kv.Set(ctx, "k", []byte("v")))
	require.NoError(t, kv.Close())

	kv2 := openTestKV(t, path)

	v, err := kv2.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}
