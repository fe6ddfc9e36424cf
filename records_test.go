package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPayload_Set(t *testing.T) {
	t.Parallel()

	p, err := buildPayload([]string{"name=Zoo", "order=3", "tags=[\"a\",\"b\"]", "note=a=b"}, "", nil)
	require.NoError(t, err)

	assert.Equal(t, "Zoo", p["name"])
	assert.InDelta(t, 3, p["order"], 0)
	assert.Equal(t, []any{"a", "b"}, p["tags"])
	assert.Equal(t, "a=b", p["note"])
}

func TestBuildPayload_JSON(t *testing.T) {
	t.Parallel()

	p, err := buildPayload(nil, `{"name":"Beach"}`, nil)
	require.NoError(t, err)
	assert.Equal(t, "Beach", p["name"])

	p, err = buildPayload(nil, "-", strings.NewReader(`{"name":"Forest"}`))
	require.NoError(t, err)
	assert.Equal(t, "Forest", p["name"])

	_, err = buildPayload(nil, `["not","an","object"]`, nil)
	assert.ErrorContains(t, err, "JSON object")
}

func TestBuildPayload_Errors(t *testing.T) {
	t.Parallel()

	_, err := buildPayload(nil, "", nil)
	assert.ErrorContains(t, err, "nothing to set")

	_, err = buildPayload([]string{"novalue"}, "", nil)
	assert.ErrorContains(t, err, "want field=value")

	_, err = buildPayload([]string{"=x"}, "", nil)
	assert.Error(t, err)
}

func TestReadPassword(t *testing.T) {
	t.Parallel()

	pw, err := readPassword(strings.NewReader("s3cret\r\nignored\n"))
	require.NoError(t, err)
	assert.Equal(t, "s3cret", pw)

	pw, err = readPassword(strings.NewReader("no-newline"))
	require.NoError(t, err)
	assert.Equal(t, "no-newline", pw)

	_, err = readPassword(strings.NewReader("\n"))
	assert.Error(t, err)
}

func decodeLs(t *testing.T, out string) map[string]lsEntry {
	t.Helper()

	var entries []lsEntry
	require.NoError(t, json.Unmarshal([]byte(out), &entries))

	m := make(map[string]lsEntry, len(entries))
	for _, e := range entries {
		m[e.Key] = e
	}

	return m
}

func TestCLI_LocalRecordLifecycle(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	out, err := runCLI(t, dir, "put", "world", "w1", "--set", "name=Zoo")
	require.NoError(t, err)
	assert.Equal(t, "w1\n", out)

	_, err = runCLI(t, dir, "put", "worlds", "w2", "--json", `{"name":"Farm"}`)
	require.NoError(t, err)

	out, err = runCLI(t, dir, "--json", "ls", "worlds")
	require.NoError(t, err)

	got := decodeLs(t, out)
	require.Len(t, got, 2)
	assert.Equal(t, "pending", got["w1"].State)
	assert.Equal(t, "Zoo", got["w1"].Payload["name"])

	_, err = runCLI(t, dir, "rm", "worlds", "w1")
	require.NoError(t, err)

	out, err = runCLI(t, dir, "--json", "ls", "worlds")
	require.NoError(t, err)
	assert.NotContains(t, decodeLs(t, out), "w1")

	out, err = runCLI(t, dir, "--json", "ls", "worlds", "--deleted")
	require.NoError(t, err)

	deleted := decodeLs(t, out)
	require.Contains(t, deleted, "w1")
	assert.Equal(t, "deleted*", deleted["w1"].State)

	_, err = runCLI(t, dir, "restore", "worlds", "w1")
	require.NoError(t, err)

	out, err = runCLI(t, dir, "--json", "ls", "worlds")
	require.NoError(t, err)
	assert.Contains(t, decodeLs(t, out), "w1")

	_, err = runCLI(t, dir, "rm", "worlds", "missing")
	assert.ErrorContains(t, err, "1 of 1 records not found")

	_, err = runCLI(t, dir, "mark", "worlds")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "tinysync.db"))
	assert.NoError(t, err)
}

func TestCLI_PutGeneratesKey(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	out, err := runCLI(t, dir, "put", "stickers", "--set", "name=Apple", "--set", "style=cartoon")
	require.NoError(t, err)

	key := strings.TrimSpace(out)
	assert.NotEmpty(t, key)

	// Same content resolves to the same sticker.
	out, err = runCLI(t, dir, "put", "stickers", "--set", "name=Apple", "--set", "style=cartoon")
	require.NoError(t, err)
	assert.Equal(t, key, strings.TrimSpace(out))
}

func TestCLI_PutWithNewKeyUpdatesMatchingSticker(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	_, err := runCLI(t, dir, "put", "stickers", "s1", "--set", "name=Apple", "--set", "style=cartoon")
	require.NoError(t, err)

	out, err := runCLI(t, dir, "put", "stickers", "s2", "--set", "name=apple ", "--set", "style=cartoon", "--set", "cn=苹果")
	require.NoError(t, err)
	assert.Equal(t, "s1", strings.TrimSpace(out), "the existing key is reported")

	out, err = runCLI(t, dir, "ls", "stickers")
	require.NoError(t, err)
	assert.Contains(t, out, "s1")
	assert.NotContains(t, out, "s2")
}

func TestCLI_UnknownType(t *testing.T) {
	clearEnv(t)

	_, err := runCLI(t, t.TempDir(), "ls", "planets")
	assert.ErrorContains(t, err, "unknown type")
}

func TestCLI_RemoteCommandsNeedRemote(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	for _, args := range [][]string{
		{"sync"},
		{"claim"},
		{"purge", "worlds", "w1"},
		{"trash", "empty"},
	} {
		_, err := runCLI(t, dir, args...)
		assert.ErrorIs(t, err, errRemoteNotConfigured, strings.Join(args, " "))
	}

	_, err := runCLI(t, dir, "login", "--email", "a@example.com")
	assert.ErrorIs(t, err, errAuthNotConfigured)
}

func TestCLI_TrashEmptyRejectsNonPositive(t *testing.T) {
	clearEnv(t)

	_, err := runCLI(t, t.TempDir(), "trash", "empty", "--older-than", "0s")
	assert.ErrorContains(t, err, "must be positive")
}
