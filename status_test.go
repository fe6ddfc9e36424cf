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

func TestCLI_StatusCountsPerType(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	_, err := runCLI(t, dir, "put", "backgrounds", "b1", "--set", "name=Beach")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "put", "backgrounds", "b2", "--set", "name=Forest")
	require.NoError(t, err)
	_, err = runCLI(t, dir, "rm", "backgrounds", "b2")
	require.NoError(t, err)

	out, err := runCLI(t, dir, "--json", "status")
	require.NoError(t, err)

	var st statusOutput
	require.NoError(t, json.Unmarshal([]byte(out), &st))

	assert.Equal(t, "anonymous", st.Kind)
	assert.True(t, strings.HasPrefix(st.Identity, "anon-"))
	assert.False(t, st.Remote)
	require.Len(t, st.Types, 3)

	for _, ts := range st.Types {
		if ts.Type != "backgrounds" {
			assert.Zero(t, ts.Live+ts.Deleted, ts.Type)
			continue
		}

		assert.Equal(t, 1, ts.Live)
		assert.Equal(t, 1, ts.Deleted)
		assert.Equal(t, 2, ts.Pending)
		assert.Nil(t, ts.LastSyncAt)
	}
}

func TestCLI_WhoamiKeepsAnonymousID(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	first, err := runCLI(t, dir, "--json", "whoami")
	require.NoError(t, err)

	second, err := runCLI(t, dir, "--json", "whoami")
	require.NoError(t, err)

	var a, b whoamiOutput
	require.NoError(t, json.Unmarshal([]byte(first), &a))
	require.NoError(t, json.Unmarshal([]byte(second), &b))

	assert.Equal(t, "anonymous", a.Kind)
	assert.Equal(t, a.ID, b.ID, "anonymous id persists across runs")
}

func TestCLI_ConfigInitAndShow(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()

	_, err := runCLI(t, dir, "config", "init")
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "config.toml"))
	require.NoError(t, err)

	_, err = runCLI(t, dir, "config", "init")
	assert.ErrorContains(t, err, "already exists")

	out, err := runCLI(t, dir, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "# Effective configuration (file: "+filepath.Join(dir, "config.toml")+")")
	assert.Contains(t, out, `data_dir = "`+dir+`"`)
}

func TestCLI_ConfigReloadWithoutWatcher(t *testing.T) {
	clearEnv(t)

	_, err := runCLI(t, t.TempDir(), "config", "reload")
	assert.ErrorContains(t, err, "no running daemon")
}
