package config

import (
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_Update(t *testing.T) {
	t.Parallel()

	first := &Resolved{Config: *DefaultConfig(), Path: "/a.toml"}
	second := &Resolved{Config: *DefaultConfig(), Path: "/b.toml"}

	h := NewHolder(first)
	assert.Same(t, first, h.Config())

	h.Update(second)
	assert.Same(t, second, h.Config())
	assert.Equal(t, "/b.toml", h.Path())
}

func TestHolder_Reload(t *testing.T) {
	path := writeTestConfig(t, "[sync]\ntrash_retention = \"48h\"\n")
	dataDir := t.TempDir()
	cli := CLIOverrides{ConfigPath: path, DataDir: &dataDir}

	initial, err := Resolve(EnvOverrides{}, cli)
	require.NoError(t, err)

	h := NewHolder(initial)

	require.NoError(t, os.WriteFile(path, []byte("[sync]\ntrash_retention = \"24h\"\n"), 0o600))

	reloaded, err := h.Reload(EnvOverrides{}, CLIOverrides{DataDir: &dataDir})
	require.NoError(t, err)
	assert.Equal(t, "24h", reloaded.Sync.TrashRetention)
	assert.Same(t, reloaded, h.Config())

	require.NoError(t, os.WriteFile(path, []byte("[sync]\ntrash_retention = \"soon\"\n"), 0o600))

	_, err = h.Reload(EnvOverrides{}, CLIOverrides{DataDir: &dataDir})
	require.Error(t, err)
	assert.Same(t, reloaded, h.Config(), "failed reload keeps the previous config")
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	t.Parallel()

	h := NewHolder(&Resolved{Config: *DefaultConfig()})

	var wg sync.WaitGroup

	for range 10 {
		wg.Add(2)

		go func() {
			defer wg.Done()
			h.Update(&Resolved{Config: *DefaultConfig()})
		}()

		go func() {
			defer wg.Done()
			assert.NotNil(t, h.Config())
		}()
	}

	wg.Wait()
}
