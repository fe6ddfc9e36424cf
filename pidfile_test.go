package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinylingo/tinysync/internal/config"
)

// watcherPIDPath returns the PID path of a data directory that does not
// exist yet.
func watcherPIDPath(t *testing.T) string {
	t.Helper()

	state := config.StateConfig{DataDir: filepath.Join(t.TempDir(), "data")}

	return state.PIDPath()
}

func TestWritePIDFile_LocksDataDirectory(t *testing.T) {
	t.Parallel()

	path := watcherPIDPath(t)

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(pidDirPermissions), info.Mode().Perm(), "data dir also holds the session file")

	pid, err := readPIDFile(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	second, err := writePIDFile(path)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.Contains(t, err.Error(), "another tinysync sync --watch is already running on this data directory")
	assert.Contains(t, err.Error(), path)

	cleanup()

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	// The lock went with the file: a new watcher can start.
	again, err := writePIDFile(path)
	require.NoError(t, err)
	again()
}

func TestWritePIDFile_EmptyPath(t *testing.T) {
	t.Parallel()

	cleanup, err := writePIDFile("")
	require.Error(t, err)
	assert.Nil(t, cleanup)
}

func TestReadPIDFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    int
		wantErr string
	}{
		{name: "valid", content: "4242\n", want: 4242},
		{name: "padded", content: "  17 \n", want: 17},
		{name: "garbage", content: "not-a-pid\n", wantErr: "invalid PID"},
		{name: "missing", wantErr: "reading PID file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			path := filepath.Join(t.TempDir(), "tinysync.pid")
			if tt.content != "" {
				require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))
			}

			pid, err := readPIDFile(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, pid)
		})
	}
}

func TestSendSIGHUP_WithoutWatcher(t *testing.T) {
	t.Parallel()

	path := watcherPIDPath(t)

	err := sendSIGHUP(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sync --watch PID file at "+path)
}

func TestSendSIGHUP_RemovesStalePIDFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "tinysync.pid")
	// PID 999999999 is almost certainly not a running process.
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	err := sendSIGHUP(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale PID file removed")

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

// Not parallel: it delivers SIGHUP to the test process.
func TestSendSIGHUP_ReachesLockedWatcher(t *testing.T) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	defer signal.Stop(sigCh)

	path := watcherPIDPath(t)

	cleanup, err := writePIDFile(path)
	require.NoError(t, err)

	defer cleanup()

	require.NoError(t, sendSIGHUP(path))

	select {
	case sig := <-sigCh:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(5 * time.Second):
		t.Fatal("SIGHUP not delivered")
	}
}
