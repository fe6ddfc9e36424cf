package config

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEffective_RedactsSecrets(t *testing.T) {
	t.Parallel()

	r := &Resolved{Config: *DefaultConfig(), Path: "/etc/tinysync.toml"}
	r.Remote.DatabaseURL = "postgres://app:hunter2@db:5432/postgres"
	r.Remote.AnonKey = "anon-secret"
	r.State.DataDir = "/data"

	var buf bytes.Buffer
	require.NoError(t, RenderEffective(r, &buf))

	out := buf.String()
	assert.Contains(t, out, "# Effective configuration (file: /etc/tinysync.toml)")
	assert.Contains(t, out, "[storage]")
	assert.Contains(t, out, `interval        = "30s"`)
	assert.Contains(t, out, "app:********@db:5432")
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "anon-secret")
	assert.Contains(t, out, `data_dir = "/data"`)
}

func TestRedactURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "", redactURL(""))
	assert.Equal(t, "postgres://app@db/x", redactURL("postgres://app@db/x"))
}
