package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_UnknownKey_TypoInSection(t *testing.T) {
	path := writeTestConfig(t, "[sync]\nintervl = \"1m\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "intervl" in [sync]: did you mean "interval"?`)
}

func TestLoad_UnknownKey_TopLevelBelongsInSection(t *testing.T) {
	path := writeTestConfig(t, "log_level = \"debug\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `must be set in the [logging] section`)
}

func TestLoad_UnknownSection(t *testing.T) {
	path := writeTestConfig(t, "[storag]\nworld_bucket = \"w\"\nsticker_bucket = \"s\"\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown config section [storag]: did you mean [storage]?")
	assert.Equal(t, 1, strings.Count(err.Error(), "[storag]"), "reported once")
}

func TestLoad_UnknownKey_NoSuggestion(t *testing.T) {
	path := writeTestConfig(t, "[remote]\ncompletely_unrelated = 1\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown config key "completely_unrelated" in [remote]`)
	assert.NotContains(t, err.Error(), "did you mean")
}

func TestLevenshtein(t *testing.T) {
	t.Parallel()

	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"interval", "intervl", 1},
		{"same", "same", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, levenshtein(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestClosestMatch(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "retry_delay", closestMatch("retry_dealy", knownKeys["sync"]))
	assert.Empty(t, closestMatch("zzzzzzzzzz", knownKeys["sync"]))
}
