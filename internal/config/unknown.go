package config

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each config section.
var knownKeys = map[string][]string{
	"remote":  {"anon_key", "database_url", "project_url", "realtime"},
	"storage": {"background_bucket", "sticker_bucket", "world_bucket"},
	"sync": {
		"auth_timeout", "interval", "max_retries", "probe_interval",
		"pull_overlap", "retry_delay", "stale_after", "trash_retention",
	},
	"logging": {"log_file", "log_format", "log_level"},
	"state":   {"data_dir"},
}

// knownSections is the sorted list of section names for Levenshtein
// matching. Sorted for deterministic suggestions when two candidates have
// the same edit distance.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for name := range knownKeys {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	var errs []error

	// An unknown table reports once even though its children are also
	// undecoded.
	seen := make(map[string]bool)

	for _, key := range undecoded {
		err := unknownKeyError(key)
		if err == nil || seen[err.Error()] {
			continue
		}

		seen[err.Error()] = true
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key. A bare table header for a
// known section whose children are reported separately yields nil.
func unknownKeyError(key toml.Key) error {
	section := key[0]

	known, ok := knownKeys[section]
	if !ok {
		if len(key) == 1 {
			if owner := sectionOf(section); owner != "" {
				return fmt.Errorf("config key %q must be set in the [%s] section", section, owner)
			}
		}

		if suggestion := closestMatch(section, knownSections); suggestion != "" {
			return fmt.Errorf("unknown config section [%s]: did you mean [%s]?", section, suggestion)
		}

		return fmt.Errorf("unknown config section [%s]", section)
	}

	if len(key) < 2 {
		return nil
	}

	field := key[1]

	if suggestion := closestMatch(field, known); suggestion != "" {
		return fmt.Errorf("unknown config key %q in [%s]: did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// sectionOf returns the section that owns key, or "" if none does.
func sectionOf(key string) string {
	for _, section := range knownSections {
		if slices.Contains(knownKeys[section], key) {
			return section
		}
	}

	return ""
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	// Use single-row optimization to avoid allocating a full matrix.
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = minOf(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// minOf returns the minimum of three integers.
func minOf(a, b, c int) int {
	m := a
	if b < m {
		m = b
	}

	if c < m {
		m = c
	}

	return m
}
