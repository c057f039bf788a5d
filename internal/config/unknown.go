package config

import (
	"errors"
	"fmt"
	"sort"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys per section. The "" section holds the flat
// top-level keys.
var knownKeys = map[string]map[string]bool{
	"": {"api_base_url": true},
	"auth": {
		"login_path": true, "refresh_path": true, "logout_path": true, "refresh_lookahead": true,
	},
	"stream": {
		"transport": true, "job_stream_path": true, "queue_events_path": true,
		"default_queue": true, "event_log_size": true, "feed_log_size": true,
	},
	"storage": {"backend": true, "path": true},
	"logging": {"log_level": true, "log_format": true},
	"network": {"connect_timeout": true, "data_timeout": true, "user_agent": true},
	"metrics": {"listen": true},
}

// sortedKeys returns the keys of m in sorted order, for deterministic
// suggestions when two candidates have the same edit distance.
func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	return keys
}

// topLevelNames is every valid first key component: flat keys and sections.
var topLevelNames = func() []string {
	names := sortedKeys(knownKeys[""])

	for section := range knownKeys {
		if section != "" {
			names = append(names, section)
		}
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		err := unknownKeyError(key)
		if err == nil || reported[err.Error()] {
			continue
		}

		reported[err.Error()] = true

		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// unknownKeyError describes one undecoded key, suggesting the closest known
// key in the same section.
func unknownKeyError(key toml.Key) error {
	if len(key) == 0 {
		return nil
	}

	section := key[0]

	fields, isSection := knownKeys[section]
	if !isSection || section == "" || len(key) == 1 {
		if suggestion := closestMatch(section, topLevelNames); suggestion != "" {
			return fmt.Errorf("unknown config key %q — did you mean %q?", section, suggestion)
		}

		return fmt.Errorf("unknown config key %q", section)
	}

	field := key[1]
	if suggestion := closestMatch(field, sortedKeys(fields)); suggestion != "" {
		return fmt.Errorf("unknown key %q in [%s] — did you mean %q?", field, section, suggestion)
	}

	return fmt.Errorf("unknown key %q in [%s]", field, section)
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

	// Single-row optimization avoids allocating a full matrix.
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

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
