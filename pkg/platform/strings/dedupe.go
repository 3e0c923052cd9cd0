// Package strings provides string manipulation utilities.
package strings

import (
	"strings"
)

// DedupeAndTrim removes duplicates and empty strings from a slice,
// trimming whitespace from each element. Order is preserved.
//
// Example:
//
//	DedupeAndTrim([]string{"  foo ", "bar", "foo", "", "  "})
//	// Returns: []string{"foo", "bar"}
func DedupeAndTrim(values []string) []string {
	if len(values) == 0 {
		return values
	}

	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))

	for _, v := range values {
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; !ok {
			seen[trimmed] = struct{}{}
			result = append(result, trimmed)
		}
	}

	return result
}

// Duplicates returns every value that occurs more than once, each reported a
// single time in order of its second occurrence. Values are compared exactly.
//
// Example:
//
//	Duplicates([]string{"a", "b", "a", "c", "b", "a"})
//	// Returns: []string{"a", "b"}
func Duplicates(values []string) []string {
	seen := make(map[string]int, len(values))
	var result []string
	for _, v := range values {
		seen[v]++
		if seen[v] == 2 {
			result = append(result, v)
		}
	}
	return result
}
