// Package strings holds small helpers for list-valued settings.
package strings

import (
	"strings"
)

// SplitList splits s on sep and returns the trimmed, non-empty parts with
// duplicates removed. Order of first appearance is kept.
//
//	SplitList(" k1:9092, k2:9092,,k1:9092 ", ",")
//	// []string{"k1:9092", "k2:9092"}
func SplitList(s, sep string) []string {
	parts := strings.Split(s, sep)
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
