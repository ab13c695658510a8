package utils

import (
	"strings"
)

// Dedup removes duplicate URLs, ignoring a trailing slash. Order of first appearance is kept.
func Dedup(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range in {
		e = strings.TrimRight(strings.TrimSpace(e), "/")
		if e == "" {
			continue
		}
		if !seen[e] {
			seen[e] = true
			out = append(out, e)
		}
	}
	return out
}

// SaturatingAdd returns a+b, clamped at the maximum uint64.
func SaturatingAdd(a, b uint64) uint64 {
	if s := a + b; s >= a {
		return s
	}
	return ^uint64(0)
}

// AbsDiff returns |a-b| and whether a is greater than b.
func AbsDiff(a, b uint64) (uint64, bool) {
	if a >= b {
		return a - b, true
	}
	return b - a, false
}
