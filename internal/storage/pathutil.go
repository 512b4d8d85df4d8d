package storage

import (
	"regexp"
	"strings"
)

var unsafeSegment = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeSegment turns a chart id into a single filesystem-safe path segment.
func SafeSegment(id string) string {
	s := unsafeSegment.ReplaceAllString(strings.TrimSpace(id), "_")
	s = strings.Trim(s, "._")
	if s == "" {
		return "unnamed"
	}
	return s
}
