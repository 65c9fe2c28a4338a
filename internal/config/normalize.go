package config

import (
	"regexp"
	"strings"
)

var (
	validChannelIDRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)
	invalidChars     = regexp.MustCompile(`[^a-z0-9_-]+`)
	edgeDashes       = regexp.MustCompile(`^-+|-+$`)
)

// ValidChannelID reports whether id is already in canonical form: lowercase,
// starts with a letter or digit, only [a-z0-9_-], at most 64 chars.
func ValidChannelID(id string) bool {
	return validChannelIDRe.MatchString(id)
}

// NormalizeChannelID converts a user-provided name into a canonical channel
// ID. Invalid characters collapse to "-", edge dashes are stripped and the
// result is truncated to 64 chars. An empty result returns "".
func NormalizeChannelID(name string) string {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return ""
	}

	lower := strings.ToLower(trimmed)
	if validChannelIDRe.MatchString(lower) {
		return lower
	}

	result := invalidChars.ReplaceAllString(lower, "-")
	result = edgeDashes.ReplaceAllString(result, "")
	if len(result) > 64 {
		result = result[:64]
	}
	return result
}
