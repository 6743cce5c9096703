package chat

import (
	"strings"
	"unicode"
)

// sanitizeName removes control characters from a display name and caps its
// rune length. Valid Unicode including emojis and CJK passes through.
func sanitizeName(s string, maxLen int) string {
	if s == "" {
		return ""
	}

	var builder strings.Builder
	builder.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if r == unicode.ReplacementChar {
			continue
		}
		builder.WriteRune(r)
	}

	result := builder.String()
	if runes := []rune(result); len(runes) > maxLen {
		result = string(runes[:maxLen])
	}
	return strings.TrimSpace(result)
}
