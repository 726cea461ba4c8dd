package util

import "unicode/utf8"

// TruncateStringToMaxLength caps s at maxChars runes. Truncated strings end
// in "..." when maxChars leaves room for the ellipsis, so stored error text
// stays both bounded and recognisably cut short.
func TruncateStringToMaxLength(s string, maxChars int) string {
	if utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	runes := []rune(s)
	if maxChars <= 3 {
		return string(runes[:maxChars])
	}
	return string(runes[:maxChars-3]) + "..."
}
