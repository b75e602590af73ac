package secret

import "strings"

// Mask hides most of a secret so it can appear in logs.
// Secrets up to 5 characters are fully masked, up to 20 keep the first and
// last character, and longer ones keep the first 3 and the last character.
func Mask(s string) string {
	n := len(s)
	switch {
	case n == 0:
		return ""
	case n <= 5:
		return strings.Repeat("*", n)
	case n <= 20:
		return s[:1] + strings.Repeat("*", n-2) + s[n-1:]
	default:
		return s[:3] + strings.Repeat("*", n-4) + s[n-1:]
	}
}
