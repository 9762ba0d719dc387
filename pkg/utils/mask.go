package utils

import "strings"

// MaskSensitiveString hides the middle of a credential so it can appear in
// logs and API responses. Short values are masked entirely.
func MaskSensitiveString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 4) + s[len(s)-4:]
}
