// Package util provides small internal helpers.
package util

// SafeTruncate truncates a string to at most maxLen bytes. Used when logging
// identifiers so logs never carry full token or session material.
func SafeTruncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
