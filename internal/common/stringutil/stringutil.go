// Package stringutil provides small string helpers shared across packages.
package stringutil

// Truncate returns at most maxLen leading bytes of s.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// Ellipsize truncates s to maxLen bytes, replacing the tail with "..." when
// anything was cut. Diagnostic strings persisted to the store or attached to
// errors go through this so a single failure cannot bloat a record.
func Ellipsize(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	return s[:maxLen-3] + "..."
}
