package worktree

import "regexp"

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// Sanitize replaces any character outside [A-Za-z0-9_-] with "_", per
// spec.md §4.A's sanitize rule for deriving worktree directory names from
// task names.
func Sanitize(name string) string {
	return unsafeChars.ReplaceAllString(name, "_")
}
