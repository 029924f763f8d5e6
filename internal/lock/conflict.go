// Package lock implements the file-lock conflict rule used by the
// coordination store when it assigns tasks to workers.
//
// Predicted file sets are glob patterns, and the rule is deliberately
// conservative: two patterns conflict whenever they could plausibly match a
// common path. Safety wins over parallelism here; a false conflict only
// delays a task by one scheduling tick.
package lock

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Conflicts reports whether two glob patterns may match a common path.
//
// The rule: patterns conflict iff they are textually equal, either one is a
// bare "*" or "**", or the directory prefix of one up to its first wildcard
// is a path-prefix of the other's.
func Conflicts(a, b string) bool {
	a = normalize(a)
	b = normalize(b)

	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if a == "*" || a == "**" || b == "*" || b == "**" {
		return true
	}

	pa := PrefixUpToWildcard(a)
	pb := PrefixUpToWildcard(b)
	return isPathPrefix(pa, pb) || isPathPrefix(pb, pa)
}

// ConflictsWithAny reports whether pattern conflicts with any pattern in held.
func ConflictsWithAny(pattern string, held []string) bool {
	for _, h := range held {
		if Conflicts(pattern, h) {
			return true
		}
	}
	return false
}

// SetsConflict reports whether any pattern in want conflicts with any in
// held. Empty sets conflict with nothing: a task without predictions runs
// in parallel with everything.
func SetsConflict(want, held []string) bool {
	for _, w := range want {
		if ConflictsWithAny(w, held) {
			return true
		}
	}
	return false
}

// PrefixUpToWildcard returns the path prefix of pattern before its first
// wildcard component. "src/api/*.go" yields "src/api", "src/**/x" yields
// "src", and a wildcard-free pattern yields itself.
func PrefixUpToWildcard(pattern string) string {
	idx := strings.IndexAny(pattern, "*?[{")
	if idx < 0 {
		return strings.TrimSuffix(pattern, "/")
	}
	prefix := pattern[:idx]
	if slash := strings.LastIndexByte(prefix, '/'); slash >= 0 {
		return prefix[:slash]
	}
	// Wildcard in the first component: the prefix is the tree root.
	return ""
}

// isPathPrefix reports whether a is a path-component prefix of b.
// The empty prefix (tree root) is a prefix of everything.
func isPathPrefix(a, b string) bool {
	if a == "" {
		return true
	}
	if a == b {
		return true
	}
	return strings.HasPrefix(b, a+"/")
}

// normalize strips leading "./" and surrounding whitespace so that
// textual comparison is meaningful.
func normalize(pattern string) string {
	p := strings.TrimSpace(pattern)
	p = strings.TrimPrefix(p, "./")
	return strings.TrimSuffix(p, "/")
}

// ValidPattern reports whether pattern is a well-formed glob. The analyzer
// drops malformed patterns at prediction time so the store never holds one.
func ValidPattern(pattern string) bool {
	if strings.TrimSpace(pattern) == "" {
		return false
	}
	return doublestar.ValidatePattern(pattern)
}

// Matches reports whether path matches pattern, treating a wildcard-free
// pattern as a literal path or directory prefix. Used when reconciling the
// files a task actually touched against its predictions.
func Matches(pattern, path string) bool {
	pattern = normalize(pattern)
	path = normalize(path)
	if pattern == "" {
		return false
	}
	if !strings.ContainsAny(pattern, "*?[{") {
		return pattern == path || strings.HasPrefix(path, pattern+"/")
	}
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}
