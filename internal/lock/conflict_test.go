package lock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConflicts(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"equal literals", "src/x.txt", "src/x.txt", true},
		{"disjoint literals", "src/a.txt", "src/b.txt", false},
		{"equal globs", "a/*", "a/*", true},
		{"disjoint dir globs", "a/*", "b/*", false},
		{"star conflicts with everything", "*", "b/*", true},
		{"doublestar conflicts with everything", "**", "docs/readme.md", true},
		{"everything conflicts with star", "cmd/main.go", "*", true},
		{"nested prefix", "src/*", "src/api/*.go", true},
		{"literal under glob dir", "src/*", "src/x.txt", true},
		{"literal outside glob dir", "lib/*", "src/x.txt", false},
		{"dir vs file within", "docs", "docs/readme.md", true},
		{"recursive glob vs sibling dir", "src/**", "test/*", false},
		{"recursive glob vs own subtree", "src/**", "src/deep/file.go", true},
		{"wildcard first component", "*.go", "cmd/main.go", true},
		{"dot-slash normalized", "./a/*", "a/*", true},
		{"trailing slash normalized", "a/", "a", true},
		{"empty never conflicts", "", "a/*", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Conflicts(tt.a, tt.b), "Conflicts(%q, %q)", tt.a, tt.b)
			// The rule is symmetric.
			assert.Equal(t, tt.want, Conflicts(tt.b, tt.a), "Conflicts(%q, %q)", tt.b, tt.a)
		})
	}
}

func TestSetsConflict(t *testing.T) {
	held := []string{"a/*", "docs/readme.md"}

	assert.True(t, SetsConflict([]string{"b/*", "a/x.go"}, held))
	assert.False(t, SetsConflict([]string{"b/*", "c/*"}, held))

	// Empty predicted sets conflict with nothing, in either position.
	assert.False(t, SetsConflict(nil, held))
	assert.False(t, SetsConflict([]string{}, held))
	assert.False(t, SetsConflict([]string{"a/*"}, nil))

	// A bare * held by anyone blocks every non-empty set.
	assert.True(t, SetsConflict([]string{"zzz/deep.txt"}, []string{"*"}))
}

func TestPrefixUpToWildcard(t *testing.T) {
	tests := []struct {
		pattern string
		want    string
	}{
		{"src/api/*.go", "src/api"},
		{"src/**/handler.go", "src"},
		{"src/x.txt", "src/x.txt"},
		{"*", ""},
		{"**", ""},
		{"*.go", ""},
		{"a/b/c?.txt", "a/b"},
		{"a/{b,c}/d", "a"},
	}

	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, PrefixUpToWildcard(tt.pattern))
		})
	}
}

func TestValidPattern(t *testing.T) {
	assert.True(t, ValidPattern("src/**/*.go"))
	assert.True(t, ValidPattern("docs/readme.md"))
	assert.False(t, ValidPattern(""))
	assert.False(t, ValidPattern("  "))
	assert.False(t, ValidPattern("src/[unclosed"))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("src/*.go", "src/main.go"))
	assert.False(t, Matches("src/*.go", "src/api/main.go"))
	assert.True(t, Matches("src/**", "src/api/main.go"))
	assert.True(t, Matches("docs", "docs/readme.md"))
	assert.True(t, Matches("docs/readme.md", "docs/readme.md"))
	assert.False(t, Matches("docs", "docs2/readme.md"))
	assert.False(t, Matches("", "anything"))
}
