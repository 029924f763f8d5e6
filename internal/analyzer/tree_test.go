package analyzer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, paths ...string) {
	t.Helper()
	for _, p := range paths {
		full := filepath.Join(root, filepath.FromSlash(p))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte("x"), 0o644))
	}
}

func TestTreeListing(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		"main.go",
		"src/api/handler.go",
		"src/api/handler_test.go",
		".git/HEAD",
		".swarm-project.yaml",
		"docs/.hidden/notes.md",
	)

	listing, truncated, err := TreeListing(root, TreeCap)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Equal(t, []string{
		"main.go",
		"src/api/handler.go",
		"src/api/handler_test.go",
	}, listing, "dot entries skipped, slash paths, depth-first order")
}

func TestTreeListingTruncates(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.txt", "b.txt", "c.txt", "d.txt")

	listing, truncated, err := TreeListing(root, 2)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, listing, 2)
}

func TestTreeDigest(t *testing.T) {
	a := TreeDigest([]string{"b.go", "a.go"})
	b := TreeDigest([]string{"a.go", "b.go"})
	assert.Equal(t, a, b, "digest is order-insensitive")
	assert.Len(t, a, 64)

	c := TreeDigest([]string{"a.go", "b.go", "c.go"})
	assert.NotEqual(t, a, c, "tree change invalidates the digest")
}
