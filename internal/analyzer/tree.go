package analyzer

import (
	"crypto/sha256"
	"encoding/hex"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// TreeCap bounds the source-tree listing included in prediction prompts.
// Beyond it the listing is cut and the prompt says so.
const TreeCap = 200

// TreeListing walks root depth-first and returns up to limit relative file
// paths in slash form. Dot-entries (.git and friends) are skipped entirely.
// The second return reports whether the limit cut the listing short.
func TreeListing(root string, limit int) ([]string, bool, error) {
	var listing []string
	truncated := false

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if len(listing) >= limit {
			truncated = true
			return filepath.SkipAll
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		listing = append(listing, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return listing, truncated, nil
}

// TreeDigest returns the SHA-256 of the sorted listing. Prediction cache
// entries are keyed on it so a changed tree invalidates old predictions.
func TreeDigest(listing []string) string {
	sorted := make([]string, len(listing))
	copy(sorted, listing)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\n")))
	return hex.EncodeToString(sum[:])
}
