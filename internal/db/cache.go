package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PutPrediction caches the analyzer's predicted file set for a task content
// hash against a tree digest. Re-analysis of the same pair refreshes the
// entry.
func (s *Store) PutPrediction(ctx context.Context, contentHash, treeDigest string, files []string) error {
	_, err := s.ExecContext(ctx, `
		INSERT INTO prediction_cache (content_hash, tree_digest, files, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(content_hash, tree_digest) DO UPDATE SET
			files = excluded.files,
			created_at = excluded.created_at`,
		contentHash, treeDigest, marshalStrings(files), nowUTC(),
	)
	if err != nil {
		return fmt.Errorf("put prediction: %w", err)
	}
	return nil
}

// GetPrediction returns the cached predicted files for a (content hash,
// tree digest) pair. ok is false on a miss; a cached empty set is a hit.
func (s *Store) GetPrediction(ctx context.Context, contentHash, treeDigest string) ([]string, bool, error) {
	var files string
	err := s.QueryRowContext(ctx,
		`SELECT files FROM prediction_cache WHERE content_hash = ? AND tree_digest = ?`,
		contentHash, treeDigest,
	).Scan(&files)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get prediction: %w", err)
	}
	return unmarshalStrings(files), true, nil
}
