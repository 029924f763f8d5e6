// Test helpers for packages that need a coordination store. In-memory
// stores are fast and isolated; concurrency tests that need real pool
// behavior should use NewTestStoreFile.
package db

import (
	"path/filepath"
	"testing"
)

// NewTestStore creates an in-memory coordination store with migrations
// applied. The store is closed when the test completes.
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	store, err := OpenStoreInMemory()
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

// NewTestStoreFile creates a file-backed coordination store in a temp
// directory. Use for tests exercising concurrent connections, which an
// in-memory database cannot serve.
func NewTestStoreFile(t testing.TB) *Store {
	t.Helper()

	store, err := OpenStore(filepath.Join(t.TempDir(), "swarm.db"))
	if err != nil {
		t.Fatalf("create test store: %v", err)
	}

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}
