package driver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestNewDriver(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"invalid", Dialect("invalid"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			drv, err := New(tt.dialect)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if drv == nil {
				t.Error("expected driver, got nil")
			}
		})
	}
}

func TestParseDialect(t *testing.T) {
	tests := []struct {
		input   string
		want    Dialect
		wantErr bool
	}{
		{"sqlite", DialectSQLite, false},
		{"sqlite3", DialectSQLite, false},
		{"postgres", DialectPostgres, false},
		{"postgresql", DialectPostgres, false},
		{"pg", DialectPostgres, false},
		{"mysql", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseDialect(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSQLiteDriver(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "swarm.db")

	drv := NewSQLite()

	if err := drv.Open(dbPath); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	if drv.Dialect() != DialectSQLite {
		t.Errorf("Dialect() = %v, want %v", drv.Dialect(), DialectSQLite)
	}

	if drv.Placeholder(1) != "?" {
		t.Errorf("Placeholder(1) = %v, want ?", drv.Placeholder(1))
	}

	if drv.Now() != "datetime('now')" {
		t.Errorf("Now() = %v, want datetime('now')", drv.Now())
	}

	if drv.DB() == nil {
		t.Error("DB() returned nil")
	}

	ctx := context.Background()
	_, err := drv.Exec(ctx, "CREATE TABLE claims (id INTEGER PRIMARY KEY, subject TEXT)")
	if err != nil {
		t.Errorf("Exec CREATE TABLE failed: %v", err)
	}

	result, err := drv.Exec(ctx, "INSERT INTO claims (subject) VALUES (?)", "refactor parser")
	if err != nil {
		t.Errorf("Exec INSERT failed: %v", err)
	}
	id, _ := result.LastInsertId()
	if id != 1 {
		t.Errorf("LastInsertId() = %d, want 1", id)
	}

	rows, err := drv.Query(ctx, "SELECT id, subject FROM claims WHERE id = ?", 1)
	if err != nil {
		t.Errorf("Query failed: %v", err)
	}
	defer func() { _ = rows.Close() }()

	if !rows.Next() {
		t.Error("expected row, got none")
	}
	var gotID int
	var gotSubject string
	if err := rows.Scan(&gotID, &gotSubject); err != nil {
		t.Errorf("Scan failed: %v", err)
	}
	if gotID != 1 || gotSubject != "refactor parser" {
		t.Errorf("got (%d, %q), want (1, 'refactor parser')", gotID, gotSubject)
	}

	row := drv.QueryRow(ctx, "SELECT subject FROM claims WHERE id = ?", 1)
	var subject string
	if err := row.Scan(&subject); err != nil {
		t.Errorf("QueryRow Scan failed: %v", err)
	}
	if subject != "refactor parser" {
		t.Errorf("got %q, want 'refactor parser'", subject)
	}

	tx, err := drv.BeginTx(ctx, nil)
	if err != nil {
		t.Errorf("BeginTx failed: %v", err)
	}

	_, err = tx.Exec(ctx, "INSERT INTO claims (subject) VALUES (?)", "add tests")
	if err != nil {
		t.Errorf("tx.Exec failed: %v", err)
	}

	if err := tx.Commit(); err != nil {
		t.Errorf("tx.Commit failed: %v", err)
	}

	var count int
	row = drv.QueryRow(ctx, "SELECT COUNT(*) FROM claims")
	if err := row.Scan(&count); err != nil {
		t.Errorf("count scan failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2", count)
	}

	tx2, _ := drv.BeginTx(ctx, nil)
	_, _ = tx2.Exec(ctx, "INSERT INTO claims (subject) VALUES (?)", "rollback me")
	if err := tx2.Rollback(); err != nil {
		t.Errorf("tx.Rollback failed: %v", err)
	}

	row = drv.QueryRow(ctx, "SELECT COUNT(*) FROM claims")
	if err := row.Scan(&count); err != nil {
		t.Errorf("count scan failed: %v", err)
	}
	if count != 2 {
		t.Errorf("count after rollback = %d, want 2", count)
	}
}

func TestSQLiteDriver_Close(t *testing.T) {
	drv := NewSQLite()

	// Close without Open should not error
	if err := drv.Close(); err != nil {
		t.Errorf("Close without Open failed: %v", err)
	}
}

func TestPostgresDriver_Placeholder(t *testing.T) {
	drv := NewPostgres()

	tests := []struct {
		index int
		want  string
	}{
		{1, "$1"},
		{2, "$2"},
		{10, "$10"},
	}

	for _, tt := range tests {
		got := drv.Placeholder(tt.index)
		if got != tt.want {
			t.Errorf("Placeholder(%d) = %q, want %q", tt.index, got, tt.want)
		}
	}
}

func TestPostgresDriver_Dialect(t *testing.T) {
	drv := NewPostgres()

	if drv.Dialect() != DialectPostgres {
		t.Errorf("Dialect() = %v, want %v", drv.Dialect(), DialectPostgres)
	}

	if drv.Now() != "NOW()" {
		t.Errorf("Now() = %v, want NOW()", drv.Now())
	}
}

func TestPostgresDriver_Close(t *testing.T) {
	drv := NewPostgres()

	// Close without Open should not error
	if err := drv.Close(); err != nil {
		t.Errorf("Close without Open failed: %v", err)
	}
}

func TestSQLiteMigrate(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "migrate_test.db")

	drv := NewSQLite()
	if err := drv.Open(dbPath); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	schemaDir := filepath.Join(tmpDir, "schema")
	if err := os.MkdirAll(schemaDir, 0755); err != nil {
		t.Fatalf("create schema dir: %v", err)
	}

	migration := `
		CREATE TABLE IF NOT EXISTS swarm_runs (
			id TEXT PRIMARY KEY,
			status TEXT
		);
	`
	if err := os.WriteFile(filepath.Join(schemaDir, "test_001.sql"), []byte(migration), 0644); err != nil {
		t.Fatalf("write migration: %v", err)
	}

	mockFS := &mockSchemaFS{dir: tmpDir}

	ctx := context.Background()
	if err := drv.Migrate(ctx, mockFS, "test"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	var name string
	err := drv.QueryRow(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='swarm_runs'").Scan(&name)
	if err != nil {
		t.Errorf("swarm_runs not created: %v", err)
	}

	// Run again - should be idempotent
	if err := drv.Migrate(ctx, mockFS, "test"); err != nil {
		t.Errorf("second Migrate failed: %v", err)
	}

	var applied int
	if err := drv.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Errorf("applied migrations = %d, want 1", applied)
	}
}

func TestSQLiteMigrate_AppliesInOrder(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "order_test.db")

	drv := NewSQLite()
	if err := drv.Open(dbPath); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer func() { _ = drv.Close() }()

	schemaDir := filepath.Join(tmpDir, "schema")
	if err := os.MkdirAll(schemaDir, 0755); err != nil {
		t.Fatalf("create schema dir: %v", err)
	}

	// 002 depends on the table from 001, so ordering matters.
	first := `CREATE TABLE items (id INTEGER PRIMARY KEY, label TEXT);`
	second := `ALTER TABLE items ADD COLUMN done INTEGER DEFAULT 0;`
	if err := os.WriteFile(filepath.Join(schemaDir, "test_001.sql"), []byte(first), 0644); err != nil {
		t.Fatalf("write migration 001: %v", err)
	}
	if err := os.WriteFile(filepath.Join(schemaDir, "test_002.sql"), []byte(second), 0644); err != nil {
		t.Fatalf("write migration 002: %v", err)
	}

	mockFS := &mockSchemaFS{dir: tmpDir}

	ctx := context.Background()
	if err := drv.Migrate(ctx, mockFS, "test"); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	if _, err := drv.Exec(ctx, "INSERT INTO items (label, done) VALUES (?, ?)", "x", 1); err != nil {
		t.Errorf("insert with migrated column failed: %v", err)
	}

	var versions int
	if err := drv.QueryRow(ctx, "SELECT COUNT(*) FROM _migrations").Scan(&versions); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if versions != 2 {
		t.Errorf("applied migrations = %d, want 2", versions)
	}
}

func TestExtractVersion(t *testing.T) {
	tests := []struct {
		name   string
		prefix string
		want   int
	}{
		{"swarm_001.sql", "swarm_", 1},
		{"swarm_042.sql", "swarm_", 42},
		{"test_010.sql", "test_", 10},
		{"garbage", "swarm_", 0},
	}

	for _, tt := range tests {
		if got := extractVersion(tt.name, tt.prefix); got != tt.want {
			t.Errorf("extractVersion(%q, %q) = %d, want %d", tt.name, tt.prefix, got, tt.want)
		}
	}
}

// mockSchemaFS implements SchemaFS over a real directory for testing.
type mockSchemaFS struct {
	dir string
}

func (m *mockSchemaFS) ReadDir(name string) ([]DirEntry, error) {
	entries, err := os.ReadDir(filepath.Join(m.dir, name))
	if err != nil {
		return nil, err
	}
	result := make([]DirEntry, len(entries))
	for i, e := range entries {
		result[i] = mockDirEntry{e}
	}
	return result, nil
}

func (m *mockSchemaFS) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(m.dir, name))
}

type mockDirEntry struct {
	os.DirEntry
}

func (m mockDirEntry) Name() string { return m.DirEntry.Name() }
func (m mockDirEntry) IsDir() bool  { return m.DirEntry.IsDir() }
