package testutil

import (
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatmerge/internal/store"
)

// NewTestDB creates a migrated SQLite archive under t.TempDir. It is closed
// when the test completes.
func NewTestDB(t *testing.T, name string) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("failed to migrate: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}
