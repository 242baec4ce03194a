// Package storetest provides throwaway SQLite stores for package tests.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AzizBrinis/invoice-app-sub004/internal/store"
)

// New opens a migrated SQLite store in a temp directory and closes it when the test ends.
func New(t testing.TB) *store.SQLite {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	if err := st.RunMigrations(ctx); err != nil {
		t.Fatalf("migrate sqlite: %v", err)
	}
	return st
}
