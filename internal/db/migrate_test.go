package db

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestLoadMigrations_Ordered(t *testing.T) {
	dir := writeFiles(t, "0010_later.sql", "0002_second.sql", "0001_first.sql", "README.md", "notes_x.sql")
	got, err := loadMigrations(dir, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 migrations, got %+v", got)
	}
	for i, want := range []int{1, 2, 10} {
		if got[i].version != want {
			t.Errorf("position %d: expected version %d, got %d", i, want, got[i].version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	dir := writeFiles(t, "0001_a.sql", "1_b.sql")
	if _, err := loadMigrations(dir, zap.NewNop()); err == nil {
		t.Fatal("expected error for duplicate version")
	}
}

func TestLoadMigrations_MissingDir(t *testing.T) {
	if _, err := loadMigrations(filepath.Join(t.TempDir(), "nope"), zap.NewNop()); err == nil {
		t.Fatal("expected error for missing directory")
	}
}

func TestLoadMigrations_ShippedSchema(t *testing.T) {
	got, err := loadMigrations(filepath.Join("..", "..", "migrations"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if len(got) == 0 || got[0].version != 1 {
		t.Errorf("expected shipped migrations starting at 1, got %+v", got)
	}
}
