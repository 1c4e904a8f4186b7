package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureParentDir(t *testing.T) {
	root := t.TempDir()

	nested := filepath.Join(root, "data", "db", "trades.db")
	if err := ensureParentDir(nested); err != nil {
		t.Fatalf("nested: %v", err)
	}
	if fi, err := os.Stat(filepath.Dir(nested)); err != nil || !fi.IsDir() {
		t.Fatalf("directory not created: %v", err)
	}
	if err := ensureParentDir("trades.db"); err != nil {
		t.Errorf("bare file name: %v", err)
	}

	blocker := filepath.Join(root, "file")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := ensureParentDir(filepath.Join(blocker, "trades.db")); err == nil {
		t.Error("expected error when parent is a regular file")
	}
}
