package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vincentbai/traceflow-agent/internal/kv"
)

func setupTestDB(t *testing.T) (*Database, func()) {
	t.Helper()

	// Create temporary directory for test database
	tmpDir, err := os.MkdirTemp("", "traceflow-test-*")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}

	dbPath := filepath.Join(tmpDir, "test.db")
	db, err := NewDatabase(dbPath)
	if err != nil {
		os.RemoveAll(tmpDir)
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
		os.RemoveAll(tmpDir)
	}

	return db, cleanup
}

func TestNewDatabase(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	if db == nil {
		t.Fatal("Expected non-nil database")
	}
	if db.db == nil {
		t.Fatal("Expected non-nil sql.DB")
	}
}

func TestGetMissingKey(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	_, err := db.Get(context.Background(), "missing")
	if !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Get() error = %v, want kv.ErrNotFound", err)
	}
}

func TestSetAndGet(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	tests := []struct {
		name  string
		value []byte
	}{
		{name: "json array", value: []byte(`[{"sessionId":"a"}]`)},
		{name: "binary", value: []byte{0x00, 0xff, 0x10}},
		{name: "empty", value: []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := db.Set(ctx, tt.name, tt.value); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			got, err := db.Get(ctx, tt.name)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if string(got) != string(tt.value) {
				t.Errorf("Get() = %v, want %v", got, tt.value)
			}
		})
	}
}

func TestSetOverwrites(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	db.now = func() time.Time { return time.UnixMilli(1000) }
	if err := db.Set(ctx, "k", []byte("one")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	db.now = func() time.Time { return time.UnixMilli(2000) }
	if err := db.Set(ctx, "k", []byte("two")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, _ := db.Get(ctx, "k")
	if string(got) != "two" {
		t.Errorf("Expected overwritten value, got %q", got)
	}

	var count int
	if err := db.db.QueryRow("SELECT COUNT(*) FROM kv_store").Scan(&count); err != nil {
		t.Fatalf("Failed to query count: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected 1 row, got %d", count)
	}

	var updated int64
	if err := db.db.QueryRow("SELECT updated_at FROM kv_store WHERE key = ?", "k").Scan(&updated); err != nil {
		t.Fatalf("Failed to query updated_at: %v", err)
	}
	if updated != 2000 {
		t.Errorf("Expected updated_at 2000, got %d", updated)
	}
}

func TestDelete(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	if err := db.Set(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := db.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := db.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Errorf("Expected key to be gone, got err = %v", err)
	}
	if err := db.Delete(ctx, "k"); err != nil {
		t.Errorf("Delete(missing) error = %v", err)
	}
}

func TestValuesSurviveReopen(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")
	ctx := context.Background()

	db, err := NewDatabase(dbPath)
	if err != nil {
		t.Fatalf("NewDatabase() error = %v", err)
	}
	if err := db.Set(ctx, "k", []byte("persisted")); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	db.Close()

	reopened, err := NewDatabase(dbPath)
	if err != nil {
		t.Fatalf("NewDatabase() reopen error = %v", err)
	}
	defer reopened.Close()

	got, err := reopened.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != "persisted" {
		t.Errorf("Expected persisted value, got %q", got)
	}
}

func TestDatabaseClose(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.Close()
	if err != nil {
		t.Errorf("Failed to close database: %v", err)
	}
}
