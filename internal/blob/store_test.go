package blob

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_SaveAndRemove(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	path, err := store.Save("conn-1", "f-123", []byte("hello"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("blob content = %q, want hello", data)
	}
	if filepath.Base(filepath.Dir(path)) != "conn-1" {
		t.Errorf("blob path %q not namespaced by connection id", path)
	}

	if err := store.Remove(path); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("blob should be gone after Remove()")
	}

	// removing again is a no-op
	if err := store.Remove(path); err != nil {
		t.Errorf("second Remove() error = %v", err)
	}
}

func TestStore_SaveReplacesExisting(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.Save("conn-1", "f-1", []byte("old")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	path, err := store.Save("conn-1", "f-1", []byte("new"))
	if err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	data, _ := os.ReadFile(path)
	if string(data) != "new" {
		t.Errorf("blob content = %q, want new", data)
	}
}

func TestStore_RejectsTraversal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	if _, err := store.Save("conn-1", "../escape", []byte("x")); err == nil {
		t.Error("Save() should reject traversal in file id")
	}
	if _, err := store.Save("..", "f-1", []byte("x")); err == nil {
		t.Error("Save() should reject traversal in connection id")
	}
	if err := store.Remove("/etc/passwd"); err == nil {
		t.Error("Remove() should reject paths outside the root")
	}
}
