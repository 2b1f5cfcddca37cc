package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store persists synced file content on disk, namespaced by connection id.
type Store struct {
	root string
}

// NewStore creates a blob store rooted at the given directory.
func NewStore(root string) (*Store, error) {
	if root == "" {
		return nil, errors.New("blob root must not be empty")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &Store{root: root}, nil
}

// Save writes data under <root>/<connectionID>/<fileID> and returns the
// stored path. An existing blob at the same path is replaced.
func (s *Store) Save(connectionID, fileID string, data []byte) (string, error) {
	name, err := safeSegment(fileID)
	if err != nil {
		return "", err
	}
	connDir, err := safeSegment(connectionID)
	if err != nil {
		return "", err
	}

	dir := filepath.Join(s.root, connDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	path := filepath.Join(dir, name)
	// Write to a temp file and rename so a crash never leaves a torn blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	return path, nil
}

// Remove deletes a stored blob. Removing a missing blob is a no-op.
func (s *Store) Remove(path string) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve blob path: %w", err)
	}
	rootAbs, err := filepath.Abs(s.root)
	if err != nil {
		return fmt.Errorf("failed to resolve blob root: %w", err)
	}
	if !strings.HasPrefix(abs, rootAbs+string(os.PathSeparator)) {
		return fmt.Errorf("path %q escapes blob root", path)
	}
	if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// safeSegment rejects ids that could traverse out of the store.
func safeSegment(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty path segment")
	}
	if strings.ContainsAny(raw, "/\\") || raw == "." || raw == ".." {
		return "", fmt.Errorf("invalid path segment %q", raw)
	}
	return raw, nil
}
