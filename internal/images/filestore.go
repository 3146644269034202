// Package images reconciles entity attachments between the device file
// cache and remote blob storage. Attachments live under a per-entity
// directory keyed by entity id; filenames are random so two photos taken
// in the same second can never collide.
package images

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/openfield/fieldsync/internal/types"
)

// FileStore is the on-device attachment cache.
type FileStore struct {
	root string
}

// NewFileStore creates a cache rooted at dir, creating it if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create image cache directory: %w", err)
	}
	return &FileStore{root: dir}, nil
}

func (s *FileStore) entityDir(entityType types.EntityType, entityID string) string {
	return filepath.Join(s.root, string(entityType), entityID)
}

// List returns the absolute paths of every cached file for the entity,
// sorted for stable ordering. A missing directory means no files.
func (s *FileStore) List(entityType types.EntityType, entityID string) ([]string, error) {
	dir := s.entityDir(entityType, entityID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list image cache: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

// Save writes r into the entity's directory under a random filename,
// keeping the given extension, and returns the absolute path.
func (s *FileStore) Save(entityType types.EntityType, entityID, ext string, r io.Reader) (string, error) {
	dir := s.entityDir(entityType, entityID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create entity image directory: %w", err)
	}

	path := filepath.Join(dir, uuid.NewString()+ext)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create image file: %w", err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("write image file: %w", err)
	}
	return path, nil
}

// Clear removes every cached file for the entity.
func (s *FileStore) Clear(entityType types.EntityType, entityID string) error {
	if err := os.RemoveAll(s.entityDir(entityType, entityID)); err != nil {
		return fmt.Errorf("clear image cache: %w", err)
	}
	return nil
}
