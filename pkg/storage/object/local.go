package object

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"
)

// LocalStorage implements Store and Versioned on a directory tree.
// Fingerprints are xxh3 content hashes, which also serve as versions.
type LocalStorage struct {
	root string
	mu   sync.Mutex // serialises conditional puts
}

// NewLocalStorage creates a new local filesystem storage.
func NewLocalStorage(root string) (*LocalStorage, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root path: %w", err)
	}

	if err := os.MkdirAll(absRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}

	return &LocalStorage{root: absRoot}, nil
}

// Scheme returns "file".
func (s *LocalStorage) Scheme() string {
	return "file"
}

// Root returns the absolute root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Put writes data atomically via a temp file and rename.
func (s *LocalStorage) Put(ctx context.Context, path string, data []byte) error {
	fullPath := s.fullPath(path)

	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		return fmt.Errorf("failed to commit %s: %w", path, err)
	}
	return nil
}

// Delete removes an object file.
func (s *LocalStorage) Delete(ctx context.Context, path string) error {
	err := os.Remove(s.fullPath(path))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Get reads an object.
func (s *LocalStorage) Get(ctx context.Context, path string) ([]byte, error) {
	data, err := os.ReadFile(s.fullPath(path))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// GetVersioned reads an object and its content hash.
func (s *LocalStorage) GetVersioned(ctx context.Context, path string) ([]byte, string, error) {
	data, err := s.Get(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return data, Fingerprint(data), nil
}

// PutIfMatch writes data when the current content hash equals version.
// Concurrent writers inside one process are serialised; the store does not
// protect against other processes sharing the directory.
func (s *LocalStorage) PutIfMatch(ctx context.Context, path string, data []byte, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(s.fullPath(path))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if version != "" {
			return "", ErrPreconditionFailed
		}
	case err != nil:
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	case Fingerprint(current) != version:
		return "", ErrPreconditionFailed
	}

	if err := s.Put(ctx, path, data); err != nil {
		return "", err
	}
	return Fingerprint(data), nil
}

// List lists regular files under prefix, sorted by path. Temp files left by
// interrupted puts are skipped.
func (s *LocalStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var results []ObjectInfo

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".put-") {
			return nil
		}

		relPath, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if prefix != "" && !strings.HasPrefix(relPath, prefix) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		results = append(results, ObjectInfo{
			Path:        relPath,
			Size:        info.Size(),
			Fingerprint: Fingerprint(data),
			ModTime:     info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %q: %w", prefix, err)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Path < results[j].Path
	})
	return results, nil
}

func (s *LocalStorage) fullPath(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// Fingerprint is the content hash used by local and in-memory stores.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("xxh3:%016x", xxh3.Hash(data))
}
