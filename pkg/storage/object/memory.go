package object

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStorage is an in-process Store used by tests and dry runs.
type MemoryStorage struct {
	mu      sync.Mutex
	objects map[string]memObject
	now     func() time.Time
}

type memObject struct {
	data    []byte
	modTime time.Time
}

// NewMemoryStorage returns an empty store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{objects: make(map[string]memObject), now: time.Now}
}

func (m *MemoryStorage) Scheme() string { return "mem" }

func (m *MemoryStorage) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []ObjectInfo
	for p, o := range m.objects {
		if strings.HasPrefix(p, prefix) {
			out = append(out, ObjectInfo{Path: p, Size: int64(len(o.data)), Fingerprint: Fingerprint(o.data), ModTime: o.modTime})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryStorage) Get(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[path]
	if !ok {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	return append([]byte(nil), o.data...), nil
}

func (m *MemoryStorage) Put(ctx context.Context, path string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.objects[path] = memObject{data: append([]byte(nil), data...), modTime: m.now()}
	return nil
}

func (m *MemoryStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.objects, path)
	return nil
}

func (m *MemoryStorage) GetVersioned(ctx context.Context, path string) ([]byte, string, error) {
	data, err := m.Get(ctx, path)
	if err != nil {
		return nil, "", err
	}
	return data, Fingerprint(data), nil
}

func (m *MemoryStorage) PutIfMatch(ctx context.Context, path string, data []byte, version string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.objects[path]
	if (!ok && version != "") || (ok && Fingerprint(o.data) != version) {
		return "", ErrPreconditionFailed
	}
	m.objects[path] = memObject{data: append([]byte(nil), data...), modTime: m.now()}
	return Fingerprint(data), nil
}
