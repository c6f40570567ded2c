package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/logflow/tableflow/pkg/storage/object"
)

// ErrVersionConflict is returned by Backend.Save when the registry changed
// since it was loaded.
var ErrVersionConflict = errors.New("registry version conflict")

// Backend stores the registry document.
type Backend interface {
	// Load returns the registry and its version. A missing registry is
	// empty with version "".
	Load(ctx context.Context) (*Registry, string, error)
	// Save writes reg if the stored version still equals version, and
	// returns the new version.
	Save(ctx context.Context, reg *Registry, version string) (string, error)
	Name() string
}

func decode(data []byte) (*Registry, error) {
	reg := newRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}
	if reg.Objects == nil {
		reg.Objects = make(map[string]*Record)
	}
	return reg, nil
}

func encode(reg *Registry) ([]byte, error) {
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode registry: %w", err)
	}
	return data, nil
}

// MemoryBackend keeps the registry in process. Documents are stored
// encoded so callers never share Record pointers.
type MemoryBackend struct {
	mu      sync.Mutex
	data    []byte
	version int
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

func (b *MemoryBackend) Name() string { return "memory" }

func (b *MemoryBackend) Load(ctx context.Context) (*Registry, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.data == nil {
		return newRegistry(), "", nil
	}
	reg, err := decode(b.data)
	if err != nil {
		return nil, "", err
	}
	return reg, strconv.Itoa(b.version), nil
}

func (b *MemoryBackend) Save(ctx context.Context, reg *Registry, version string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	current := ""
	if b.data != nil {
		current = strconv.Itoa(b.version)
	}
	if current != version {
		return "", ErrVersionConflict
	}
	data, err := encode(reg)
	if err != nil {
		return "", err
	}
	b.data = data
	b.version++
	return strconv.Itoa(b.version), nil
}

// ObjectBackend stores the registry as one JSON object, written with
// conditional puts.
type ObjectBackend struct {
	store object.Versioned
	key   string
}

// DefaultRegistryKey is where the registry lives in the source bucket.
const DefaultRegistryKey = "metadata/ingestion_registry.json"

// NewObjectBackend stores the registry at key.
func NewObjectBackend(store object.Versioned, key string) *ObjectBackend {
	if key == "" {
		key = DefaultRegistryKey
	}
	return &ObjectBackend{store: store, key: key}
}

func (b *ObjectBackend) Name() string { return "object:" + b.key }

func (b *ObjectBackend) Load(ctx context.Context) (*Registry, string, error) {
	data, version, err := b.store.GetVersioned(ctx, b.key)
	if errors.Is(err, object.ErrNotFound) {
		return newRegistry(), "", nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("load registry: %w", err)
	}
	reg, err := decode(data)
	if err != nil {
		return nil, "", err
	}
	return reg, version, nil
}

func (b *ObjectBackend) Save(ctx context.Context, reg *Registry, version string) (string, error) {
	data, err := encode(reg)
	if err != nil {
		return "", err
	}
	next, err := b.store.PutIfMatch(ctx, b.key, data, version)
	if errors.Is(err, object.ErrPreconditionFailed) {
		return "", ErrVersionConflict
	}
	if err != nil {
		return "", fmt.Errorf("save registry: %w", err)
	}
	return next, nil
}
