// Package object defines the object store surface the pipeline consumes and
// provides local-filesystem and in-memory implementations.
package object

import (
	"context"
	"errors"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrPreconditionFailed is returned by a conditional put whose expected
	// version no longer matches.
	ErrPreconditionFailed = errors.New("object version precondition failed")
)

// ObjectInfo describes one listed object.
type ObjectInfo struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	// Fingerprint changes whenever the object's content changes: a content
	// hash, or the store's ETag.
	Fingerprint string    `json:"fingerprint"`
	ModTime     time.Time `json:"mod_time"`
}

// Store is a flat namespace of byte blobs.
type Store interface {
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte) error
	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, path string) error
	Scheme() string
}

// Versioned is implemented by stores that support compare-and-swap writes.
type Versioned interface {
	// GetVersioned returns the object and an opaque version token.
	GetVersioned(ctx context.Context, path string) ([]byte, string, error)
	// PutIfMatch writes data only when the object's current version equals
	// version. An empty version means the object must not exist yet.
	PutIfMatch(ctx context.Context, path string, data []byte, version string) (string, error)
}

// Filter selects which listed objects are ingestion sources.
type Filter struct {
	Suffixes        []string
	ExcludePrefixes []string
}

// DefaultFilter admits CSV files outside the bookkeeping prefixes.
func DefaultFilter() Filter {
	return Filter{
		Suffixes:        []string{".csv"},
		ExcludePrefixes: []string{"metadata/", "logs/", "staging/"},
	}
}

// Match reports whether p passes the filter.
func (f Filter) Match(p string) bool {
	for _, ex := range f.ExcludePrefixes {
		if strings.HasPrefix(p, ex) {
			return false
		}
	}
	if len(f.Suffixes) == 0 {
		return true
	}
	ext := strings.ToLower(path.Ext(p))
	for _, s := range f.Suffixes {
		if ext == strings.ToLower(s) {
			return true
		}
	}
	return false
}

// Apply returns the objects in infos that match.
func (f Filter) Apply(infos []ObjectInfo) []ObjectInfo {
	out := infos[:0:0]
	for _, info := range infos {
		if f.Match(info.Path) {
			out = append(out, info)
		}
	}
	return out
}
