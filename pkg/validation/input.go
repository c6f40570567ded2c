// Package validation checks user input to the CLI and the target table
// after a merge.
package validation

import (
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	lferrors "github.com/logflow/tableflow/pkg/errors"
)

// MaxFileSize is the largest source file accepted for upload (10GB).
const MaxFileSize = 10 * 1024 * 1024 * 1024

// MaxPathLength is the maximum allowed path length.
const MaxPathLength = 4096

// MaxColumnNameLength is the maximum column name length.
const MaxColumnNameLength = 256

// ReservedPrefixes hold bookkeeping objects; uploads may not target them.
var ReservedPrefixes = []string{"metadata/", "logs/", "staging/"}

// ValidateFilePath cleans a local path and makes it absolute.
func ValidateFilePath(p string) (string, error) {
	if p == "" {
		return "", lferrors.New(lferrors.CodeValidationFailed, "empty file path")
	}
	if len(p) > MaxPathLength {
		return "", lferrors.New(lferrors.CodeValidationFailed, "path too long").
			WithContext("maxLength", MaxPathLength)
	}
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", lferrors.Wrap(err, lferrors.CodeValidationFailed, "invalid path")
	}
	return abs, nil
}

// ValidateUploadFile checks that a local file exists, is a regular CSV
// file and is not too large. It returns the cleaned absolute path.
func ValidateUploadFile(p string) (string, error) {
	clean, err := ValidateFilePath(p)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(clean)
	if os.IsNotExist(err) {
		return "", lferrors.New(lferrors.CodeValidationFailed, "file not found").WithContext("path", p)
	}
	if err != nil {
		return "", lferrors.Wrap(err, lferrors.CodeValidationFailed, "cannot access file")
	}
	if !info.Mode().IsRegular() {
		return "", lferrors.New(lferrors.CodeValidationFailed, "not a regular file").WithContext("path", p)
	}
	if info.Size() > MaxFileSize {
		return "", lferrors.New(lferrors.CodeValidationFailed, "file exceeds maximum size").
			WithContext("size", info.Size()).
			WithContext("maxSize", int64(MaxFileSize))
	}
	if !strings.EqualFold(filepath.Ext(clean), ".csv") {
		return "", lferrors.New(lferrors.CodeValidationFailed, "only .csv files are ingested").WithContext("path", p)
	}
	return clean, nil
}

// ValidateObjectKey checks a destination key in the object store.
func ValidateObjectKey(key string) error {
	if key == "" {
		return lferrors.New(lferrors.CodeValidationFailed, "empty object key")
	}
	if strings.HasPrefix(key, "/") {
		return lferrors.New(lferrors.CodeValidationFailed, "object key must be relative").WithContext("key", key)
	}
	if path.Clean(key) != key || strings.Contains(key, "..") {
		return lferrors.New(lferrors.CodeValidationFailed, "object key is not canonical").WithContext("key", key)
	}
	for _, prefix := range ReservedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return lferrors.New(lferrors.CodeValidationFailed, "object key is in a reserved prefix").
				WithContext("key", key).
				WithContext("prefix", prefix)
		}
	}
	return nil
}

// ValidateColumnName validates a column name.
func ValidateColumnName(name string) error {
	if name == "" {
		return lferrors.New(lferrors.CodeValidationFailed, "empty column name")
	}
	if len(name) > MaxColumnNameLength {
		return lferrors.New(lferrors.CodeValidationFailed, "column name too long").
			WithContext("name", TruncateString(name, 50)).
			WithContext("maxLength", MaxColumnNameLength)
	}
	if !utf8.ValidString(name) {
		return lferrors.New(lferrors.CodeValidationFailed, "column name contains invalid UTF-8")
	}
	return nil
}

// TruncateString truncates a string to maxLen, adding "..." if truncated.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return s[:maxLen-3] + "..."
}
