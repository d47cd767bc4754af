package service

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// PathValidator confines document paths to the configured directory
type PathValidator struct {
	directory   string
	maxFileSize int64
}

// NewPathValidator creates a validator for documents under directory
func NewPathValidator(directory string, maxFileSize int64) (*PathValidator, error) {
	if directory == "" {
		return nil, fmt.Errorf("configured directory cannot be empty")
	}
	abs, err := filepath.Abs(directory)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve configured directory: %w", err)
	}
	return &PathValidator{directory: filepath.Clean(abs), maxFileSize: maxFileSize}, nil
}

// Directory returns the sandbox root
func (v *PathValidator) Directory() string {
	return v.directory
}

// Normalize returns the absolute path of a document. Relative paths are taken from the
// sandbox root and the result must stay inside it, symlinks included.
func (v *PathValidator) Normalize(path string) (string, error) {
	path = strings.ReplaceAll(path, "\x00", "")
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path cannot be empty")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(v.directory, path)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	abs = filepath.Clean(abs)

	if !v.within(abs) {
		return "", fmt.Errorf("path is outside configured directory: %s", path)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil && !v.within(resolved) {
		return "", fmt.Errorf("path resolves outside configured directory: %s", path)
	}
	return abs, nil
}

// within reports whether an absolute path lies under the sandbox root, comparing against
// both the literal and the symlink-resolved root
func (v *PathValidator) within(path string) bool {
	roots := []string{v.directory}
	if resolved, err := filepath.EvalSymlinks(v.directory); err == nil && resolved != v.directory {
		roots = append(roots, resolved)
	}
	for _, root := range roots {
		if path == root {
			return true
		}
		prefix := root
		if !strings.HasSuffix(prefix, string(filepath.Separator)) {
			prefix += string(filepath.Separator)
		}
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// ValidateDocument normalizes the path and checks that it names a readable PDF within the
// size limit
func (v *PathValidator) ValidateDocument(path string) (string, error) {
	abs, err := v.Normalize(path)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if os.IsNotExist(err) {
		return "", fmt.Errorf("file does not exist: %s", path)
	}
	if err != nil {
		return "", fmt.Errorf("cannot access file: %w", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", path)
	}
	if !strings.HasSuffix(strings.ToLower(abs), ".pdf") {
		return "", fmt.Errorf("file is not a PDF: %s", path)
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("file is empty: %s", path)
	}
	if v.maxFileSize > 0 && info.Size() > v.maxFileSize {
		return "", fmt.Errorf("file too large: %d bytes (max: %d bytes)", info.Size(), v.maxFileSize)
	}
	return abs, nil
}
