// Package local stores localized article assets on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local asset store.
type Config struct {
	// BaseDir is the root directory that asset paths are resolved against.
	BaseDir string
}

// BlobStore reads and writes asset files below a base directory.
type BlobStore struct {
	baseDir string
}

// New creates a filesystem-backed store, creating BaseDir when missing.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{baseDir: cfg.BaseDir}, nil
}

func (s *BlobStore) resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	cleanBaseDir := filepath.Clean(s.baseDir)
	cleanFullPath := filepath.Clean(filepath.Join(s.baseDir, path))
	if !strings.HasPrefix(cleanFullPath, cleanBaseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return cleanFullPath, nil
}

// Exists reports whether a file is present at path.
func (s *BlobStore) Exists(_ context.Context, path string) (bool, error) {
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	return !info.IsDir(), nil
}

// Find returns the first file in dir whose name starts with prefix.
func (s *BlobStore) Find(_ context.Context, dir, prefix string) (string, bool, error) {
	full, err := s.resolve(dir)
	if err != nil {
		return "", false, err
	}
	entries, err := os.ReadDir(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read dir %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			return filepath.ToSlash(filepath.Join(dir, e.Name())), true, nil
		}
	}
	return "", false, nil
}

// Create opens path for writing. Data goes to a hidden temporary file in the
// same directory that replaces path only when the writer closes, so an
// interrupted write never leaves a partial file at path.
func (s *BlobStore) Create(_ context.Context, path string) (io.WriteCloser, error) {
	return s.create(path)
}

func (s *BlobStore) create(path string) (*pendingFile, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	return &pendingFile{f: f, final: full}, nil
}

// pendingFile renames its temporary file into place on Close.
type pendingFile struct {
	f      *os.File
	final  string
	failed bool
}

func (p *pendingFile) Write(b []byte) (int, error) {
	n, err := p.f.Write(b)
	if err != nil {
		p.failed = true
	}
	return n, err
}

// abort discards the temporary file without touching the final path.
func (p *pendingFile) abort() {
	_ = p.f.Close()
	_ = os.Remove(p.f.Name())
}

func (p *pendingFile) Close() error {
	tmp := p.f.Name()
	if err := p.f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if p.failed {
		_ = os.Remove(tmp)
		return fmt.Errorf("write to %s failed", filepath.Base(p.final))
	}
	if err := os.Rename(tmp, p.final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Open returns a reader for path.
func (s *BlobStore) Open(_ context.Context, path string) (io.ReadCloser, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to baseDir by resolve.
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

// Remove deletes path. A missing file is not an error.
func (s *BlobStore) Remove(_ context.Context, path string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove file: %w", err)
	}
	return nil
}

// PutObject writes data to path and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, path string, _ string, data io.Reader) (string, error) {
	w, err := s.create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(w, data); err != nil {
		w.abort()
		return "", fmt.Errorf("failed to write file: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return fmt.Sprintf("file://%s", w.final), nil
}
