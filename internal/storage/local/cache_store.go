// Package local implements the filesystem cache store laid out as
// {root}/{date}/{source}.pdf and {root}/{date}/{source}.png.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

// Config captures the parameters for the filesystem cache store.
type Config struct {
	// BaseDir is the root directory holding the date partitions.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// CacheStore keeps artifacts on the local filesystem.
type CacheStore struct {
	baseDir string
}

// New creates a filesystem-backed cache store, creating the root if needed.
func New(cfg Config) (*CacheStore, error) {
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

	// Check for write permissions.
	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &CacheStore{baseDir: filepath.Clean(cfg.BaseDir)}, nil
}

// Root returns the cache root directory.
func (s *CacheStore) Root() string {
	return s.baseDir
}

func (s *CacheStore) path(key newsstand.ArtifactKey, kind newsstand.Kind) (string, error) {
	if err := key.Validate(); err != nil {
		return "", err
	}
	if kind.Ext() == "" {
		return "", fmt.Errorf("%w: unknown kind %q", newsstand.ErrInvalidKey, kind)
	}
	full := filepath.Join(s.baseDir, filepath.FromSlash(key.Path(kind)))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return full, nil
}

func (s *CacheStore) datePath(date newsstand.DateKey) (string, error) {
	if _, err := newsstand.ParseDateKey(string(date)); err != nil {
		return "", fmt.Errorf("%w: %v", newsstand.ErrInvalidKey, err)
	}
	return filepath.Join(s.baseDir, string(date)), nil
}

// Exists reports whether the artifact file is present.
func (s *CacheStore) Exists(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) (bool, error) {
	full, err := s.path(key, kind)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	switch {
	case err == nil:
		return info.Mode().IsRegular(), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("stat %s: %w", full, err)
	}
}

// Put writes the file to a temporary sibling and renames it into place, so
// readers never observe a partially written artifact.
func (s *CacheStore) Put(ctx context.Context, key newsstand.ArtifactKey, kind newsstand.Kind, r io.Reader) error {
	full, err := s.path(key, kind)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context canceled: %w", err)
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		cleanup()
		return fmt.Errorf("write %s: %w", full, err)
	}
	if err := tmp.Chmod(0o640); err != nil {
		cleanup()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, full); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename into %s: %w", full, err)
	}
	return nil
}

// Open opens the artifact file for reading.
func (s *CacheStore) Open(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) (io.ReadCloser, error) {
	full, err := s.path(key, kind)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is built from a validated key under baseDir.
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", key.Path(kind), newsstand.ErrCacheMiss)
		}
		return nil, fmt.Errorf("open %s: %w", full, err)
	}
	return f, nil
}

// Delete removes the artifact file; missing files are ignored.
func (s *CacheStore) Delete(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) error {
	full, err := s.path(key, kind)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", full, err)
	}
	return nil
}

// List returns the source ids on date that have a file of the given kind.
func (s *CacheStore) List(_ context.Context, date newsstand.DateKey, kind newsstand.Kind) ([]string, error) {
	dir, err := s.datePath(date)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	ext := kind.Ext()
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || filepath.Ext(name) != ext {
			continue
		}
		id := strings.TrimSuffix(name, ext)
		if !newsstand.ValidSourceID(id) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Dates returns the date partitions present under the root, oldest first.
func (s *CacheStore) Dates(_ context.Context) ([]newsstand.DateKey, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}
	var dates []newsstand.DateKey
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		date, err := newsstand.ParseDateKey(entry.Name())
		if err != nil {
			continue
		}
		dates = append(dates, date)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	return dates, nil
}

// DeleteDate recursively removes a date partition.
func (s *CacheStore) DeleteDate(_ context.Context, date newsstand.DateKey) error {
	dir, err := s.datePath(date)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove %s: %w", dir, err)
	}
	return nil
}
