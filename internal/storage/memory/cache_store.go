// Package memory keeps cache artifacts in-memory for tests and development.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/JakeFAU/newsstand/internal/newsstand"
)

type fileKey struct {
	date newsstand.DateKey
	id   string
	kind newsstand.Kind
}

// CacheStore is a concurrency-safe in-memory newsstand.CacheStore.
type CacheStore struct {
	mu    sync.RWMutex
	files map[fileKey][]byte
}

// NewCacheStore creates an empty in-memory cache store.
func NewCacheStore() *CacheStore {
	return &CacheStore{files: make(map[fileKey][]byte)}
}

func toFileKey(key newsstand.ArtifactKey, kind newsstand.Kind) (fileKey, error) {
	if err := key.Validate(); err != nil {
		return fileKey{}, err
	}
	return fileKey{date: key.Date, id: key.SourceID, kind: kind}, nil
}

// Exists reports whether the file is stored.
func (s *CacheStore) Exists(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) (bool, error) {
	fk, err := toFileKey(key, kind)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.files[fk]
	return ok, nil
}

// Put stores a copy of the reader's content.
func (s *CacheStore) Put(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind, r io.Reader) error {
	fk, err := toFileKey(key, kind)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fk] = data
	return nil
}

// Open returns a reader over the stored content.
func (s *CacheStore) Open(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) (io.ReadCloser, error) {
	fk, err := toFileKey(key, kind)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[fk]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key.Path(kind), newsstand.ErrCacheMiss)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the file if present.
func (s *CacheStore) Delete(_ context.Context, key newsstand.ArtifactKey, kind newsstand.Kind) error {
	fk, err := toFileKey(key, kind)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fk)
	return nil
}

// List returns the sorted source ids on date with a file of kind.
func (s *CacheStore) List(_ context.Context, date newsstand.DateKey, kind newsstand.Kind) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for fk := range s.files {
		if fk.date == date && fk.kind == kind {
			ids = append(ids, fk.id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Dates returns the distinct dates holding at least one file, oldest first.
func (s *CacheStore) Dates(_ context.Context) ([]newsstand.DateKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[newsstand.DateKey]struct{})
	for fk := range s.files {
		seen[fk.date] = struct{}{}
	}
	dates := make([]newsstand.DateKey, 0, len(seen))
	for d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i] < dates[j] })
	return dates, nil
}

// DeleteDate removes every file stored under date.
func (s *CacheStore) DeleteDate(_ context.Context, date newsstand.DateKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for fk := range s.files {
		if fk.date == date {
			delete(s.files, fk)
		}
	}
	return nil
}

// Len returns the number of stored files.
func (s *CacheStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.files)
}
