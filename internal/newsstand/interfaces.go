package newsstand

import (
	"context"
	"io"
	"time"
)

// CacheStore is the date-partitioned artifact store. Implementations must
// make Put atomic: a file is either absent or complete.
type CacheStore interface {
	Exists(ctx context.Context, key ArtifactKey, kind Kind) (bool, error)
	Put(ctx context.Context, key ArtifactKey, kind Kind, r io.Reader) error
	// Open returns ErrCacheMiss when the file does not exist.
	Open(ctx context.Context, key ArtifactKey, kind Kind) (io.ReadCloser, error)
	// Delete is a no-op for missing files.
	Delete(ctx context.Context, key ArtifactKey, kind Kind) error
	// List returns the sorted source ids with a file of the given kind on date.
	List(ctx context.Context, date DateKey, kind Kind) ([]string, error)
	// Dates returns every date partition present, sorted ascending.
	Dates(ctx context.Context) ([]DateKey, error)
	DeleteDate(ctx context.Context, date DateKey) error
}

// Fetcher downloads a source document. It returns an error wrapping
// ErrSourceUnavailable for not-found responses and ErrTransport otherwise.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Document, error)
}

// Document is a fetched source document.
type Document struct {
	URL        string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Rasterizer converts the first page of a document into a PNG image of the
// given pixel width. Unreadable input yields an error wrapping ErrCorruptDocument.
type Rasterizer interface {
	Rasterize(ctx context.Context, document []byte, width int) ([]byte, error)
}

// SourceCatalog resolves source identifiers.
type SourceCatalog interface {
	Source(id string) (Source, bool)
	Sources() []Source
}

// ViewerCatalog resolves viewer identifiers.
type ViewerCatalog interface {
	Viewer(id string) (*Viewer, bool)
	Viewers() []*Viewer
}

// Publisher pushes notifications (ready events) to Pub/Sub or similar.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Archiver copies Ready rasters to long-term storage and returns a URI.
type Archiver interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// StateOf derives the lifecycle state of an artifact from the files present.
func StateOf(ctx context.Context, store CacheStore, key ArtifactKey) (ArtifactState, error) {
	hasDoc, err := store.Exists(ctx, key, KindDocument)
	if err != nil {
		return StateAbsent, err
	}
	if !hasDoc {
		return StateAbsent, nil
	}
	hasRaster, err := store.Exists(ctx, key, KindRaster)
	if err != nil {
		return StateAbsent, err
	}
	if hasRaster {
		return StateReady, nil
	}
	return StateFetched, nil
}
