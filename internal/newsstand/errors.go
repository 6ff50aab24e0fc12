package newsstand

import "errors"

// Failure taxonomy shared by the pipeline, sweeper, selector, and stores.
var (
	// ErrSourceUnavailable means the source has no document for the date (HTTP 404).
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrTransport covers every other fetch failure, timeouts included.
	ErrTransport = errors.New("transport failure")
	// ErrCorruptDocument means the document could not be rasterized.
	ErrCorruptDocument = errors.New("corrupt document")
	// ErrCatalogMismatch flags a cached artifact whose source is not in the catalog.
	ErrCatalogMismatch = errors.New("catalog mismatch")
	// ErrNotFound is returned by the selector when no candidate exists in the window.
	ErrNotFound = errors.New("no candidates")
	// ErrCacheMiss is returned by stores when the requested file does not exist.
	ErrCacheMiss = errors.New("cache miss")
	// ErrInvalidKey rejects artifact keys that cannot be mapped to the cache layout.
	ErrInvalidKey = errors.New("invalid artifact key")
)
