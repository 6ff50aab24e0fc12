// Package newsstand defines the domain types and ports shared by the
// acquisition pipeline, retention sweeper, and rotation selector: sources and
// viewers, calendar date keys, the artifact lifecycle, and the cache store
// contract they all operate on.
package newsstand
