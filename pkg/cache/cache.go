// Package cache stores downloaded artifacts by content hash.
//
// Artifacts on the index are immutable and identified by their sha256, so
// a verified download never needs to be fetched again. [FileCache] keeps
// blobs on disk under a two-level hash directory; [NullCache] keeps
// nothing and deletes each file once the caller releases it.
//
// Callers write downloads into [Cache.TempDir] (same filesystem as the
// cache, so [Cache.Store] is a rename), verify the hash, then call Store.
package cache

import "context"

// Cache is a content-addressed blob store for artifact files.
type Cache interface {
	// Lookup returns the path of the blob with the given sha256, if present.
	Lookup(ctx context.Context, sha256 string) (path string, ok bool, err error)

	// Store moves the verified file at src into the cache and returns the
	// path the caller should read from.
	Store(ctx context.Context, sha256, src string) (path string, err error)

	// Release tells the cache the caller is done with path.
	Release(path string) error

	// TempDir returns a directory for in-progress downloads.
	TempDir() string

	// Close releases resources held by the cache.
	Close() error
}
