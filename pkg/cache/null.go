package cache

import (
	"context"
	"os"
)

// NullCache is a cache that never keeps anything.
// Stored files stay where the caller downloaded them and are deleted on
// Release.
type NullCache struct {
	tmp string
}

// NewNullCache creates a null cache that downloads into tmp. An empty tmp
// selects the system temp directory.
func NewNullCache(tmp string) *NullCache {
	if tmp == "" {
		tmp = os.TempDir()
	}
	return &NullCache{tmp: tmp}
}

// Lookup always returns a cache miss.
func (c *NullCache) Lookup(ctx context.Context, sha256 string) (string, bool, error) {
	return "", false, nil
}

// Store returns src unchanged.
func (c *NullCache) Store(ctx context.Context, sha256, src string) (string, error) {
	return src, nil
}

// Release deletes path.
func (c *NullCache) Release(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// TempDir returns the download directory.
func (c *NullCache) TempDir() string {
	return c.tmp
}

// Close does nothing.
func (c *NullCache) Close() error {
	return nil
}

// Ensure NullCache implements Cache.
var _ Cache = (*NullCache)(nil)
