package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// FileCache implements a file-based artifact cache.
// Blobs are stored as dir/<hash[:2]>/<hash[2:]>.
type FileCache struct {
	dir string
}

// NewFileCache creates a file-based cache in the given directory.
// The directory will be created if it doesn't exist.
func NewFileCache(dir string) (*FileCache, error) {
	if err := os.MkdirAll(filepath.Join(dir, "tmp"), 0o755); err != nil {
		return nil, err
	}
	return &FileCache{dir: dir}, nil
}

// Lookup returns the path of a cached blob. A blob whose content no
// longer matches its hash is removed and reported as a miss.
func (c *FileCache) Lookup(ctx context.Context, sha256 string) (string, bool, error) {
	path, err := c.path(sha256)
	if err != nil {
		return "", false, err
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if !info.Mode().IsRegular() {
		return "", false, fmt.Errorf("cache entry %s is not a regular file", path)
	}
	sum, err := HashFile(path)
	if err != nil {
		return "", false, err
	}
	if sum != sha256 {
		_ = os.Remove(path)
		return "", false, nil
	}
	return path, true, nil
}

// Store moves src into the cache. If the blob already exists src is removed.
func (c *FileCache) Store(ctx context.Context, sha256, src string) (string, error) {
	path, err := c.path(sha256)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(src, path); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return "", err
		}
		if err := copyFile(src, path); err != nil {
			return "", err
		}
		_ = os.Remove(src)
	}
	return path, nil
}

// Release does nothing; cached blobs are kept.
func (c *FileCache) Release(path string) error {
	return nil
}

// TempDir returns dir/tmp.
func (c *FileCache) TempDir() string {
	return filepath.Join(c.dir, "tmp")
}

// Close does nothing for file cache.
func (c *FileCache) Close() error {
	return nil
}

// Dir returns the cache root.
func (c *FileCache) Dir() string {
	return c.dir
}

// path converts a hash to a file path.
// Uses the first 2 chars as subdirectory to avoid too many files in one dir.
func (c *FileCache) path(hash string) (string, error) {
	if len(hash) != 64 {
		return "", fmt.Errorf("invalid content hash %q", hash)
	}
	return filepath.Join(c.dir, hash[:2], hash[2:]), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// Ensure FileCache implements Cache.
var _ Cache = (*FileCache)(nil)
