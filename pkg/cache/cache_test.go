package cache

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeTemp(t *testing.T, dir, content string) string {
	t.Helper()
	f, err := os.CreateTemp(dir, "dl-*")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatal(err)
	}
	f.Close()
	return f.Name()
}

func digest(t *testing.T, s string) string {
	t.Helper()
	h, _, err := HashReader(strings.NewReader(s))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestFileCache(t *testing.T) {
	ctx := context.Background()
	c, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	sum := digest(t, "wheel bytes")

	if _, ok, err := c.Lookup(ctx, sum); err != nil || ok {
		t.Fatalf("Lookup before Store = %v, %v; want miss", ok, err)
	}

	src := writeTemp(t, c.TempDir(), "wheel bytes")
	path, err := c.Store(ctx, sum, src)
	if err != nil {
		t.Fatalf("Store error: %v", err)
	}
	if !strings.HasSuffix(path, filepath.Join(sum[:2], sum[2:])) {
		t.Errorf("Store path = %s, want sharded layout", path)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("Store should move src")
	}

	got, ok, err := c.Lookup(ctx, sum)
	if err != nil || !ok || got != path {
		t.Fatalf("Lookup = %s, %v, %v; want %s", got, ok, err, path)
	}

	if err := c.Release(path); err != nil {
		t.Errorf("Release error: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("FileCache.Release should keep the blob")
	}

	if _, _, err := c.Lookup(ctx, "short"); err == nil {
		t.Error("Lookup with invalid hash should fail")
	}
}

func TestNullCache(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	c := NewNullCache(dir)
	defer c.Close()

	if c.TempDir() != dir {
		t.Errorf("TempDir() = %s, want %s", c.TempDir(), dir)
	}

	src := writeTemp(t, dir, "data")
	sum := digest(t, "data")
	path, err := c.Store(ctx, sum, src)
	if err != nil || path != src {
		t.Fatalf("Store = %s, %v; want %s", path, err, src)
	}

	// Still a miss after Store
	if _, ok, _ := c.Lookup(ctx, sum); ok {
		t.Error("NullCache should not store data")
	}

	if err := c.Release(path); err != nil {
		t.Errorf("Release error: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("NullCache.Release should delete the file")
	}
	if err := c.Release(path); err != nil {
		t.Errorf("second Release error: %v", err)
	}
}

func TestFileCacheDropsCorruptBlob(t *testing.T) {
	ctx := context.Background()
	c, err := NewFileCache(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	key := digest(t, "wheel bytes")
	path, err := c.Store(ctx, key, writeTemp(t, c.TempDir(), "wheel bytes"))
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("wheel"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok, err := c.Lookup(ctx, key); err != nil || ok {
		t.Fatalf("Lookup = %v, %v; want miss", ok, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("corrupt blob should be removed")
	}
}

func TestHash(t *testing.T) {
	const want = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"
	h, n, err := HashReader(strings.NewReader("hello"))
	if err != nil || h != want || n != 5 {
		t.Errorf("HashReader = %s, %d, %v", h, n, err)
	}

	path := writeTemp(t, t.TempDir(), "hello")
	h, err = HashFile(path)
	if err != nil || h != want {
		t.Errorf("HashFile = %s, %v", h, err)
	}
	if _, err := HashFile(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("HashFile on a missing file should fail")
	}
}
