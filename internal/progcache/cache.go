// Package progcache stores compiled device programs on disk.
//
// An entry is the raw binary for one (device identity, source path) pair,
// stored at <root>/<h[0:2]>/<h[2:4]>/<h[4:]> where h is the hex digest of the
// pair. An entry is usable only while it is at least as new as the source file
// and every header the source depends on.
package progcache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/23skdu/longbow-bindery/internal/logger"
	"github.com/23skdu/longbow-bindery/internal/metrics"
)

type Cache struct {
	root string
}

// New returns a cache rooted at root, creating the directory if needed.
func New(root string) (*Cache, error) {
	if root == "" {
		return nil, fmt.Errorf("program cache: empty root")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("program cache: create root %s: %w", root, err)
	}
	return &Cache{root: root}, nil
}

func (c *Cache) Root() string { return c.root }

// Key is the 16 hex digit digest of identity followed by the source path.
func Key(identity, source string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(identity+source))
}

// Path is the sharded location of key under the cache root.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.root, key[0:2], key[2:4], key[4:])
}

// Lookup returns the cached binary for (identity, source). A missing or stale
// entry is a miss, reported as (nil, false, nil). deps are the headers the
// source is compiled with.
func (c *Cache) Lookup(identity, source string, deps []string) ([]byte, bool, error) {
	path := c.Path(Key(identity, source))

	entry, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		metrics.RecordCacheLookup("miss")
		return nil, false, nil
	}
	if err != nil {
		metrics.RecordCacheLookup("miss")
		return nil, false, fmt.Errorf("program cache: stat %s: %w", path, err)
	}

	newest, err := newestModTime(append([]string{source}, deps...))
	if err != nil {
		metrics.RecordCacheLookup("miss")
		return nil, false, err
	}
	if entry.ModTime().Before(newest) {
		metrics.RecordCacheLookup("stale")
		logger.For("progcache").Debug("stale program cache entry",
			"source", source, "entry", path, "entry_mtime", entry.ModTime(), "source_mtime", newest)
		return nil, false, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		metrics.RecordCacheLookup("miss")
		return nil, false, fmt.Errorf("program cache: read %s: %w", path, err)
	}
	metrics.RecordCacheLookup("hit")
	return data, true, nil
}

// Store writes binary for (identity, source). The entry appears atomically.
func (c *Cache) Store(identity, source string, binary []byte) error {
	path := c.Path(Key(identity, source))
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("program cache: create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("program cache: create temp in %s: %w", dir, err)
	}
	if _, err := tmp.Write(binary); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("program cache: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("program cache: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("program cache: rename to %s: %w", path, err)
	}
	return nil
}

// Purge deletes every entry.
func (c *Cache) Purge() error {
	entries, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("program cache: read %s: %w", c.root, err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.root, e.Name())); err != nil {
			return fmt.Errorf("program cache: purge %s: %w", e.Name(), err)
		}
	}
	return nil
}

func newestModTime(paths []string) (time.Time, error) {
	var newest time.Time
	for _, p := range paths {
		st, err := os.Stat(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("program cache: stat dependency %s: %w", p, err)
		}
		if st.ModTime().After(newest) {
			newest = st.ModTime()
		}
	}
	return newest, nil
}
