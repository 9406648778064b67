// Package cache is the on-disk store for per-unit native objects, keyed by
// unit fingerprint. It outlives a single link and is shared between
// concurrent links: entries are published with a temp-file-then-rename so a
// reader never sees a partial object.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	entryPrefix   = "llvmcache-"
	tempPattern   = "llvmcache-tmp-*"
	timestampFile = "llvmcache.timestamp"
)

// ErrNotFound is returned by Get on a miss.
var ErrNotFound = errors.New("cache entry not found")

// Cache is a directory of entries.
type Cache struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Cache)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithClock replaces time.Now for entry timestamps and age checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// Open prepares dir as a cache, creating it when missing.
func Open(dir string, opts ...Option) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("cache directory must be set")
	}
	if info, err := os.Stat(dir); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("cache path %s is not a directory", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", dir, err)
	}

	c := &Cache{
		dir:    dir,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

func validKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\:`) || key == "." || key == ".." {
		return fmt.Errorf("invalid cache key %q", key)
	}
	return nil
}

// Path returns where the entry for key lives.
func (c *Cache) Path(key string) string {
	return filepath.Join(c.dir, entryPrefix+key)
}

// Get returns the entry for key and its path. A hit refreshes the entry's
// timestamp so pruning evicts the least recently used entries first.
func (c *Cache) Get(key string) ([]byte, string, error) {
	if err := validKey(key); err != nil {
		return nil, "", err
	}
	path := c.Path(key)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("read cache entry %s: %w", path, err)
	}

	now := c.now()
	if err := os.Chtimes(path, now, now); err != nil {
		c.logger.Debug("refresh cache entry", slog.String("path", path), slog.Any("err", err))
	}
	c.logger.Debug("cache hit", slog.String("cache", path))
	return data, path, nil
}

// Put publishes data under key and returns the entry's path.
func (c *Cache) Put(key string, data []byte) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	path := c.Path(key)

	tmpFile, err := os.CreateTemp(c.dir, tempPattern)
	if err != nil {
		return "", fmt.Errorf("create temp cache file: %w", err)
	}

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("write cache file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("close cache file: %w", err)
	}

	now := c.now()
	if err := os.Chtimes(tmpFile.Name(), now, now); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("stamp cache file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), path); err != nil {
		os.Remove(tmpFile.Name())
		return "", fmt.Errorf("finalize cache file: %w", err)
	}

	c.logger.Debug("cached unit object", slog.String("cache", path), slog.Int("bytes", len(data)))
	return path, nil
}

// EntryInfo describes one entry.
type EntryInfo struct {
	Key     string
	Path    string
	Size    int64
	ModTime time.Time
}

// Entries lists the entries oldest first; equal timestamps sort by key.
func (c *Cache) Entries() ([]EntryInfo, error) {
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("read cache directory %s: %w", c.dir, err)
	}

	var out []EntryInfo
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, entryPrefix) || strings.HasPrefix(name, entryPrefix+"tmp-") {
			continue
		}
		info, err := de.Info()
		if err != nil {
			// Removed by a concurrent prune.
			continue
		}
		out = append(out, EntryInfo{
			Key:     strings.TrimPrefix(name, entryPrefix),
			Path:    filepath.Join(c.dir, name),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].ModTime.Before(out[j].ModTime)
		}
		return out[i].Key < out[j].Key
	})
	return out, nil
}

// PruneStats reports what a prune did.
type PruneStats struct {
	Skipped        bool
	Removed        int
	RemovedBytes   int64
	Remaining      int
	RemainingBytes int64
}

// Prune evicts entries until p holds: expired entries first, then the oldest
// entries while the count or total size is over budget.
func (c *Cache) Prune(p Policy) (PruneStats, error) {
	var stats PruneStats
	if p.IsZero() {
		stats.Skipped = true
		return stats, nil
	}

	now := c.now()
	if p.Interval > 0 {
		stampPath := filepath.Join(c.dir, timestampFile)
		if info, err := os.Stat(stampPath); err == nil && now.Sub(info.ModTime()) < p.Interval {
			stats.Skipped = true
			return stats, nil
		}
		if err := os.WriteFile(stampPath, nil, 0o644); err != nil {
			return stats, fmt.Errorf("write prune timestamp: %w", err)
		}
		if err := os.Chtimes(stampPath, now, now); err != nil {
			return stats, fmt.Errorf("stamp prune timestamp: %w", err)
		}
	}

	entries, err := c.Entries()
	if err != nil {
		return stats, err
	}

	var total int64
	for _, e := range entries {
		total += e.Size
	}

	remove := func(e EntryInfo) error {
		if err := os.Remove(e.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove cache entry %s: %w", e.Path, err)
		}
		c.logger.Debug("evicted cache entry", slog.String("cache", e.Path), slog.Int64("bytes", e.Size))
		stats.Removed++
		stats.RemovedBytes += e.Size
		total -= e.Size
		return nil
	}

	kept := entries[:0]
	for _, e := range entries {
		if p.MaxAge > 0 && now.Sub(e.ModTime) > p.MaxAge {
			if err := remove(e); err != nil {
				return stats, err
			}
			continue
		}
		kept = append(kept, e)
	}

	for len(kept) > 0 {
		overFiles := p.MaxFiles > 0 && len(kept) > p.MaxFiles
		overBytes := p.MaxBytes > 0 && total > p.MaxBytes
		if !overFiles && !overBytes {
			break
		}
		if err := remove(kept[0]); err != nil {
			return stats, err
		}
		kept = kept[1:]
	}

	stats.Remaining = len(kept)
	stats.RemainingBytes = total
	return stats, nil
}
