package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"
)

// CacheTTL is how long a cached workflow spec is trusted without
// re-checking its source file's content digest (spec.md §4.3).
const CacheTTL = 5 * time.Minute

type cacheEntry struct {
	spec     *WorkflowSpec
	digest   string
	loadedAt time.Time
}

// Cache loads workflow specs from a directory of YAML files and serves
// them from memory, revalidating by content digest once an entry's TTL
// has elapsed. It is safe for concurrent use.
type Cache struct {
	dir   string
	mu    sync.RWMutex
	byID  map[string]*cacheEntry
	group singleflight.Group

	hits, misses int64
}

// NewCache returns a Cache that loads workflow definitions from dir.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, byID: make(map[string]*cacheEntry)}
}

// Get returns the workflow spec for id, loading (or reloading) it from
// disk as needed.
func (c *Cache) Get(id string) (*WorkflowSpec, error) {
	if entry, ok := c.fresh(id); ok {
		atomic.AddInt64(&c.hits, 1)
		return entry.spec, nil
	}

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		if entry, ok := c.fresh(id); ok {
			return entry, nil
		}
		return c.load(id)
	})
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, err
	}
	atomic.AddInt64(&c.misses, 1)
	return v.(*cacheEntry).spec, nil
}

// fresh returns the cached entry for id if present and either within TTL
// or still matching the on-disk content digest.
func (c *Cache) fresh(id string) (*cacheEntry, bool) {
	c.mu.RLock()
	entry, ok := c.byID[id]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if time.Since(entry.loadedAt) < CacheTTL {
		return entry, true
	}

	digest, err := c.digest(id)
	if err != nil || digest != entry.digest {
		return nil, false
	}
	// Content unchanged past TTL: refresh the clock without re-parsing.
	c.mu.Lock()
	entry.loadedAt = time.Now()
	c.mu.Unlock()
	return entry, true
}

func (c *Cache) load(id string) (*cacheEntry, error) {
	path := c.path(id)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", id, err)
	}

	var spec WorkflowSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse workflow %s: %w", id, err)
	}
	if spec.ID == "" {
		spec.ID = id
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(raw)
	entry := &cacheEntry{
		spec:     &spec,
		digest:   hex.EncodeToString(sum[:]),
		loadedAt: time.Now(),
	}

	c.mu.Lock()
	c.byID[id] = entry
	c.mu.Unlock()
	return entry, nil
}

func (c *Cache) digest(id string) (string, error) {
	raw, err := os.ReadFile(c.path(id))
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

func (c *Cache) path(id string) string {
	return filepath.Join(c.dir, id+".yaml")
}

// Invalidate drops a cached entry, forcing the next Get to reload from
// disk regardless of TTL or digest.
func (c *Cache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.byID, id)
	c.mu.Unlock()
}

// Stats reports the cache's cumulative hit/miss counters, its current
// size, and the derived hit rate, exposed as Prometheus gauges by
// pkg/metrics.
type Stats struct {
	Hits    int64
	Misses  int64
	Size    int
	HitRate float64
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)

	c.mu.RLock()
	size := len(c.byID)
	c.mu.RUnlock()

	total := hits + misses
	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{Hits: hits, Misses: misses, Size: size, HitRate: rate}
}
