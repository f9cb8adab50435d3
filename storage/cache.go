package storage

import "sync"

// nameCache maps a unique name to its id and back, for entities that
// are looked up by name far more often than they're created:
// MimeTypes, Flags, and Resources (spec.md §4.3, "enable_cache").
type nameCache struct {
	mu     sync.RWMutex
	byName map[string]int64
	byID   map[int64]string
}

func newNameCache() *nameCache {
	return &nameCache{
		byName: make(map[string]int64),
		byID:   make(map[int64]string),
	}
}

func (c *nameCache) lookup(name string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.byName[name]
	return id, ok
}

func (c *nameCache) name(id int64) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	name, ok := c.byID[id]
	return name, ok
}

func (c *nameCache) put(name string, id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName[name] = id
	c.byID[id] = name
}

func (c *nameCache) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if name, ok := c.byID[id]; ok {
		delete(c.byID, id)
		delete(c.byName, name)
	}
}

func (c *nameCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byName = make(map[string]int64)
	c.byID = make(map[int64]string)
}

// collectionCache caches full Collection rows by id, since collection
// tree walks (active_cache_policy, virtual-collection membership) hit
// the same handful of ancestors repeatedly within one search or fetch
// operation (spec.md §4.3, §5.7).
type collectionCache struct {
	mu   sync.RWMutex
	byID map[int64]Collection
}

func newCollectionCache() *collectionCache {
	return &collectionCache{byID: make(map[int64]Collection)}
}

func (c *collectionCache) get(id int64) (Collection, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	col, ok := c.byID[id]
	return col, ok
}

func (c *collectionCache) put(col Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[col.ID] = col
}

func (c *collectionCache) invalidate(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, id)
}

func (c *collectionCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID = make(map[int64]Collection)
}

// caches bundles the process-wide caches shared by every DataStore
// opened against the same Backend.
type caches struct {
	mimeTypes   *nameCache
	flags       *nameCache
	resources   *nameCache
	collections *collectionCache
}

func newCaches() *caches {
	return &caches{
		mimeTypes:   newNameCache(),
		flags:       newNameCache(),
		resources:   newNameCache(),
		collections: newCollectionCache(),
	}
}

// Caches is the opaque process-wide cache bundle every DataStore opened
// against the same Backend shares. Callers outside this package hold it
// only to pass back into Open; NewCaches is exported so package server
// can own one instance for the process lifetime.
type Caches = caches

// NewCaches returns an empty, ready-to-use cache bundle.
func NewCaches() *Caches {
	return newCaches()
}
