// Package contentcache implements the ContentCache component (spec.md §4.3):
// an in-memory, TTL-bounded store of directory listings and per-entity
// metadata, invalidated on write. The locking discipline (single mutex
// guarding plain maps, single writer at a time) follows the teacher's
// internal/sync.DepTracker.
package contentcache

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/paladugu82/hybridshare/internal/model"
	"github.com/paladugu82/hybridshare/internal/pathkey"
)

// entry is a ContentCacheEntry (spec.md §3): either an EntityMetadata or a
// DirectoryListing, tagged by which field is populated.
type entry struct {
	isListing bool
	meta      model.EntityMetadata
	listing   model.DirectoryListing
	fetchedAt time.Time
	pinned    bool
}

func (e entry) expired(now time.Time, ttl time.Duration) bool {
	if e.pinned {
		return false
	}

	return now.Sub(e.fetchedAt) > ttl
}

// Cache is the ContentCache. Zero value is not usable; use New.
type Cache struct {
	contentTTL time.Duration
	allTTL     time.Duration
	logger     *slog.Logger

	mu                sync.Mutex
	metadata          map[string]entry // keyed by path.String()
	listings          map[string]entry
	allCacheClearedAt time.Time
}

// New creates a Cache with the given per-entry TTL and global-clear TTL.
func New(contentTTL, allTTL time.Duration, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Cache{
		contentTTL:        contentTTL,
		allTTL:            allTTL,
		logger:            logger,
		metadata:          make(map[string]entry),
		listings:          make(map[string]entry),
		allCacheClearedAt: time.Now(),
	}

	// Root listing is pinned, per spec.md §4.3.
	c.listings[pathkey.Root(pathkey.NFC).String()] = entry{
		isListing: true,
		pinned:    true,
		fetchedAt: time.Now(),
	}

	return c
}

// GetMetadata returns the cached metadata for path, or ok=false on a miss
// or expiry.
func (c *Cache) GetMetadata(path pathkey.Key) (model.EntityMetadata, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearAllIfDueLocked()

	key := path.String()

	e, ok := c.metadata[key]
	if !ok {
		return model.EntityMetadata{}, false
	}

	if e.expired(time.Now(), c.contentTTL) {
		delete(c.metadata, key)
		return model.EntityMetadata{}, false
	}

	return e.meta, true
}

// GetListing returns the cached directory listing for dir, or ok=false on a
// miss or expiry. The root's deep=false listing never expires.
func (c *Cache) GetListing(dir pathkey.Key) (model.DirectoryListing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearAllIfDueLocked()

	key := dir.String()

	e, ok := c.listings[key]
	if !ok {
		return model.DirectoryListing{}, false
	}

	if e.expired(time.Now(), c.contentTTL) {
		delete(c.listings, key)
		return model.DirectoryListing{}, false
	}

	return e.listing, true
}

// PutMetadata records a freshly fetched entity's metadata.
func (c *Cache) PutMetadata(path pathkey.Key, meta model.EntityMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.metadata[path.String()] = entry{meta: meta, fetchedAt: time.Now()}
}

// PutListing records a freshly fetched directory listing, and — per
// spec.md §4.3 "on a successful deep fetch, populate per-child metadata
// entries from the listing in a single transaction" — populates per-child
// metadata entries in the same locked section.
func (c *Cache) PutListing(dir pathkey.Key, listing model.DirectoryListing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()

	pinned := dir.IsRoot()
	c.listings[dir.String()] = entry{isListing: true, listing: listing, fetchedAt: now, pinned: pinned}

	for name, meta := range listing.Children {
		c.metadata[dir.Child(name).String()] = entry{meta: meta, fetchedAt: now}
	}
}

// Invalidate drops path from both maps. If path names an entity (not the
// root), its parent's listing is dropped too, since the parent's listing
// contents are now stale. If deep, every key with prefix path+"/" is also
// dropped.
func (c *Cache) Invalidate(path pathkey.Key, deep bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := path.String()

	if e, ok := c.listings[key]; !ok || !e.pinned {
		delete(c.listings, key)
	}

	delete(c.metadata, key)

	if !path.IsRoot() {
		parent := path.Parent()
		if e, ok := c.listings[parent.String()]; !ok || !e.pinned {
			delete(c.listings, parent.String())
		}
	}

	if !deep {
		return
	}

	prefix := key + "/"
	if path.IsRoot() {
		prefix = "/"
	}

	for k, e := range c.listings {
		if e.pinned {
			continue
		}

		if strings.HasPrefix(k, prefix) {
			delete(c.listings, k)
		}
	}

	for k := range c.metadata {
		if strings.HasPrefix(k, prefix) {
			delete(c.metadata, k)
		}
	}
}

// ClearAll drops every entry except pinned ones, and resets the global
// epoch used by the TTL sweep.
func (c *Cache) ClearAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clearAllLocked()
}

func (c *Cache) clearAllLocked() {
	for k, e := range c.listings {
		if !e.pinned {
			delete(c.listings, k)
		}
	}

	for k := range c.metadata {
		delete(c.metadata, k)
	}

	c.allCacheClearedAt = time.Now()
}

func (c *Cache) clearAllIfDueLocked() {
	if c.allTTL <= 0 {
		return
	}

	if time.Since(c.allCacheClearedAt) > c.allTTL {
		c.logger.Debug("contentcache: global TTL elapsed, clearing")
		c.clearAllLocked()
	}
}
