// Package cache provides the bounded most-recent-N store for processed
// records, keyed by (domain, source). Writes arrive only from the
// single processing worker; reads may come from any goroutine, so
// lookups return copies taken under a read lock.
package cache

import (
	"sort"
	"sync"

	"github.com/confluxdata/conflux/pkg/models"
)

// DefaultMaxPerKey bounds each key's record list when no capacity is
// configured.
const DefaultMaxPerKey = 100

type key struct {
	domain string
	source string
}

// Cache is a per (domain, source) bounded FIFO of recent records,
// newest last. Insertion evicts the oldest entry once at capacity; the
// access pattern is append plus "most recent" reads, so no LRU is
// needed.
type Cache struct {
	maxPerKey int

	mu      sync.RWMutex
	entries map[key][]models.ProcessedRecord
}

// New creates a cache holding up to maxPerKey records per key.
func New(maxPerKey int) *Cache {
	if maxPerKey <= 0 {
		maxPerKey = DefaultMaxPerKey
	}
	return &Cache{
		maxPerKey: maxPerKey,
		entries:   make(map[key][]models.ProcessedRecord),
	}
}

// Put appends a record to its (domain, source) list, evicting the
// oldest entry at capacity.
func (c *Cache) Put(rec models.ProcessedRecord) {
	k := key{domain: rec.Domain, source: rec.Source}

	c.mu.Lock()
	defer c.mu.Unlock()

	list := c.entries[k]
	if len(list) >= c.maxPerKey {
		// shift instead of re-slicing so the backing array does not
		// grow without bound
		copy(list, list[1:])
		list[len(list)-1] = rec
	} else {
		list = append(list, rec)
	}
	c.entries[k] = list
}

// Latest returns up to limit records matching the optional domain and
// source filters, sorted descending by timestamp. Unknown keys yield an
// empty slice, never an error.
func (c *Cache) Latest(domain, source string, limit int) []models.ProcessedRecord {
	c.mu.RLock()
	var merged []models.ProcessedRecord
	for k, list := range c.entries {
		if domain != "" && k.domain != domain {
			continue
		}
		if source != "" && k.source != source {
			continue
		}
		merged = append(merged, list...)
	}
	c.mu.RUnlock()

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	if merged == nil {
		merged = []models.ProcessedRecord{}
	}
	return merged
}

// Keys returns the populated (domain, source) keys as "domain/source"
// strings.
func (c *Cache) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k.domain+"/"+k.source)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of records cached under the given key.
func (c *Cache) Len(domain, source string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries[key{domain: domain, source: source}])
}
