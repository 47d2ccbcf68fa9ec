package catalog

import (
	"sort"
	"sync"
	"sync/atomic"
)

// shardKey is the locking granularity of the cache: one shard per
// (org, stream type, stream). Mutations for unrelated streams never
// contend on the same lock.
type shardKey struct {
	org        string
	streamType string
	stream     string
}

type entry struct {
	meta    SegmentMeta
	deleted bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry // segment key -> latest applied state
}

// Cache is the per-node in-memory file list index. It answers point
// lookups and time-range scans without touching storage, and converges
// with peers by applying delta batches (local writes, broadcasts, or
// startup replay).
//
// Each node owns its cache exclusively; peers influence it only through
// broadcast batches.
type Cache struct {
	mu     sync.RWMutex
	shards map[shardKey]*shard

	live       atomic.Int64
	tombstoned atomic.Int64
}

// NewCache creates an empty file list cache.
func NewCache() *Cache {
	return &Cache{shards: make(map[shardKey]*shard)}
}

func (c *Cache) shard(k shardKey) *shard {
	c.mu.RLock()
	s, ok := c.shards[k]
	c.mu.RUnlock()
	if ok {
		return s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.shards[k]; ok {
		return s
	}
	s = &shard{entries: make(map[string]entry)}
	c.shards[k] = s
	return s
}

// Apply merges a delta batch into the index. Apply is idempotent and
// commutative per key: every record carries the absolute state of its key,
// a tombstone is terminal (no later record un-deletes a key), and
// re-applying the same batch changes nothing. Both local writes and
// broadcasts may redeliver a batch, including a node broadcasting to
// itself.
//
// Records with malformed keys are skipped; they can never be addressed by
// a query, so indexing them would only leak memory.
func (c *Cache) Apply(batch Batch) {
	for _, rec := range batch {
		part, ok := ParseKey(rec.Key)
		if !ok {
			continue
		}

		s := c.shard(shardKey{org: part.Org, streamType: part.StreamType, stream: part.Stream})
		s.mu.Lock()
		cur, exists := s.entries[rec.Key]
		switch {
		case exists && cur.deleted:
			// Retirement is terminal. This also resolves the race of a
			// tombstone arriving concurrently with the original insert:
			// the tombstone wins regardless of arrival order.
		case exists && rec.Deleted:
			s.entries[rec.Key] = entry{deleted: true}
			c.live.Add(-1)
			c.tombstoned.Add(1)
		case exists:
			s.entries[rec.Key] = entry{meta: rec.Meta}
		case rec.Deleted:
			s.entries[rec.Key] = entry{deleted: true}
			c.tombstoned.Add(1)
		default:
			s.entries[rec.Key] = entry{meta: rec.Meta}
			c.live.Add(1)
		}
		s.mu.Unlock()
	}
}

// Query returns every live segment key for the given stream whose
// [MinTS, MaxTS] interval overlaps the requested window. A timeMax of
// zero means no upper bound. Results are ordered by MinTS, then key, so a
// fixed index state always produces the same answer.
func (c *Cache) Query(org, stream, streamType string, timeMin, timeMax int64) []string {
	s := c.shard(shardKey{org: org, streamType: streamType, stream: stream})

	type match struct {
		key   string
		minTS int64
	}
	var matches []match

	s.mu.RLock()
	for key, e := range s.entries {
		if e.deleted {
			continue
		}
		if e.meta.MaxTS < timeMin {
			continue
		}
		if timeMax > 0 && e.meta.MinTS > timeMax {
			continue
		}
		matches = append(matches, match{key: key, minTS: e.meta.MinTS})
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].minTS != matches[j].minTS {
			return matches[i].minTS < matches[j].minTS
		}
		return matches[i].key < matches[j].key
	})

	keys := make([]string, len(matches))
	for i, m := range matches {
		keys[i] = m.key
	}
	return keys
}

// Lookup returns the metadata for one segment key. Missing and tombstoned
// keys report Found=false with zero metadata; callers that aggregate treat
// that as "contributes zero" so a stale cache degrades accuracy instead of
// aborting the computation.
func (c *Cache) Lookup(key string) Lookup {
	part, ok := ParseKey(key)
	if !ok {
		return Lookup{}
	}

	s := c.shard(shardKey{org: part.Org, streamType: part.StreamType, stream: part.Stream})
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists || e.deleted {
		return Lookup{}
	}
	return Lookup{Meta: e.meta, Found: true}
}

// Stats reports the number of live and tombstoned entries in the index.
func (c *Cache) Stats() (live, tombstoned int64) {
	return c.live.Load(), c.tombstoned.Load()
}
