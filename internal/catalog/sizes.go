package catalog

import (
	"github.com/go-git/go-billy/v5"
)

// Aggregator computes byte-size totals over sets of segment keys for
// quota and cost accounting. Both aggregates are monotone sums over
// independent per-key lookups; a missing entry contributes zero rather
// than aborting the computation, consistent with the cache's soft-fail
// lookup policy.
type Aggregator struct {
	cache *Cache
	local billy.Filesystem
}

// NewAggregator creates an aggregator over the given cache and the local
// filesystem holding segment files on this node.
func NewAggregator(cache *Cache, local billy.Filesystem) *Aggregator {
	return &Aggregator{cache: cache, local: local}
}

// Sizes sums the original and compressed sizes of the given segments over
// the cache's view. Tombstoned and unknown keys contribute zero.
func (a *Aggregator) Sizes(keys []string) (original, compressed int64) {
	for _, key := range keys {
		l := a.cache.Lookup(key)
		if !l.Found {
			continue
		}
		original += l.Meta.OriginalSize
		compressed += l.Meta.CompressedSize
	}
	return original, compressed
}

// LocalSizes sums the on-disk byte length of the given segment keys on
// this node's filesystem. A key that cannot be stat'ed contributes zero.
func (a *Aggregator) LocalSizes(keys []string) int64 {
	var total int64
	for _, key := range keys {
		fi, err := a.local.Stat(key)
		if err != nil {
			continue
		}
		total += fi.Size()
	}
	return total
}
