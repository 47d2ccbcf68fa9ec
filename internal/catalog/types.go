// Package catalog maintains the distributed file list: the catalog of
// immutable columnar segments produced by the ingestion pipeline. Every
// node keeps an in-memory copy of the catalog that converges with its
// peers through durable delta logs and best-effort broadcast.
package catalog

import (
	"context"
	"strings"
)

// Segment keys are structured object-storage paths:
//
//	files/{org}/{stream_type}/{stream}/{yyyy}/{mm}/{dd}/{hh}/{id}.parquet
//
// Keys that do not follow this layout are inert: the mutation protocol
// treats them as no-ops rather than errors, so malformed upstream input
// never aborts a pipeline.
const (
	keyPrefix   = "files"
	keyMinParts = 9
)

// Partition identifies the (org, stream, hour) slice of the catalog a
// segment key belongs to.
type Partition struct {
	Org        string
	StreamType string
	Stream     string
	Year       string
	Month      string
	Day        string
	Hour       string
}

// ParseKey splits a segment key into its partition components. The second
// return value is false for keys that do not follow the files/... layout.
func ParseKey(key string) (Partition, bool) {
	parts := strings.Split(key, "/")
	if len(parts) < keyMinParts || parts[0] != keyPrefix {
		return Partition{}, false
	}
	return Partition{
		Org:        parts[1],
		StreamType: parts[2],
		Stream:     parts[3],
		Year:       parts[4],
		Month:      parts[5],
		Day:        parts[6],
		Hour:       parts[7],
	}, true
}

// SegmentMeta carries the catalog attributes of one segment. The zero
// value means "unknown metadata"; whether an entry is actually present in
// the catalog is reported separately by Lookup.
type SegmentMeta struct {
	OriginalSize   int64 `json:"original_size"`
	CompressedSize int64 `json:"compressed_size"`
	Records        int64 `json:"records"`
	MinTS          int64 `json:"min_ts"`
	MaxTS          int64 `json:"max_ts"`
}

// Record is one catalog mutation: the absolute state of a segment key.
// Deleted marks a tombstone. A tombstoned key stays addressable in the
// cache, so peers that see the tombstone before (or instead of) the
// original insertion never trip on a missing key, but it is excluded from
// query results and size aggregation.
type Record struct {
	Key     string      `json:"key"`
	Meta    SegmentMeta `json:"meta"`
	Deleted bool        `json:"deleted"`
}

// Tombstone builds the retirement record for a segment key.
func Tombstone(key string) Record {
	return Record{Key: key, Deleted: true}
}

// Batch is an ordered group of catalog mutations produced by one logical
// operation. Batches are persisted as single immutable objects and their
// internal record order is preserved end to end.
type Batch []Record

// Lookup is the result of a point lookup against the file list cache.
// Found distinguishes a real (possibly empty) segment from a missing or
// tombstoned entry, so call sites choose the zero-fallback policy
// deliberately instead of relying on default construction.
type Lookup struct {
	Meta  SegmentMeta
	Found bool
}

// ObjectStore is the durable object storage surface the catalog consumes.
// Put must be durable before it returns; Delete and Get are used for
// best-effort reclamation and replay respectively.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// ProgressStore is the durable control-plane record of the last applied
// state per segment key. Recording progress after the delta log write is
// the idempotency barrier that lets retried mutations recognize
// already-applied work.
type ProgressStore interface {
	Record(ctx context.Context, key string, meta SegmentMeta, deleted bool) error
}

// Broadcaster fans a delta batch out to peer nodes' caches. Delivery is
// at-least-once and fire-and-forget; the durable delta log remains the
// source of truth for peers that miss a broadcast.
type Broadcaster interface {
	Send(ctx context.Context, batch Batch) error
}
