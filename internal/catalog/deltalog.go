package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/filemesh/filemesh/internal/metrics"
)

// deltaLogPrefix is where delta batch objects live in durable storage.
// The naming convention is an interop surface:
//
//	file_list/{yyyy}/{mm}/{dd}/{hh}/{unique_id}.json.zst
//
// where the date and hour come from the partition of the first affected
// segment key, not from the wall clock at write time.
const deltaLogPrefix = "file_list/"

// ErrEmptyBatch is returned when a delta write is requested for a batch
// with no records.
var ErrEmptyBatch = errors.New("empty delta batch")

// DeltaWriter appends catalog mutations to the durable delta log. Each
// batch becomes exactly one immutable, compressed object; a fresh unique
// id per write means concurrent writers never collide and nothing is ever
// overwritten.
type DeltaWriter struct {
	store   ObjectStore
	codec   *Codec
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// NewDeltaWriter creates a delta log writer on top of the given store.
func NewDeltaWriter(store ObjectStore, codec *Codec, logger zerolog.Logger, m *metrics.Metrics) *DeltaWriter {
	return &DeltaWriter{
		store:   store,
		codec:   codec,
		logger:  logger.With().Str("component", "deltalog").Logger(),
		metrics: m,
	}
}

// Write persists the batch and returns the object key it was stored
// under. A failed durable write is fatal to the enclosing mutation: there
// is no local buffering fallback, because broadcasting a batch that was
// never persisted would desynchronize peers from the durable source of
// truth.
func (w *DeltaWriter) Write(ctx context.Context, batch Batch) (string, error) {
	if len(batch) == 0 {
		return "", ErrEmptyBatch
	}

	part, ok := ParseKey(batch[0].Key)
	if !ok {
		return "", fmt.Errorf("delta batch starts with malformed key %q", batch[0].Key)
	}

	loc := fmt.Sprintf("%s%s/%s/%s/%s/%s.json.zst",
		deltaLogPrefix, part.Year, part.Month, part.Day, part.Hour, uuid.New().String())

	data, err := w.codec.Encode(batch)
	if err != nil {
		return "", fmt.Errorf("encode delta batch: %w", err)
	}
	if err := w.store.Put(ctx, loc, data); err != nil {
		return "", fmt.Errorf("persist delta batch %s: %w", loc, err)
	}

	if w.metrics != nil {
		w.metrics.DeltaBatchesWritten.Inc()
		w.metrics.DeltaBytesWritten.Add(float64(len(data)))
	}

	w.logger.Debug().
		Str("object", loc).
		Int("records", len(batch)).
		Int("bytes", len(data)).
		Msg("Wrote delta batch")

	return loc, nil
}

// Replay populates the cache from the persisted delta log, applying
// batches in creation order. It is how a node builds its view at startup
// and how a node that missed broadcasts converges again.
//
// An object that cannot be fetched or decoded is skipped with an error
// log rather than failing the whole replay; a partial view that keeps
// converging beats a node that refuses to start.
func Replay(ctx context.Context, store ObjectStore, codec *Codec, cache *Cache, logger zerolog.Logger) (int, error) {
	start := time.Now()

	keys, err := store.List(ctx, deltaLogPrefix)
	if err != nil {
		return 0, fmt.Errorf("list delta log: %w", err)
	}
	sort.Strings(keys)

	applied := 0
	for _, key := range keys {
		data, err := store.Get(ctx, key)
		if err != nil {
			logger.Error().Err(err).Str("object", key).Msg("Failed to fetch delta batch during replay")
			continue
		}
		batch, err := codec.Decode(data)
		if err != nil {
			logger.Error().Err(err).Str("object", key).Msg("Failed to decode delta batch during replay")
			continue
		}
		cache.Apply(batch)
		applied++
	}

	live, tombstoned := cache.Stats()
	logger.Info().
		Int("batches", applied).
		Int64("live", live).
		Int64("tombstoned", tombstoned).
		Dur("elapsed", time.Since(start)).
		Msg("Replayed file list from storage")

	return applied, nil
}
