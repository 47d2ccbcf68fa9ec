package catalog

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/filemesh/filemesh/internal/metrics"
)

// Stage identifies a best-effort step of the mutation protocol for
// failure reporting.
type Stage string

const (
	StageBroadcast      Stage = "broadcast"
	StagePhysicalDelete Stage = "physical_delete"
)

// FailureReporter observes failures of best-effort steps. The enclosing
// operation still succeeds; the reporter exists so that "failure was
// observed but the operation completed" is visible to logs, metrics and
// tests instead of vanishing.
type FailureReporter func(stage Stage, key string, err error)

// Catalog orchestrates mutations against the file list. Every mutation
// follows the same pipeline: persist a delta batch to durable storage,
// record progress (the idempotency barrier), broadcast to peers, apply to
// the local cache. Retirement additionally removes the physical object as
// a best-effort final step.
type Catalog struct {
	nodeID    string
	cache     *Cache
	writer    *DeltaWriter
	store     ObjectStore
	progress  ProgressStore
	broadcast Broadcaster
	report    FailureReporter
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

// Config assembles a Catalog from its collaborators.
type Config struct {
	NodeID    string
	Cache     *Cache
	Codec     *Codec
	Store     ObjectStore
	Progress  ProgressStore
	Broadcast Broadcaster
	Logger    zerolog.Logger

	// Metrics may be nil; a throwaway registry is used then.
	Metrics *metrics.Metrics

	// Report may be nil; best-effort failures are then logged at warn
	// level only.
	Report FailureReporter
}

// New creates a catalog service.
func New(cfg Config) *Catalog {
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry(), cfg.NodeID)
	}
	logger := cfg.Logger.With().Str("component", "catalog").Logger()

	c := &Catalog{
		nodeID:    cfg.NodeID,
		cache:     cfg.Cache,
		writer:    NewDeltaWriter(cfg.Store, cfg.Codec, cfg.Logger, m),
		store:     cfg.Store,
		progress:  cfg.Progress,
		broadcast: cfg.Broadcast,
		report:    cfg.Report,
		logger:    logger,
		metrics:   m,
	}
	if c.report == nil {
		c.report = func(stage Stage, key string, err error) {
			logger.Warn().Err(err).Str("stage", string(stage)).Str("key", key).
				Msg("Best-effort step failed, operation continues")
		}
	}
	return c
}

// Cache exposes the node's file list index for read paths.
func (c *Catalog) Cache() *Cache {
	return c.cache
}

// RetireSegment logically deletes one segment and then reclaims its
// storage. The state machine is:
//
//	Requested -> LogPersisted -> ProgressRecorded -> Broadcast -> PhysicallyDeleted
//
// with an early Skipped exit for keys that do not follow the files/...
// layout. Malformed keys are tolerated, not errors: upstream may request
// deletion of keys that never fully committed.
//
// The tombstone must be durable before the physical delete. A crash after
// LogPersisted leaves a tombstoned segment that still exists in storage,
// which queries already ignore and a reclamation sweep can retry. The
// reverse order could leave a live catalog entry pointing at data that no
// longer exists, which no replay can repair.
//
// The operation succeeds once the tombstone is durable, progress is
// recorded and the broadcast was attempted; broadcast and physical
// deletion failures are reported but never propagated.
func (c *Catalog) RetireSegment(ctx context.Context, key string) error {
	if _, ok := ParseKey(key); !ok {
		c.metrics.RetirementsSkipped.Inc()
		c.logger.Debug().Str("key", key).Msg("Ignoring retirement of malformed segment key")
		return nil
	}

	batch := Batch{Tombstone(key)}

	if _, err := c.writer.Write(ctx, batch); err != nil {
		c.metrics.RetirementsFailed.Inc()
		return fmt.Errorf("persist tombstone for %s: %w", key, err)
	}
	if err := c.progress.Record(ctx, key, SegmentMeta{}, true); err != nil {
		c.metrics.RetirementsFailed.Inc()
		return fmt.Errorf("record retirement progress for %s: %w", key, err)
	}

	if err := c.broadcast.Send(ctx, batch); err != nil {
		c.report(StageBroadcast, key, err)
	}
	c.applyLocal(batch)

	// The segment is already logically retired; reclamation is best
	// effort and retried out of band when it fails.
	if err := c.store.Delete(ctx, key); err != nil {
		c.metrics.PhysicalDeleteFailures.Inc()
		c.report(StagePhysicalDelete, key, err)
	}

	c.metrics.RetirementsCompleted.Inc()
	c.logger.Info().Str("key", key).Msg("Retired segment")
	return nil
}

// Commit records a batch of newly written segments in the catalog. It is
// the additive counterpart of RetireSegment: same pipeline, no physical
// deletion. Records with malformed keys are dropped; a batch left empty
// by that filtering is a no-op.
func (c *Catalog) Commit(ctx context.Context, batch Batch) error {
	kept := make(Batch, 0, len(batch))
	for _, rec := range batch {
		if _, ok := ParseKey(rec.Key); ok {
			kept = append(kept, rec)
		} else {
			c.logger.Debug().Str("key", rec.Key).Msg("Dropping record with malformed segment key")
		}
	}
	if len(kept) == 0 {
		return nil
	}

	if _, err := c.writer.Write(ctx, kept); err != nil {
		return fmt.Errorf("persist commit batch: %w", err)
	}
	for _, rec := range kept {
		if err := c.progress.Record(ctx, rec.Key, rec.Meta, rec.Deleted); err != nil {
			return fmt.Errorf("record commit progress for %s: %w", rec.Key, err)
		}
	}

	if err := c.broadcast.Send(ctx, kept); err != nil {
		c.report(StageBroadcast, kept[0].Key, err)
	}
	c.applyLocal(kept)

	c.metrics.CommitsApplied.Inc()
	return nil
}

// applyLocal merges a batch into the local cache and refreshes the index
// gauges. Peers apply the same batch when the broadcast reaches them.
func (c *Catalog) applyLocal(batch Batch) {
	c.cache.Apply(batch)
	live, tombstoned := c.cache.Stats()
	c.metrics.SegmentsLive.Set(float64(live))
	c.metrics.SegmentsTombstoned.Set(float64(tombstoned))
}

// ListSegments returns the live segment keys for a stream whose time
// interval overlaps [timeMin, timeMax]. Served entirely from memory.
func (c *Catalog) ListSegments(org, stream, streamType string, timeMin, timeMax int64) []string {
	return c.cache.Query(org, stream, streamType, timeMin, timeMax)
}

// GetSegmentMeta returns the metadata for one segment key, falling back
// to the zero value when the key is absent. Catalog staleness must never
// abort a caller's best-effort computation, so there is no error return.
func (c *Catalog) GetSegmentMeta(key string) SegmentMeta {
	return c.cache.Lookup(key).Meta
}
