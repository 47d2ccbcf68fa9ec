package broadcast

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/filemesh/filemesh/internal/catalog"
	"github.com/filemesh/filemesh/internal/metrics"
)

// Transport delivers an encoded broadcast message to one peer. The mesh
// of nodes supplies the implementation; tests use in-process fakes.
type Transport interface {
	SendToPeer(ctx context.Context, peer string, data []byte) error
}

// Channel is the broadcast side of catalog convergence. Outbound, it fans
// delta batches to every subscribed peer, swallowing per-peer failures
// (each is reported, counted and logged, never propagated). Inbound, it
// decodes peer messages behind a rate limiter and applies them to the
// local cache.
type Channel struct {
	nodeID    string
	codec     *catalog.Codec
	transport Transport
	apply     func(catalog.Batch)
	limiter   *rate.Limiter
	report    func(peer string, err error)
	logger    zerolog.Logger
	metrics   *metrics.Metrics

	mu    sync.RWMutex
	peers map[string]bool
}

// Config contains configuration for a broadcast channel.
type Config struct {
	NodeID    string
	Codec     *catalog.Codec
	Transport Transport

	// Apply merges an inbound batch into the local cache.
	Apply func(catalog.Batch)

	Logger zerolog.Logger

	// Metrics may be nil; a throwaway registry is used then.
	Metrics *metrics.Metrics

	// Report observes per-peer send failures. May be nil.
	Report func(peer string, err error)

	// RateLimit bounds inbound messages per second (0 = 1000).
	RateLimit int
	// RateBurst is the inbound burst allowance (0 = 100).
	RateBurst int
}

// New creates a broadcast channel.
func New(cfg Config) *Channel {
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 1000
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = 100
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.New(prometheus.NewRegistry(), cfg.NodeID)
	}
	logger := cfg.Logger.With().Str("component", "broadcast").Logger()

	ch := &Channel{
		nodeID:    cfg.NodeID,
		codec:     cfg.Codec,
		transport: cfg.Transport,
		apply:     cfg.Apply,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		report:    cfg.Report,
		logger:    logger,
		metrics:   m,
		peers:     make(map[string]bool),
	}
	if ch.report == nil {
		ch.report = func(peer string, err error) {
			logger.Warn().Err(err).Str("peer", peer).Msg("Failed to deliver broadcast to peer")
		}
	}
	return ch
}

// AddPeer subscribes a peer to future broadcasts.
func (ch *Channel) AddPeer(peer string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if !ch.peers[peer] {
		ch.logger.Info().Str("peer", peer).Msg("Added broadcast peer")
		ch.peers[peer] = true
	}
}

// RemovePeer unsubscribes a peer.
func (ch *Channel) RemovePeer(peer string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.peers[peer] {
		ch.logger.Info().Str("peer", peer).Msg("Removed broadcast peer")
		delete(ch.peers, peer)
	}
}

// Peers returns a copy of the current peer list.
func (ch *Channel) Peers() []string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	peers := make([]string, 0, len(ch.peers))
	for peer := range ch.peers {
		peers = append(peers, peer)
	}
	return peers
}

// Send fans the batch out to all subscribed peers. Batch-internal record
// order is preserved inside the single payload. Per-peer delivery
// failures are swallowed after reporting: a peer that misses a broadcast
// converges from the durable delta log on its next replay. Send only
// fails when the batch cannot be encoded at all.
func (ch *Channel) Send(ctx context.Context, batch catalog.Batch) error {
	peers := ch.Peers()
	if len(peers) == 0 {
		return nil
	}

	payload, err := ch.codec.Encode(batch)
	if err != nil {
		return fmt.Errorf("encode broadcast batch: %w", err)
	}
	msg := &Message{
		Version: ProtocolVersion,
		Type:    MessageTypeDelta,
		ID:      uuid.New().String(),
		From:    ch.nodeID,
		Payload: payload,
	}
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	for _, peer := range peers {
		if err := ch.transport.SendToPeer(ctx, peer, data); err != nil {
			ch.metrics.BroadcastSendFailures.Inc()
			ch.report(peer, err)
			continue
		}
		ch.metrics.BroadcastsSent.Inc()
	}
	return nil
}

// Receive handles one inbound message from a peer and applies its batch
// to the local cache. Redelivered messages are harmless because cache
// application is idempotent. Messages beyond the rate limit are dropped;
// the sender does not expect an acknowledgment and the durable log covers
// the loss.
func (ch *Channel) Receive(from string, data []byte) error {
	if !ch.limiter.Allow() {
		ch.metrics.BroadcastsRateLimited.Inc()
		ch.logger.Warn().Str("from", from).Msg("Dropping broadcast, rate limit exceeded")
		return nil
	}

	msg, err := UnmarshalMessage(data)
	if err != nil {
		ch.metrics.BroadcastsRejected.Inc()
		return err
	}
	batch, err := ch.codec.Decode(msg.Payload)
	if err != nil {
		ch.metrics.BroadcastsRejected.Inc()
		return fmt.Errorf("decode broadcast payload: %w", err)
	}

	ch.apply(batch)
	ch.metrics.BroadcastsReceived.Inc()

	ch.logger.Debug().
		Str("from", msg.From).
		Str("id", msg.ID).
		Int("records", len(batch)).
		Msg("Applied broadcast batch")
	return nil
}
