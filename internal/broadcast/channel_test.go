package broadcast

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/filemesh/filemesh/internal/catalog"
)

// fakeTransport records outbound messages and can fail selected peers.
type fakeTransport struct {
	mu       sync.Mutex
	sent     map[string][][]byte // peer -> messages
	failPeer string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(map[string][][]byte)}
}

func (f *fakeTransport) SendToPeer(ctx context.Context, peer string, data []byte) error {
	if peer == f.failPeer {
		return errors.New("peer unreachable")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[peer] = append(f.sent[peer], data)
	return nil
}

func (f *fakeTransport) messages(peer string) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[peer]
}

func testBatch() catalog.Batch {
	return catalog.Batch{
		{
			Key:  "files/default/logs/olympics/2022/10/03/10/1.parquet",
			Meta: catalog.SegmentMeta{OriginalSize: 4096, CompressedSize: 1024, MinTS: 100, MaxTS: 200},
		},
		{
			Key:     "files/default/logs/olympics/2022/10/03/10/2.parquet",
			Deleted: true,
		},
	}
}

type channelEnv struct {
	channel   *Channel
	transport *fakeTransport
	cache     *catalog.Cache
	reported  []string
}

func newChannelEnv(rateLimit, rateBurst int) *channelEnv {
	env := &channelEnv{
		transport: newFakeTransport(),
		cache:     catalog.NewCache(),
	}
	env.channel = New(Config{
		NodeID:    "node-1",
		Codec:     catalog.NewCodec(),
		Transport: env.transport,
		Apply:     env.cache.Apply,
		Logger:    zerolog.Nop(),
		Report: func(peer string, err error) {
			env.reported = append(env.reported, peer)
		},
		RateLimit: rateLimit,
		RateBurst: rateBurst,
	})
	return env
}

func TestChannelSendFansOut(t *testing.T) {
	env := newChannelEnv(0, 0)
	env.channel.AddPeer("peer-a")
	env.channel.AddPeer("peer-b")

	if err := env.channel.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	for _, peer := range []string{"peer-a", "peer-b"} {
		if got := len(env.transport.messages(peer)); got != 1 {
			t.Errorf("expected 1 message to %s, got %d", peer, got)
		}
	}
}

func TestChannelSendNoPeers(t *testing.T) {
	env := newChannelEnv(0, 0)
	if err := env.channel.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send with no peers failed: %v", err)
	}
}

// A peer that cannot be reached never fails the operation; the failure is
// reported and the other peers still receive the batch.
func TestChannelSendPeerFailureSwallowed(t *testing.T) {
	env := newChannelEnv(0, 0)
	env.channel.AddPeer("peer-a")
	env.channel.AddPeer("peer-down")
	env.transport.failPeer = "peer-down"

	if err := env.channel.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if got := len(env.transport.messages("peer-a")); got != 1 {
		t.Errorf("expected healthy peer to receive 1 message, got %d", got)
	}
	if len(env.reported) != 1 || env.reported[0] != "peer-down" {
		t.Errorf("expected one reported failure for peer-down, got %v", env.reported)
	}
}

func TestChannelRoundTrip(t *testing.T) {
	sender := newChannelEnv(0, 0)
	receiver := newChannelEnv(0, 0)
	sender.channel.AddPeer("peer-b")

	batch := testBatch()
	if err := sender.channel.Send(context.Background(), batch); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msgs := sender.transport.messages("peer-b")
	if len(msgs) != 1 {
		t.Fatalf("expected 1 outbound message, got %d", len(msgs))
	}
	if err := receiver.channel.Receive("node-1", msgs[0]); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}

	if l := receiver.cache.Lookup(batch[0].Key); !l.Found {
		t.Error("expected live record applied on receiver")
	}
	if l := receiver.cache.Lookup(batch[1].Key); l.Found {
		t.Error("expected tombstone applied on receiver")
	}
}

// Redelivery of the same message must not change observable state.
func TestChannelReceiveRedelivery(t *testing.T) {
	sender := newChannelEnv(0, 0)
	receiver := newChannelEnv(0, 0)
	sender.channel.AddPeer("peer-b")

	if err := sender.channel.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg := sender.transport.messages("peer-b")[0]

	for i := 0; i < 3; i++ {
		if err := receiver.channel.Receive("node-1", msg); err != nil {
			t.Fatalf("Receive %d failed: %v", i, err)
		}
	}

	live, tombstoned := receiver.cache.Stats()
	if live != 1 || tombstoned != 1 {
		t.Errorf("expected 1 live / 1 tombstoned after redelivery, got %d/%d", live, tombstoned)
	}
}

func TestChannelReceiveRateLimited(t *testing.T) {
	sender := newChannelEnv(0, 0)
	receiver := newChannelEnv(1, 1)
	sender.channel.AddPeer("peer-b")

	if err := sender.channel.Send(context.Background(), testBatch()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	msg := sender.transport.messages("peer-b")[0]

	// First message passes, the burst is spent, the second is dropped
	// without error.
	if err := receiver.channel.Receive("node-1", msg); err != nil {
		t.Fatalf("first Receive failed: %v", err)
	}
	if err := receiver.channel.Receive("node-1", msg); err != nil {
		t.Fatalf("rate-limited Receive should not error, got %v", err)
	}
}

func TestChannelReceiveRejectsGarbage(t *testing.T) {
	env := newChannelEnv(0, 0)
	if err := env.channel.Receive("node-x", []byte("not json")); err == nil {
		t.Error("expected error for malformed message")
	}
}

func TestChannelReceiveRejectsWrongVersion(t *testing.T) {
	env := newChannelEnv(0, 0)

	msg := &Message{Version: 99, Type: MessageTypeDelta, ID: "x", From: "node-x"}
	data, err := msg.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := env.channel.Receive("node-x", data); err == nil {
		t.Error("expected error for unsupported protocol version")
	}
}

func TestChannelPeerManagement(t *testing.T) {
	env := newChannelEnv(0, 0)
	env.channel.AddPeer("peer-a")
	env.channel.AddPeer("peer-a") // duplicate
	env.channel.AddPeer("peer-b")
	env.channel.RemovePeer("peer-b")

	peers := env.channel.Peers()
	if len(peers) != 1 || peers[0] != "peer-a" {
		t.Errorf("expected [peer-a], got %v", peers)
	}
}
