// Package broadcast fans file list delta batches out to peer nodes so
// their caches converge without a consensus round. Delivery is
// at-least-once, unordered across peers and fire-and-forget; the durable
// delta log remains the source of truth for any peer that misses a
// message.
package broadcast

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the current broadcast protocol version.
// Version history:
//   - v1: delta batch fan-out with zstd-compressed NDJSON payloads
const ProtocolVersion = 1

// MessageType identifies the type of broadcast message.
type MessageType string

const (
	// MessageTypeDelta carries one compressed delta batch.
	MessageTypeDelta MessageType = "delta"
)

// Message is the envelope for broadcast protocol messages. The payload of
// a delta message is the same compressed NDJSON encoding that the delta
// log stores, so receivers reuse the catalog codec to decode it.
type Message struct {
	Version int         `json:"version"`
	Type    MessageType `json:"type"`
	ID      string      `json:"id"`   // unique per message, for tracing redelivery
	From    string      `json:"from"` // sender's node id
	Payload []byte      `json:"payload"`
}

// Marshal encodes the message for the wire.
func (m *Message) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal broadcast message: %w", err)
	}
	return data, nil
}

// UnmarshalMessage decodes and validates a wire message.
func UnmarshalMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal broadcast message: %w", err)
	}
	if m.Version != ProtocolVersion {
		return nil, fmt.Errorf("unsupported broadcast protocol version %d", m.Version)
	}
	if m.Type != MessageTypeDelta {
		return nil, fmt.Errorf("unknown broadcast message type %q", m.Type)
	}
	return &m, nil
}
