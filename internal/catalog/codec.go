package catalog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Codec serializes delta batches for the wire and for durable storage.
// The format is newline-delimited JSON, one record per line, with the
// whole stream zstd-compressed. The format is an interop surface shared
// with other consumers of the file list and must stay bit-compatible.
//
// Encoders and decoders are pooled for reuse; zstd instances are expensive
// to construct and safe to reset between uses.
type Codec struct {
	encoders chan *zstd.Encoder
	decoders chan *zstd.Decoder
}

// codecPoolSize bounds the number of idle zstd instances kept around.
const codecPoolSize = 4

// NewCodec creates a codec with pooled zstd encoders at the default
// (moderate) compression level. The level trades ratio against CPU and is
// not correctness-relevant.
func NewCodec() *Codec {
	return &Codec{
		encoders: make(chan *zstd.Encoder, codecPoolSize),
		decoders: make(chan *zstd.Decoder, codecPoolSize),
	}
}

func (c *Codec) getEncoder() (*zstd.Encoder, error) {
	select {
	case enc := <-c.encoders:
		return enc, nil
	default:
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	}
}

func (c *Codec) putEncoder(enc *zstd.Encoder) {
	select {
	case c.encoders <- enc:
	default:
		_ = enc.Close()
	}
}

func (c *Codec) getDecoder() (*zstd.Decoder, error) {
	select {
	case dec := <-c.decoders:
		return dec, nil
	default:
		return zstd.NewReader(nil)
	}
}

func (c *Codec) putDecoder(dec *zstd.Decoder) {
	select {
	case c.decoders <- dec:
	default:
		dec.Close()
	}
}

// Encode serializes a batch to compressed NDJSON. Record order is
// preserved.
func (c *Codec) Encode(batch Batch) ([]byte, error) {
	enc, err := c.getEncoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}

	var buf bytes.Buffer
	enc.Reset(&buf)
	for _, rec := range batch {
		line, err := json.Marshal(rec)
		if err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("marshal record %s: %w", rec.Key, err)
		}
		line = append(line, '\n')
		if _, err := enc.Write(line); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("compress record %s: %w", rec.Key, err)
		}
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finish zstd stream: %w", err)
	}
	enc.Reset(nil)
	c.putEncoder(enc)

	return buf.Bytes(), nil
}

// Decode parses a compressed NDJSON object back into a batch. Blank lines
// are tolerated; any undecodable record fails the whole batch, since a
// partially applied delta object would desynchronize the cache from the
// durable log.
func (c *Codec) Decode(data []byte) (Batch, error) {
	dec, err := c.getDecoder()
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer c.putDecoder(dec)

	if err := dec.Reset(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("reset zstd decoder: %w", err)
	}

	var batch Batch
	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal record: %w", err)
		}
		batch = append(batch, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read zstd stream: %w", err)
	}

	return batch, nil
}
