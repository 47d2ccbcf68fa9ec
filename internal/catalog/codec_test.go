package catalog

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
)

func testBatch() Batch {
	return Batch{
		{
			Key: "files/default/logs/olympics/2022/10/03/10/1.parquet",
			Meta: SegmentMeta{
				OriginalSize:   4096,
				CompressedSize: 1024,
				Records:        100,
				MinTS:          1663064862606912,
				MaxTS:          1663064862606912,
			},
		},
		{
			Key:     "files/default/logs/olympics/2022/10/03/10/2.parquet",
			Deleted: true,
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	codec := NewCodec()
	batch := testBatch()

	data, err := codec.Encode(batch)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if len(decoded) != len(batch) {
		t.Fatalf("expected %d records, got %d", len(batch), len(decoded))
	}
	for i := range batch {
		if decoded[i] != batch[i] {
			t.Errorf("record %d mismatch: got %+v, want %+v", i, decoded[i], batch[i])
		}
	}
}

func TestCodecPreservesOrder(t *testing.T) {
	codec := NewCodec()
	var batch Batch
	for _, id := range []string{"c", "a", "b"} {
		batch = append(batch, Record{
			Key: "files/default/logs/olympics/2022/10/03/10/" + id + ".parquet",
		})
	}

	data, err := codec.Encode(batch)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	for i := range batch {
		if decoded[i].Key != batch[i].Key {
			t.Errorf("record %d out of order: got %s, want %s", i, decoded[i].Key, batch[i].Key)
		}
	}
}

// The wire format is shared with other consumers: newline-delimited JSON
// compressed as a single zstd stream.
func TestCodecWireFormat(t *testing.T) {
	codec := NewCodec()
	data, err := codec.Encode(testBatch())
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	dec, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("output is not a zstd stream: %v", err)
	}
	defer dec.Close()

	var raw bytes.Buffer
	if _, err := raw.ReadFrom(dec); err != nil {
		t.Fatalf("decompress failed: %v", err)
	}

	lines := bytes.Split(bytes.TrimRight(raw.Bytes(), "\n"), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 NDJSON lines, got %d", len(lines))
	}
	if !bytes.Contains(lines[1], []byte(`"deleted":true`)) {
		t.Errorf("tombstone record missing deleted flag: %s", lines[1])
	}
	if !bytes.Contains(lines[0], []byte(`"original_size":4096`)) {
		t.Errorf("meta record missing original_size: %s", lines[0])
	}
}

func TestCodecEmptyBatch(t *testing.T) {
	codec := NewCodec()
	data, err := codec.Encode(nil)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := codec.Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded) != 0 {
		t.Errorf("expected empty batch, got %d records", len(decoded))
	}
}

func TestCodecDecodeGarbage(t *testing.T) {
	codec := NewCodec()
	if _, err := codec.Decode([]byte("not zstd at all")); err == nil {
		t.Error("expected error decoding garbage input")
	}
}

func TestCodecReuse(t *testing.T) {
	codec := NewCodec()
	batch := testBatch()

	// Exercise encoder/decoder pooling across several cycles.
	for i := 0; i < 10; i++ {
		data, err := codec.Encode(batch)
		if err != nil {
			t.Fatalf("Encode %d failed: %v", i, err)
		}
		decoded, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("Decode %d failed: %v", i, err)
		}
		if len(decoded) != len(batch) {
			t.Fatalf("cycle %d: expected %d records, got %d", i, len(batch), len(decoded))
		}
	}
}
