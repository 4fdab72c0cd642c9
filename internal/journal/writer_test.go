package journal

import (
	"bufio"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestWriterRoundTripsEvents(t *testing.T) {
	root := t.TempDir()
	at := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

	writer, manifest, err := NewWriter(root, "mmatch_u1_u2_1717243200000", fixedClock(at))
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if manifest.RoomCode != "mmatch_u1_u2_1717243200000" {
		t.Fatalf("unexpected manifest: %+v", manifest)
	}

	if err := writer.AppendEvent("state", "u1", []byte(`{"selected":["A"]}`)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := writer.AppendEvent("end", "u1", []byte(`{"winner":"u1"}`)); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(filepath.Join(writer.Directory(), "events.jsonl.sz"))
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	defer file.Close()

	type record struct {
		Seq        uint64 `json:"seq"`
		Type       string `json:"type"`
		Sender     string `json:"sender"`
		PayloadB64 string `json:"payload_b64"`
	}
	var records []record
	scanner := bufio.NewScanner(snappy.NewReader(file))
	for scanner.Scan() {
		var r record
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			t.Fatalf("unmarshal line: %v", err)
		}
		records = append(records, r)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Type != "state" || records[0].Sender != "u1" || records[0].Seq != 1 {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	payload, err := base64.StdEncoding.DecodeString(records[1].PayloadB64)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if string(payload) != `{"winner":"u1"}` {
		t.Fatalf("unexpected end payload: %s", payload)
	}
}

func TestWriterRoundTripsStateFrames(t *testing.T) {
	root := t.TempDir()
	writer, _, err := NewWriter(root, "ABCD", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	frames := [][]byte{[]byte(`{"a":1}`), []byte(`{"a":2}`)}
	for _, frame := range frames {
		if err := writer.AppendState(frame); err != nil {
			t.Fatalf("AppendState: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(filepath.Join(writer.Directory(), "states.bin.zst"))
	if err != nil {
		t.Fatalf("open states: %v", err)
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()

	for i, want := range frames {
		header := make([]byte, 20)
		if _, err := io.ReadFull(decoder, header); err != nil {
			t.Fatalf("read header %d: %v", i, err)
		}
		size := binary.LittleEndian.Uint32(header[16:20])
		payload := make([]byte, size)
		if _, err := io.ReadFull(decoder, payload); err != nil {
			t.Fatalf("read payload %d: %v", i, err)
		}
		if string(payload) != string(want) {
			t.Fatalf("frame %d mismatch: %s", i, payload)
		}
	}
	if _, err := io.ReadFull(decoder, make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected EOF after frames, got %v", err)
	}
}

func TestWriterSanitisesRoomCode(t *testing.T) {
	root := t.TempDir()
	writer, _, err := NewWriter(root, "../../etc", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer writer.Close()
	rel, err := filepath.Rel(root, writer.Directory())
	if err != nil || len(rel) == 0 || rel[0] == '.' {
		t.Fatalf("journal escaped root: %q %v", rel, err)
	}
}

func TestWriterCloseIsIdempotent(t *testing.T) {
	writer, _, err := NewWriter(t.TempDir(), "ABCD", nil)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := writer.AppendEvent("state", "u1", nil); err == nil {
		t.Fatal("append after close should fail")
	}
}
