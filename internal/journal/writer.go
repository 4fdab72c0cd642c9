package journal

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var matchCodeCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Manifest describes the journal bundle layout so tooling can locate artefacts.
type Manifest struct {
	Version    int    `json:"version"`
	RoomCode   string `json:"room_code"`
	CreatedAt  string `json:"created_at"`
	EventsPath string `json:"events_path"`
	StatePath  string `json:"states_path"`
}

// Writer streams the events relayed through one match to disk: a snappy
// compressed JSONL log for every relayed event plus a zstd stream holding the
// raw state snapshots for replay tooling.
type Writer struct {
	mu          sync.Mutex
	dir         string
	now         func() time.Time
	seq         uint64
	eventFile   *os.File
	eventStream *snappy.Writer
	stateFile   *os.File
	stateStream *zstd.Encoder
	closed      bool
}

// NewWriter prepares the journal directory for a match and opens the
// compressed sinks. The directory name combines the sanitised room code with
// the creation timestamp so repeated matches on one code never collide.
func NewWriter(root, roomCode string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("journal root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := matchCodeCleaner.ReplaceAllString(roomCode, "")
	if cleaned == "" {
		cleaned = "match"
	}
	created := clock().UTC()
	folder := fmt.Sprintf("%s-%s", cleaned, created.Format("20060102T150405Z"))
	path := filepath.Join(root, folder)

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	eventsPath := filepath.Join(path, "events.jsonl.sz")
	statesPath := filepath.Join(path, "states.bin.zst")
	manifestPath := filepath.Join(path, "manifest.json")

	eventFile, err := os.Create(eventsPath)
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)

	stateFile, err := os.Create(statesPath)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}
	stateStream, err := zstd.NewWriter(stateFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		stateFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:    1,
		RoomCode:   roomCode,
		CreatedAt:  created.Format(time.RFC3339Nano),
		EventsPath: "events.jsonl.sz",
		StatePath:  "states.bin.zst",
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(manifestPath, data, 0o644)
	}
	if err != nil {
		stateStream.Close()
		stateFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	writer := &Writer{
		dir:         path,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		stateFile:   stateFile,
		stateStream: stateStream,
	}
	return writer, manifest, nil
}

// Directory exposes the directory backing the journal bundle.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// AppendEvent writes a single JSON event line to the compressed event log.
func (w *Writer) AppendEvent(eventType, sender string, payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}

	w.seq++
	//1.- Encode the event with metadata so downstream JSONL parsers can stream it safely.
	record := struct {
		Seq        uint64 `json:"seq"`
		CapturedAt string `json:"captured_at"`
		Type       string `json:"type"`
		Sender     string `json:"sender"`
		PayloadB64 string `json:"payload_b64,omitempty"`
	}{
		Seq:        w.seq,
		CapturedAt: captured.Format(time.RFC3339Nano),
		Type:       eventType,
		Sender:     sender,
		PayloadB64: base64.StdEncoding.EncodeToString(payload),
	}
	line, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := w.eventStream.Write(line); err != nil {
		return err
	}
	if _, err := w.eventStream.Write([]byte("\n")); err != nil {
		return err
	}
	return w.eventStream.Flush()
}

// AppendState writes a raw state snapshot as a length-prefixed frame so
// replayers can step through states without parsing JSON.
func (w *Writer) AppendState(payload []byte) error {
	if w == nil {
		return fmt.Errorf("journal writer not initialised")
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("journal writer closed")
	}

	w.seq++
	header := make([]byte, 8+8+4)
	binary.LittleEndian.PutUint64(header[0:8], w.seq)
	binary.LittleEndian.PutUint64(header[8:16], uint64(captured.UnixNano()))
	binary.LittleEndian.PutUint32(header[16:20], uint32(len(payload)))
	if _, err := w.stateStream.Write(header); err != nil {
		return err
	}
	_, err := w.stateStream.Write(payload)
	return err
}

// Close flushes all buffers and releases file handles. Safe to call twice.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	var firstErr error
	if err := w.eventStream.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.eventFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.stateStream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := w.stateFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
