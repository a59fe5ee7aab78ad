package replay

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/golang/snappy"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"

	"driftpursuit/radarcore/internal/radar"
)

var labelCleaner = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

const (
	// FrameInterval is the minimum spacing between frame stream flushes.
	FrameInterval = 200 * time.Millisecond

	manifestName = "manifest.json"
	headerName   = "header.json"
	eventsName   = "events.jsonl.sz"
	framesName   = "frames.bin.zst"

	// frameHeaderSize is tick, pass, captured milliseconds and payload length.
	frameHeaderSize = 8 + 8 + 8 + 4
)

// ErrWriterClosed is returned by appends after Close.
var ErrWriterClosed = errors.New("replay writer closed")

type frameBlob struct {
	tick       uint64
	pass       uint64
	capturedMs int64
	payload    []byte
}

// Writer streams lifecycle events and radar frames of one session to disk.
type Writer struct {
	mu          sync.Mutex
	dir         string
	sessionID   string
	now         func() time.Time
	eventFile   *os.File
	eventStream *snappy.Writer
	frameFile   *os.File
	frameStream *zstd.Encoder
	pending     []frameBlob
	lastFlush   time.Time
	header      Header
	stats       WriterStats
	closed      bool
}

// WriterStats counts what a writer has persisted.
type WriterStats struct {
	SessionID     string `json:"session_id"`
	Events        int64  `json:"events"`
	FramesWritten int64  `json:"frames_written"`
	FramesPending int    `json:"frames_pending"`
	Flushes       int64  `json:"flushes"`
}

// Manifest describes the session layout so readers can locate the streams.
type Manifest struct {
	Version         int    `json:"version"`
	SessionID       string `json:"session_id"`
	CreatedAt       string `json:"created_at"`
	FrameIntervalMs int    `json:"frame_interval_ms"`
	EventsPath      string `json:"events_path"`
	FramesPath      string `json:"frames_path"`
}

// NewWriter creates a session directory under root and opens the compressed streams.
func NewWriter(root, label string, clock func() time.Time) (*Writer, Manifest, error) {
	if root == "" {
		return nil, Manifest{}, fmt.Errorf("replay root must be provided")
	}
	if clock == nil {
		clock = time.Now
	}

	cleaned := labelCleaner.ReplaceAllString(label, "")
	if cleaned == "" {
		cleaned = "session"
	}
	sessionID := uuid.NewString()
	created := clock().UTC()
	path := filepath.Join(root, fmt.Sprintf("%s-%s-%s", cleaned, created.Format("20060102T150405Z"), sessionID[:8]))
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, Manifest{}, err
	}

	//1.- Open both sinks, unwinding whatever was opened when a later step fails.
	eventFile, err := os.Create(filepath.Join(path, eventsName))
	if err != nil {
		return nil, Manifest{}, err
	}
	eventStream := snappy.NewBufferedWriter(eventFile)
	frameFile, err := os.Create(filepath.Join(path, framesName))
	if err != nil {
		eventFile.Close()
		return nil, Manifest{}, err
	}
	frameStream, err := zstd.NewWriter(frameFile)
	if err != nil {
		eventStream.Close()
		eventFile.Close()
		frameFile.Close()
		return nil, Manifest{}, err
	}

	manifest := Manifest{
		Version:         1,
		SessionID:       sessionID,
		CreatedAt:       created.Format(time.RFC3339Nano),
		FrameIntervalMs: int(FrameInterval / time.Millisecond),
		EventsPath:      eventsName,
		FramesPath:      framesName,
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(path, manifestName), data, 0o644)
	}
	if err != nil {
		frameStream.Close()
		frameFile.Close()
		eventStream.Close()
		eventFile.Close()
		return nil, Manifest{}, err
	}

	return &Writer{
		dir:         path,
		sessionID:   sessionID,
		now:         clock,
		eventFile:   eventFile,
		eventStream: eventStream,
		frameFile:   frameFile,
		frameStream: frameStream,
		header:      Header{SchemaVersion: HeaderSchemaVersion, SessionID: sessionID, FilePointer: manifestName},
		stats:       WriterStats{SessionID: sessionID},
	}, manifest, nil
}

// Directory exposes the session directory.
func (w *Writer) Directory() string {
	if w == nil {
		return ""
	}
	return w.dir
}

// SessionID returns the uuid naming this session.
func (w *Writer) SessionID() string {
	if w == nil {
		return ""
	}
	return w.sessionID
}

// SetHeader records the scenario name and engine parameters written on Close.
func (w *Writer) SetHeader(scenario string, params Parameters) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.header.Scenario = scenario
	w.header.Parameters = params.Clone()
	w.mu.Unlock()
}

// AppendEvent writes one JSON line to the lifecycle log and flushes it.
func (w *Writer) AppendEvent(tick uint64, eventType string, payload any) error {
	if w == nil {
		return ErrWriterClosed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}
	line, err := json.Marshal(EventRecord{
		Tick:       tick,
		CapturedAt: w.now().UTC(),
		Type:       eventType,
		Payload:    body,
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if _, err := w.eventStream.Write(append(line, '\n')); err != nil {
		return err
	}
	w.stats.Events++
	return w.eventStream.Flush()
}

// AppendFrame stages a frame and flushes the stage once FrameInterval has elapsed.
func (w *Writer) AppendFrame(tick uint64, frame radar.Frame) error {
	if w == nil {
		return ErrWriterClosed
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame %d: %w", frame.Pass, err)
	}
	captured := w.now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.pending = append(w.pending, frameBlob{tick: tick, pass: frame.Pass, capturedMs: frame.CapturedAtMs, payload: payload})
	if w.lastFlush.IsZero() {
		w.lastFlush = captured
		return nil
	}
	if captured.Sub(w.lastFlush) >= FrameInterval {
		if err := w.flushLocked(); err != nil {
			return err
		}
		w.lastFlush = captured
	}
	return nil
}

// Flush forces staged frames out regardless of cadence.
func (w *Writer) Flush() error {
	if w == nil {
		return ErrWriterClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.frameStream.Flush(); err != nil {
		return err
	}
	w.lastFlush = w.now().UTC()
	return nil
}

// Stats returns persistence counters.
func (w *Writer) Stats() WriterStats {
	if w == nil {
		return WriterStats{}
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.stats
	stats.FramesPending = len(w.pending)
	return stats
}

// Close writes the header, flushes every stream and releases the files.
// Every step is attempted; the first failure is returned.
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
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(WriteHeader(filepath.Join(w.dir, headerName), w.header))
	keep(w.flushLocked())
	keep(w.eventStream.Close())
	keep(w.eventFile.Close())
	keep(w.frameStream.Close())
	keep(w.frameFile.Close())
	return firstErr
}

// flushLocked writes staged frames as length-prefixed records; callers hold the mutex.
func (w *Writer) flushLocked() error {
	if len(w.pending) == 0 {
		return nil
	}
	header := make([]byte, frameHeaderSize)
	for _, frame := range w.pending {
		binary.LittleEndian.PutUint64(header[0:8], frame.tick)
		binary.LittleEndian.PutUint64(header[8:16], frame.pass)
		binary.LittleEndian.PutUint64(header[16:24], uint64(frame.capturedMs))
		binary.LittleEndian.PutUint32(header[24:28], uint32(len(frame.payload)))
		if _, err := w.frameStream.Write(header); err != nil {
			return err
		}
		if _, err := w.frameStream.Write(frame.payload); err != nil {
			return err
		}
		w.stats.FramesWritten++
	}
	w.stats.Flushes++
	w.pending = w.pending[:0]
	return nil
}
