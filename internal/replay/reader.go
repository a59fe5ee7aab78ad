package replay

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"

	"driftpursuit/radarcore/internal/radar"
)

// EventRecord is one line of the lifecycle log.
type EventRecord struct {
	Tick       uint64          `json:"tick"`
	CapturedAt time.Time       `json:"captured_at"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
}

// FrameRecord is one decoded entry of the frame stream.
type FrameRecord struct {
	Tick       uint64
	Pass       uint64
	CapturedAt time.Time
	Frame      radar.Frame
}

// ReadManifest loads the manifest of the session in dir.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return Manifest{}, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	if manifest.EventsPath == "" || manifest.FramesPath == "" {
		return Manifest{}, fmt.Errorf("manifest in %s is missing stream paths", dir)
	}
	return manifest, nil
}

// ReadEvents decodes the lifecycle log of the session in dir.
func ReadEvents(dir string) ([]EventRecord, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.EventsPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var events []EventRecord
	scanner := bufio.NewScanner(snappy.NewReader(file))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var record EventRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", len(events), err)
		}
		events = append(events, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// ReadFrames decodes the frame stream of the session in dir.
func ReadFrames(dir string) ([]FrameRecord, error) {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filepath.Join(dir, manifest.FramesPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	decoder, err := zstd.NewReader(file)
	if err != nil {
		return nil, err
	}
	defer decoder.Close()

	var frames []FrameRecord
	header := make([]byte, frameHeaderSize)
	for {
		//1.- A clean EOF on a record boundary ends the stream; anything else is truncation.
		if _, err := io.ReadFull(decoder, header); err != nil {
			if errors.Is(err, io.EOF) {
				return frames, nil
			}
			return nil, fmt.Errorf("read frame header %d: %w", len(frames), err)
		}
		record := FrameRecord{
			Tick:       binary.LittleEndian.Uint64(header[0:8]),
			Pass:       binary.LittleEndian.Uint64(header[8:16]),
			CapturedAt: time.UnixMilli(int64(binary.LittleEndian.Uint64(header[16:24]))).UTC(),
		}
		payload := make([]byte, binary.LittleEndian.Uint32(header[24:28]))
		if _, err := io.ReadFull(decoder, payload); err != nil {
			return nil, fmt.Errorf("read frame payload %d: %w", len(frames), err)
		}
		if err := json.Unmarshal(payload, &record.Frame); err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", len(frames), err)
		}
		frames = append(frames, record)
	}
}
