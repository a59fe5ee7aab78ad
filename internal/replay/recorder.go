package replay

import (
	"errors"
	"sync"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/radar"
	"driftpursuit/radarcore/internal/state"
)

// Lifecycle event types written to the event log.
const (
	EventObjectAdded   = "object_added"
	EventObjectRemoved = "object_removed"
)

// ObjectEvent is the payload of lifecycle events.
type ObjectEvent struct {
	ID          string     `json:"id"`
	Kind        string     `json:"kind,omitempty"`
	Faction     string     `json:"faction,omitempty"`
	Position    [2]float64 `json:"position"`
	Radius      float64    `json:"radius"`
	SensorRange float64    `json:"sensor_range,omitempty"`
}

func objectEvent(object *state.SpaceObject) ObjectEvent {
	return ObjectEvent{
		ID:          object.ID,
		Kind:        object.Kind,
		Faction:     object.Faction,
		Position:    [2]float64{object.Position.X, object.Position.Y},
		Radius:      object.Radius,
		SensorRange: object.SensorRange,
	}
}

// Stats summarises recorder health for the metrics endpoint.
type Stats struct {
	Events   int64       `json:"events"`
	Frames   int64       `json:"frames"`
	Failures int64       `json:"failures"`
	Writer   WriterStats `json:"writer"`
}

// Recorder mirrors a source's lifecycle events and the radar frames of each tick into a Writer.
type Recorder struct {
	mu        sync.Mutex
	source    state.Trackable
	writer    *Writer
	tick      func() uint64
	logger    *logging.Logger
	addedID   state.ListenerID
	removedID state.ListenerID
	attached  bool
	events    int64
	frames    int64
	failures  int64
}

// NewRecorder subscribes to source lifecycle topics. tick supplies the tick stamped on events.
func NewRecorder(source state.Trackable, writer *Writer, tick func() uint64, logger *logging.Logger) (*Recorder, error) {
	if source == nil || writer == nil {
		return nil, errors.New("replay: recorder needs a source and a writer")
	}
	if tick == nil {
		tick = func() uint64 { return 0 }
	}
	if logger == nil {
		logger = logging.L()
	}
	r := &Recorder{
		source: source,
		writer: writer,
		tick:   tick,
		logger: logger.Named("replay").With(logging.String("session_id", writer.SessionID())),
	}
	r.addedID = source.On(state.TopicObjectAdded, func(event state.Event) { r.record(EventObjectAdded, event) })
	r.removedID = source.On(state.TopicObjectRemoved, func(event state.Event) { r.record(EventObjectRemoved, event) })
	r.attached = true
	return r, nil
}

func (r *Recorder) record(eventType string, event state.Event) {
	if event.Object == nil {
		return
	}
	err := r.writer.AppendEvent(r.tick(), eventType, objectEvent(event.Object))
	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.events++
	}
	r.mu.Unlock()
	if err != nil {
		r.logger.Warn("replay event write failed", logging.String("type", eventType), logging.String("object_id", event.Object.ID), logging.Error(err))
	}
}

// RecordFrame stages the frame of tick in the frame stream.
func (r *Recorder) RecordFrame(tick uint64, frame radar.Frame) error {
	if r == nil {
		return ErrWriterClosed
	}
	err := r.writer.AppendFrame(tick, frame)
	r.mu.Lock()
	if err != nil {
		r.failures++
	} else {
		r.frames++
	}
	r.mu.Unlock()
	return err
}

// Flush forces staged frames to disk.
func (r *Recorder) Flush() error {
	if r == nil {
		return ErrWriterClosed
	}
	return r.writer.Flush()
}

// Snapshot returns recorder counters.
func (r *Recorder) Snapshot() Stats {
	if r == nil {
		return Stats{}
	}
	writerStats := r.writer.Stats()
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{Events: r.events, Frames: r.frames, Failures: r.failures, Writer: writerStats}
}

// Close unsubscribes from the source and closes the writer.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	attached := r.attached
	r.attached = false
	r.mu.Unlock()
	if attached {
		r.source.Off(state.TopicObjectAdded, r.addedID)
		r.source.Off(state.TopicObjectRemoved, r.removedID)
	}
	return r.writer.Close()
}
