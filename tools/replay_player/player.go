package replayplayer

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"driftpursuit/radarcore/internal/replay"
)

// Bundle is a fully decoded replay session.
type Bundle struct {
	Manifest replay.Manifest      `json:"manifest"`
	Events   []replay.EventRecord `json:"events"`
	Frames   []replay.FrameRecord `json:"frames"`
}

// Sighting tracks when an object was part of the aggregate visible set.
type Sighting struct {
	ID          string `json:"id"`
	AddedTick   uint64 `json:"added_tick"`
	RemovedTick uint64 `json:"removed_tick,omitempty"`
	FirstSeen   uint64 `json:"first_seen_tick,omitempty"`
	LastSeen    uint64 `json:"last_seen_tick,omitempty"`
	Frames      int    `json:"frames"`
}

// Load decodes the session at path, which may be the session directory or its manifest.json.
func Load(path string) (Bundle, error) {
	if path == "" {
		return Bundle{}, fmt.Errorf("path is required")
	}
	info, err := os.Stat(path)
	if err != nil {
		return Bundle{}, err
	}
	dir := path
	if !info.IsDir() {
		dir = filepath.Dir(path)
	}

	manifest, err := replay.ReadManifest(dir)
	if err != nil {
		return Bundle{}, err
	}
	if manifest.Version != 1 {
		return Bundle{}, fmt.Errorf("unsupported manifest version %d", manifest.Version)
	}
	//1.- Decode events first so the timeline knows when each object entered the scene.
	events, err := replay.ReadEvents(dir)
	if err != nil {
		return Bundle{}, fmt.Errorf("events: %w", err)
	}
	frames, err := replay.ReadFrames(dir)
	if err != nil {
		return Bundle{}, fmt.Errorf("frames: %w", err)
	}
	return Bundle{Manifest: manifest, Events: events, Frames: frames}, nil
}

// Sightings folds the lifecycle log and the frame stream into one record per object, ordered by id.
func (b Bundle) Sightings() ([]Sighting, error) {
	byID := make(map[string]*Sighting)
	entry := func(id string) *Sighting {
		s, ok := byID[id]
		if !ok {
			s = &Sighting{ID: id}
			byID[id] = s
		}
		return s
	}
	for _, event := range b.Events {
		var payload replay.ObjectEvent
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return nil, fmt.Errorf("event at tick %d: %w", event.Tick, err)
		}
		switch event.Type {
		case replay.EventObjectAdded:
			entry(payload.ID).AddedTick = event.Tick
		case replay.EventObjectRemoved:
			entry(payload.ID).RemovedTick = event.Tick
		}
	}
	for _, record := range b.Frames {
		for _, id := range record.Frame.Visible {
			s := entry(id)
			if s.Frames == 0 {
				s.FirstSeen = record.Tick
			}
			s.LastSeen = record.Tick
			s.Frames++
		}
	}

	sightings := make([]Sighting, 0, len(byID))
	for _, s := range byID {
		sightings = append(sightings, *s)
	}
	sort.Slice(sightings, func(i, j int) bool { return sightings[i].ID < sightings[j].ID })
	return sightings, nil
}
