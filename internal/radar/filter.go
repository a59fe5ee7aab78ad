// Package radar computes occlusion-aware fields of view for sensor-equipped
// objects and aggregates them into one visibility set per tick.
package radar

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/spatial"
	"driftpursuit/radarcore/internal/state"
	"driftpursuit/radarcore/internal/track"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("radar filter closed")

// Options tune which objects own a field of view and how far they see.
type Options struct {
	// ShouldTrack admits sensor owners. Nil admits live objects with a positive range.
	ShouldTrack func(*state.SpaceObject) bool
	// MaxRange returns an owner's sensor range. Nil uses SensorRange, falling back to DefaultRange.
	MaxRange     func(*state.SpaceObject) float64
	DefaultRange float64
	// RefreshEvery forces every view dirty each N passes. Zero disables the cadence.
	RefreshEvery uint64
	Logger       *logging.Logger
	Now          func() time.Time
}

// Stats summarise the most recent Update.
type Stats struct {
	Pass       uint64        `json:"pass"`
	Owners     int           `json:"owners"`
	Visible    int           `json:"visible"`
	Recomputed int           `json:"recomputed"`
	Skipped    int           `json:"skipped"`
	Created    uint64        `json:"created_total"`
	Destroyed  uint64        `json:"destroyed_total"`
	Duration   time.Duration `json:"duration_ns"`
}

// Filter maintains one FieldOfView per admitted owner and the union of what they can see.
type Filter struct {
	source  state.Trackable
	index   *spatial.Index
	tracker *track.Tracker[*FieldOfView]
	opts    Options
	logger  *logging.Logger
	unwatch func()

	updateMu sync.Mutex
	pass     uint64
	closed   bool

	mu      sync.RWMutex
	visible map[string]struct{}
	frame   Frame
	stats   Stats
}

// New wires a filter to source and the shared index built over it.
func New(source state.Trackable, index *spatial.Index, opts Options) (*Filter, error) {
	if source == nil {
		return nil, errors.New("radar: source is required")
	}
	if index == nil {
		return nil, errors.New("radar: spatial index is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	f := &Filter{
		source:  source,
		index:   index,
		opts:    opts,
		logger:  logger.Named("radar_filter"),
		visible: make(map[string]struct{}),
	}
	if f.opts.ShouldTrack == nil {
		f.opts.ShouldTrack = func(object *state.SpaceObject) bool {
			return !object.Destroyed && f.rangeFor(object) > 0
		}
	}

	tracker, err := track.New(source, track.Options[*FieldOfView]{
		Create:      f.createView,
		Update:      f.updateView,
		Destroy:     f.destroyView,
		ShouldTrack: f.opts.ShouldTrack,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("radar: %w", err)
	}
	f.tracker = tracker
	f.unwatch = index.Watch(f.handleBodyChange)
	return f, nil
}

func (f *Filter) rangeFor(object *state.SpaceObject) float64 {
	if f.opts.MaxRange != nil {
		return f.opts.MaxRange(object)
	}
	if object.SensorRange > 0 {
		return object.SensorRange
	}
	return f.opts.DefaultRange
}

func validRange(maxRange float64) bool {
	return maxRange > 0 && !math.IsInf(maxRange, 0)
}

func (f *Filter) createView(object *state.SpaceObject) (*FieldOfView, error) {
	maxRange := f.rangeFor(object)
	if !validRange(maxRange) {
		return nil, fmt.Errorf("sensor range %v is not a positive finite number", maxRange)
	}
	f.mu.Lock()
	f.stats.Created++
	f.mu.Unlock()
	return NewFieldOfView(object, maxRange), nil
}

func (f *Filter) updateView(object *state.SpaceObject, fov *FieldOfView) error {
	//1.- A range that turns invalid keeps the last good one rather than blinding the owner.
	if maxRange := f.rangeFor(object); validRange(maxRange) {
		fov.SetMaxRange(maxRange)
	} else {
		f.logger.Debug("ignoring invalid sensor range", logging.String("owner_id", object.ID), logging.String("range", fmt.Sprint(maxRange)))
	}
	fov.observe(object)
	return nil
}

func (f *Filter) destroyView(fov *FieldOfView) error {
	f.mu.Lock()
	f.stats.Destroyed++
	f.mu.Unlock()
	f.logger.Debug("field of view released", logging.String("owner_id", fov.OwnerID()))
	return nil
}

// handleBodyChange dirties every view whose owner changed or whose sensor disc the body touches.
func (f *Filter) handleBodyChange(change spatial.BodyChange) {
	for _, fov := range f.tracker.Values() {
		if fov.affectedBy(change) {
			fov.SetDirty()
		}
	}
}

// Update reconciles owners with the source, recomputes dirty views and rebuilds the visible set.
// Owners that vanish mid-pass are skipped; only tracker callback failures are returned.
func (f *Filter) Update() error {
	if f == nil {
		return ErrClosed
	}
	f.updateMu.Lock()
	defer f.updateMu.Unlock()
	if f.closed {
		return ErrClosed
	}
	started := f.opts.Now()
	f.pass++
	pass := f.pass

	//1.- Create, refresh or demote views before any of them is read.
	if err := f.tracker.Update(); err != nil {
		return fmt.Errorf("radar pass %d: %w", pass, err)
	}

	refresh := f.opts.RefreshEvery > 0 && pass%f.opts.RefreshEvery == 0
	visible := make(map[string]struct{})
	owners := make([]OwnerView, 0, f.tracker.Len())
	recomputed, skipped := 0, 0

	//2.- Recompute dirty views, then collect owners and occluders.
	for id, fov := range f.tracker.Values() {
		if refresh {
			fov.SetDirty()
		}
		if fov.Dirty() {
			if err := fov.Recompute(f.index, f.source, pass); err != nil {
				if errors.Is(err, ErrOwnerGone) {
					skipped++
					f.logger.Debug("field of view owner vanished during pass", logging.String("owner_id", id), logging.Uint64("pass", pass))
					continue
				}
				return fmt.Errorf("radar pass %d: recompute %s: %w", pass, id, err)
			}
			recomputed++
		}
		arcs := fov.Arcs()
		visible[id] = struct{}{}
		for _, arc := range arcs {
			if arc.Object != nil {
				visible[arc.Object.ID] = struct{}{}
			}
		}
		owners = append(owners, viewOf(fov, arcs))
	}

	//3.- Publish the rebuilt set and a deterministic frame.
	ids := make([]string, 0, len(visible))
	for id := range visible {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	sort.Slice(owners, func(i, j int) bool { return owners[i].ID < owners[j].ID })
	finished := f.opts.Now()

	f.mu.Lock()
	f.visible = visible
	f.frame = Frame{Pass: pass, CapturedAtMs: finished.UnixMilli(), Owners: owners, Visible: ids}
	f.stats.Pass = pass
	f.stats.Owners = len(owners)
	f.stats.Visible = len(ids)
	f.stats.Recomputed = recomputed
	f.stats.Skipped = skipped
	f.stats.Duration = finished.Sub(started)
	f.mu.Unlock()
	return nil
}

// IsInRange reports membership in the visible set built by the last Update.
func (f *Filter) IsInRange(object *state.SpaceObject) bool {
	if object == nil {
		return false
	}
	return f.IsInRangeID(object.ID)
}

// IsInRangeID is IsInRange keyed by object id.
func (f *Filter) IsInRangeID(id string) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	_, ok := f.visible[id]
	return ok
}

// FieldOfView returns the live view owned by id.
func (f *Filter) FieldOfView(id string) (*FieldOfView, bool) {
	if f == nil {
		return nil, false
	}
	return f.tracker.Get(id)
}

// Frame returns the snapshot produced by the last Update.
func (f *Filter) Frame() Frame {
	if f == nil {
		return Frame{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.frame
}

// Stats returns counters for the last Update.
func (f *Filter) Stats() Stats {
	if f == nil {
		return Stats{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.stats
}

// Close stops watching the index and releases every view.
func (f *Filter) Close() error {
	if f == nil {
		return nil
	}
	f.updateMu.Lock()
	defer f.updateMu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	f.unwatch()
	return f.tracker.Close()
}
