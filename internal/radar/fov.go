package radar

import (
	"errors"
	"sync"

	"driftpursuit/radarcore/internal/simulation"
	"driftpursuit/radarcore/internal/spatial"
	"driftpursuit/radarcore/internal/state"
)

// ErrOwnerGone reports that the owner vanished or was destroyed before its view could be computed.
var ErrOwnerGone = errors.New("field of view owner is gone")

// FieldOfView caches the visible arcs around one owner. It starts dirty and is
// recomputed lazily by the filter's Update.
type FieldOfView struct {
	mu         sync.RWMutex
	ownerID    string
	maxRange   float64
	dirty      bool
	arcs       []VisibleArc
	origin     simulation.Circle
	computedAt uint64
}

// NewFieldOfView returns a dirty view for owner limited to maxRange.
func NewFieldOfView(owner *state.SpaceObject, maxRange float64) *FieldOfView {
	fov := &FieldOfView{maxRange: maxRange, dirty: true}
	if owner != nil {
		fov.ownerID = owner.ID
		fov.origin = simulation.Circle{Center: owner.Position, Radius: owner.Radius}
	}
	return fov
}

// OwnerID returns the id of the object this view belongs to.
func (f *FieldOfView) OwnerID() string {
	if f == nil {
		return ""
	}
	return f.ownerID
}

// MaxRange returns the sensor range bounding every arc.
func (f *FieldOfView) MaxRange() float64 {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxRange
}

// SetMaxRange changes the sensor range and marks the view dirty when it differs.
func (f *FieldOfView) SetMaxRange(maxRange float64) {
	if f == nil {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxRange != maxRange {
		f.maxRange = maxRange
		f.dirty = true
	}
}

// Dirty reports whether the arcs are stale.
func (f *FieldOfView) Dirty() bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dirty
}

// SetDirty schedules a recomputation on the next pass.
func (f *FieldOfView) SetDirty() {
	if f == nil {
		return
	}
	f.mu.Lock()
	f.dirty = true
	f.mu.Unlock()
}

// Arcs returns a copy of the last computed arcs; nil before the first computation.
func (f *FieldOfView) Arcs() []VisibleArc {
	if f == nil {
		return nil
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.arcs == nil {
		return nil
	}
	return append([]VisibleArc(nil), f.arcs...)
}

// Origin returns the owner circle the arcs were computed from.
func (f *FieldOfView) Origin() simulation.Circle {
	if f == nil {
		return simulation.Circle{}
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.origin
}

// ComputedAt returns the pass number of the last recomputation.
func (f *FieldOfView) ComputedAt() uint64 {
	if f == nil {
		return 0
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.computedAt
}

// observe compares the owner with the circle the arcs were built from and dirties the view on change.
func (f *FieldOfView) observe(owner *state.SpaceObject) {
	if f == nil || owner == nil {
		return
	}
	current := simulation.Circle{Center: owner.Position, Radius: owner.Radius}
	f.mu.Lock()
	if current != f.origin {
		f.dirty = true
	}
	f.mu.Unlock()
}

// affectedBy reports whether a body change could alter the arcs, i.e. whether either the
// previous or current circle reaches into the sensor disc.
func (f *FieldOfView) affectedBy(change spatial.BodyChange) bool {
	if f == nil {
		return false
	}
	f.mu.RLock()
	disc := simulation.Circle{Center: f.origin.Center, Radius: f.maxRange}
	f.mu.RUnlock()
	if change.ID == f.ownerID {
		return true
	}
	switch change.Kind {
	case spatial.BodyAdded:
		return disc.Overlaps(change.Current)
	case spatial.BodyRemoved:
		return disc.Overlaps(change.Previous)
	default:
		return disc.Overlaps(change.Previous) || disc.Overlaps(change.Current)
	}
}

// Recompute sweeps the index around the owner's current position. pass stamps the result.
func (f *FieldOfView) Recompute(index *spatial.Index, source state.Trackable, pass uint64) error {
	if f == nil {
		return ErrOwnerGone
	}
	owner := source.Get(f.ownerID)
	if owner == nil || owner.Destroyed {
		return ErrOwnerGone
	}
	f.mu.RLock()
	maxRange := f.maxRange
	f.mu.RUnlock()

	//1.- Snapshot the owner geometry first so the arcs and the origin agree.
	origin := simulation.Circle{Center: owner.Position, Radius: owner.Radius}
	query := simulation.Circle{Center: origin.Center, Radius: maxRange}
	arcs := Sweep(origin.Center, f.ownerID, maxRange, index.SelectPotentials(query))

	//2.- The owner may have been removed by a handler while the candidates were resolved.
	if source.Get(f.ownerID) == nil {
		return ErrOwnerGone
	}

	f.mu.Lock()
	f.arcs = arcs
	f.origin = origin
	f.dirty = false
	f.computedAt = pass
	f.mu.Unlock()
	return nil
}
