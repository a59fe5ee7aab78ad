// Package spatial keeps a broad-phase hash grid synchronised with a replicated
// object collection through its lifecycle and field change events.
package spatial

import (
	"iter"
	"math"
	"sort"
	"sync"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/simulation"
	"driftpursuit/radarcore/internal/state"
)

const (
	defaultCellSize = 100.0
	// maxCellsPerBody caps how many cells one body may occupy before it is kept on the oversized list.
	maxCellsPerBody = 1024
	// maxQueryCells caps cell enumeration for a query; larger queries scan bodies directly.
	maxQueryCells = 1 << 16
)

// ChangeKind classifies a body notification.
type ChangeKind int

const (
	BodyAdded ChangeKind = iota
	BodyMoved
	BodyDestroyed
	BodyRemoved
)

func (k ChangeKind) String() string {
	switch k {
	case BodyAdded:
		return "added"
	case BodyMoved:
		return "moved"
	case BodyDestroyed:
		return "destroyed"
	case BodyRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// BodyChange describes a body mutation. Previous is zero for additions and Current for removals.
type BodyChange struct {
	ID       string
	Kind     ChangeKind
	Previous simulation.Circle
	Current  simulation.Circle
}

// Options configure an Index.
type Options struct {
	CellSize float64
	Logger   *logging.Logger
}

type cellKey struct {
	X int
	Y int
}

// body is the broad-phase circle owned by the index for one object id.
type body struct {
	id        string
	circle    simulation.Circle
	cells     []cellKey
	oversized bool
}

// Index is a spatial hash grid of one body per live object of its source.
type Index struct {
	mu        sync.Mutex
	source    state.Trackable
	cellSize  float64
	logger    *logging.Logger
	bodies    map[string]*body
	cells     map[cellKey][]string
	oversized map[string]struct{}
	cleanups  map[string]func()
	watchers  map[uint64]func(BodyChange)
	nextWatch uint64
	addedID   state.ListenerID
	removedID state.ListenerID
	closed    bool
}

// New builds an index over source, indexes every object already present and subscribes to lifecycle events.
// Prefer Registry.GetOrCreate so consumers of the same source share one index.
func New(source state.Trackable, opts Options) *Index {
	cellSize := opts.CellSize
	if cellSize <= 0 || math.IsNaN(cellSize) || math.IsInf(cellSize, 0) {
		cellSize = defaultCellSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	index := &Index{
		source:    source,
		cellSize:  cellSize,
		logger:    logger.Named("spatial_index"),
		bodies:    make(map[string]*body),
		cells:     make(map[cellKey][]string),
		oversized: make(map[string]struct{}),
		cleanups:  make(map[string]func()),
		watchers:  make(map[uint64]func(BodyChange)),
	}
	if source == nil {
		return index
	}
	//1.- Subscribe before the initial scan so objects added meanwhile are not missed; duplicates are no-ops.
	index.addedID = source.On(state.TopicObjectAdded, index.handleAdded)
	index.removedID = source.On(state.TopicObjectRemoved, index.handleRemoved)
	for object := range source.All() {
		index.handleAdded(state.Event{Topic: state.TopicObjectAdded, Object: object})
	}
	return index
}

func (x *Index) handleAdded(event state.Event) {
	object := event.Object
	if x == nil || object == nil || object.ID == "" {
		return
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	//1.- The cleanup callback doubles as the "already indexed" marker.
	if _, exists := x.cleanups[object.ID]; exists {
		x.mu.Unlock()
		return
	}
	circle := sanitize(simulation.Circle{}, object)
	b := &body{id: object.ID, circle: circle}
	x.bodies[object.ID] = b
	x.insertLocked(b)

	//2.- Watch the three fields that change the body or its eligibility.
	id := object.ID
	positionPath := state.FieldPath(id, state.FieldPosition)
	radiusPath := state.FieldPath(id, state.FieldRadius)
	destroyedPath := state.FieldPath(id, state.FieldDestroyed)
	positionID := x.source.On(positionPath, x.handleGeometry)
	radiusID := x.source.On(radiusPath, x.handleGeometry)
	destroyedID := x.source.On(destroyedPath, x.handleDestroyed)
	x.cleanups[id] = func() {
		x.source.Off(positionPath, positionID)
		x.source.Off(radiusPath, radiusID)
		x.source.Off(destroyedPath, destroyedID)
	}
	watchers := x.watchersLocked()
	x.mu.Unlock()

	notify(watchers, BodyChange{ID: id, Kind: BodyAdded, Current: circle})
}

func (x *Index) handleGeometry(event state.Event) {
	object := event.Object
	if x == nil || object == nil {
		return
	}
	x.mu.Lock()
	b, ok := x.bodies[object.ID]
	if !ok {
		x.mu.Unlock()
		return
	}
	previous := b.circle
	//1.- Apply the radius before the position and only then re-bucket the body.
	b.circle = sanitize(previous, object)
	if b.circle == previous {
		x.mu.Unlock()
		return
	}
	x.removeFromCellsLocked(b)
	x.insertLocked(b)
	current := b.circle
	watchers := x.watchersLocked()
	x.mu.Unlock()

	notify(watchers, BodyChange{ID: object.ID, Kind: BodyMoved, Previous: previous, Current: current})
}

func (x *Index) handleDestroyed(event state.Event) {
	object := event.Object
	if x == nil || object == nil {
		return
	}
	x.mu.Lock()
	b, ok := x.bodies[object.ID]
	if !ok {
		x.mu.Unlock()
		return
	}
	circle := b.circle
	watchers := x.watchersLocked()
	x.mu.Unlock()

	//1.- The body stays indexed; SelectPotentials filters destroyed objects lazily.
	notify(watchers, BodyChange{ID: object.ID, Kind: BodyDestroyed, Previous: circle, Current: circle})
}

func (x *Index) handleRemoved(event state.Event) {
	if x == nil || event.Object == nil {
		return
	}
	x.remove(event.Object.ID)
}

func (x *Index) remove(id string) bool {
	x.mu.Lock()
	cleanup, ok := x.cleanups[id]
	if !ok {
		x.mu.Unlock()
		return false
	}
	//1.- Unsubscribe, drop the body from the grid and forget both map entries.
	delete(x.cleanups, id)
	cleanup()
	var previous simulation.Circle
	if b, exists := x.bodies[id]; exists {
		previous = b.circle
		x.removeFromCellsLocked(b)
		delete(x.bodies, id)
	}
	watchers := x.watchersLocked()
	x.mu.Unlock()

	notify(watchers, BodyChange{ID: id, Kind: BodyRemoved, Previous: previous})
	return true
}

// SelectPotentials lazily yields live objects whose body bounds overlap shape's bounds.
// Results are broad-phase candidates in id order; malformed shapes yield nothing.
func (x *Index) SelectPotentials(shape simulation.Circle) iter.Seq[*state.SpaceObject] {
	return func(yield func(*state.SpaceObject) bool) {
		if x == nil || x.source == nil || !shape.Valid() {
			return
		}
		for _, id := range x.candidates(shape) {
			//1.- Resolve through the source so removed or destroyed objects are skipped at yield time.
			object := x.source.Get(id)
			if object == nil || object.Destroyed {
				continue
			}
			if !yield(object) {
				return
			}
		}
	}
}

func (x *Index) candidates(shape simulation.Circle) []string {
	bounds := shape.Bounds()
	x.mu.Lock()
	defer x.mu.Unlock()

	var ids []string
	minX, minY, maxX, maxY, ok := x.cellRange(bounds)
	if !ok || float64(maxX-minX+1)*float64(maxY-minY+1) > float64(max(len(x.bodies), maxQueryCells)) {
		//1.- Huge queries are cheaper as a scan of every body.
		ids = make([]string, 0, len(x.bodies))
		for id, b := range x.bodies {
			if b.circle.Bounds().Intersects(bounds) {
				ids = append(ids, id)
			}
		}
		sort.Strings(ids)
		return ids
	}

	seen := make(map[string]struct{})
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			for _, id := range x.cells[cellKey{X: cx, Y: cy}] {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				if x.bodies[id].circle.Bounds().Intersects(bounds) {
					ids = append(ids, id)
				}
			}
		}
	}
	//2.- Oversized bodies live outside the grid and are always checked.
	for id := range x.oversized {
		if _, dup := seen[id]; dup {
			continue
		}
		if x.bodies[id].circle.Bounds().Intersects(bounds) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Watch registers fn for body changes and returns a function that cancels the registration.
// fn runs on the goroutine that emitted the source event, without the index lock held.
func (x *Index) Watch(fn func(BodyChange)) (cancel func()) {
	if x == nil || fn == nil {
		return func() {}
	}
	x.mu.Lock()
	x.nextWatch++
	id := x.nextWatch
	x.watchers[id] = fn
	x.mu.Unlock()
	return func() {
		x.mu.Lock()
		delete(x.watchers, id)
		x.mu.Unlock()
	}
}

// Body returns the indexed circle for id.
func (x *Index) Body(id string) (simulation.Circle, bool) {
	if x == nil {
		return simulation.Circle{}, false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	b, ok := x.bodies[id]
	if !ok {
		return simulation.Circle{}, false
	}
	return b.circle, true
}

// IDs returns the sorted ids of every indexed body.
func (x *Index) IDs() []string {
	if x == nil {
		return nil
	}
	x.mu.Lock()
	ids := make([]string, 0, len(x.bodies))
	for id := range x.bodies {
		ids = append(ids, id)
	}
	x.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Len reports the number of indexed bodies.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.bodies)
}

// Close unsubscribes every listener and drops all bodies. Further events are ignored.
func (x *Index) Close() {
	if x == nil {
		return
	}
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	cleanups := make([]func(), 0, len(x.cleanups))
	for _, cleanup := range x.cleanups {
		cleanups = append(cleanups, cleanup)
	}
	x.cleanups = make(map[string]func())
	x.bodies = make(map[string]*body)
	x.cells = make(map[cellKey][]string)
	x.oversized = make(map[string]struct{})
	x.watchers = make(map[uint64]func(BodyChange))
	x.mu.Unlock()

	if x.source != nil {
		x.source.Off(state.TopicObjectAdded, x.addedID)
		x.source.Off(state.TopicObjectRemoved, x.removedID)
	}
	for _, cleanup := range cleanups {
		cleanup()
	}
	x.logger.Debug("spatial index closed", logging.Int("bodies", len(cleanups)))
}

func (x *Index) insertLocked(b *body) {
	minX, minY, maxX, maxY, ok := x.cellRange(b.circle.Bounds())
	if !ok || float64(maxX-minX+1)*float64(maxY-minY+1) > maxCellsPerBody {
		b.cells = nil
		b.oversized = true
		x.oversized[b.id] = struct{}{}
		return
	}
	b.oversized = false
	b.cells = b.cells[:0]
	for cy := minY; cy <= maxY; cy++ {
		for cx := minX; cx <= maxX; cx++ {
			key := cellKey{X: cx, Y: cy}
			x.cells[key] = append(x.cells[key], b.id)
			b.cells = append(b.cells, key)
		}
	}
}

func (x *Index) removeFromCellsLocked(b *body) {
	if b.oversized {
		delete(x.oversized, b.id)
		b.oversized = false
		return
	}
	for _, key := range b.cells {
		bucket := x.cells[key]
		for i := range bucket {
			if bucket[i] != b.id {
				continue
			}
			bucket[i] = bucket[len(bucket)-1]
			bucket = bucket[:len(bucket)-1]
			break
		}
		if len(bucket) == 0 {
			delete(x.cells, key)
		} else {
			x.cells[key] = bucket
		}
	}
	b.cells = b.cells[:0]
}

// cellRange converts a box into inclusive cell bounds; ok is false when the box cannot be enumerated.
func (x *Index) cellRange(bounds simulation.Box) (minX, minY, maxX, maxY int, ok bool) {
	fx0 := math.Floor(bounds.Min.X / x.cellSize)
	fy0 := math.Floor(bounds.Min.Y / x.cellSize)
	fx1 := math.Floor(bounds.Max.X / x.cellSize)
	fy1 := math.Floor(bounds.Max.Y / x.cellSize)
	const limit = 1 << 40
	for _, v := range []float64{fx0, fy0, fx1, fy1} {
		if math.IsNaN(v) || math.Abs(v) > limit {
			return 0, 0, 0, 0, false
		}
	}
	return int(fx0), int(fy0), int(fx1), int(fy1), true
}

func (x *Index) watchersLocked() []func(BodyChange) {
	if len(x.watchers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(x.watchers))
	for id := range x.watchers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]func(BodyChange), 0, len(ids))
	for _, id := range ids {
		out = append(out, x.watchers[id])
	}
	return out
}

func notify(watchers []func(BodyChange), change BodyChange) {
	for _, fn := range watchers {
		fn(change)
	}
}

// sanitize copies the object's geometry onto previous, keeping the previous value for malformed fields.
func sanitize(previous simulation.Circle, object *state.SpaceObject) simulation.Circle {
	next := previous
	if r := object.Radius; !math.IsNaN(r) && !math.IsInf(r, 0) && r >= 0 {
		next.Radius = r
	}
	if p := object.Position; !math.IsNaN(p.X) && !math.IsInf(p.X, 0) && !math.IsNaN(p.Y) && !math.IsInf(p.Y, 0) {
		next.Center = p
	}
	return next
}
