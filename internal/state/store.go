package state

import (
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
)

var (
	// ErrDuplicateObject is returned when an id is already present in the store.
	ErrDuplicateObject = errors.New("object id already tracked")
	// ErrInvalidObject is returned for objects with an empty id or malformed geometry.
	ErrInvalidObject = errors.New("invalid object")
)

var _ Trackable = (*ObjectStore)(nil)

// ObjectStore is the in-process replicated object collection. Mutations emit
// lifecycle and field events synchronously once the store lock is released.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]*SpaceObject
	order   []string
	events  *Emitter
}

// NewObjectStore constructs an empty store.
func NewObjectStore() *ObjectStore {
	return &ObjectStore{
		objects: make(map[string]*SpaceObject),
		events:  NewEmitter(),
	}
}

// On registers a listener for a lifecycle topic or a FieldPath.
func (s *ObjectStore) On(topic string, handler Handler) ListenerID {
	if s == nil {
		return 0
	}
	return s.events.On(topic, handler)
}

// Off removes a listener registered with On.
func (s *ObjectStore) Off(topic string, id ListenerID) {
	if s == nil {
		return
	}
	s.events.Off(topic, id)
}

// Listeners reports the number of registered listeners across all topics.
func (s *ObjectStore) Listeners() int {
	if s == nil {
		return 0
	}
	return s.events.Total()
}

// Add copies the object into the store and announces it.
func (s *ObjectStore) Add(object SpaceObject) (*SpaceObject, error) {
	if s == nil {
		return nil, errors.New("nil store")
	}
	if object.ID == "" || !validRadius(object.Radius) || !validVec(object.Position) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidObject, object.ID)
	}

	s.mu.Lock()
	if _, exists := s.objects[object.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrDuplicateObject, object.ID)
	}
	//1.- Store our own copy so callers cannot mutate it behind the emitter's back.
	stored := object
	s.objects[stored.ID] = &stored
	s.order = append(s.order, stored.ID)
	s.mu.Unlock()

	s.events.Emit(Event{Topic: TopicObjectAdded, Object: &stored})
	return &stored, nil
}

// Remove deletes the object and announces the removal. Unknown ids are ignored.
func (s *ObjectStore) Remove(id string) bool {
	if s == nil || id == "" {
		return false
	}
	s.mu.Lock()
	object, ok := s.objects[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	//1.- Drop the object from both the lookup and the iteration order.
	delete(s.objects, id)
	for i, candidate := range s.order {
		if candidate == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.mu.Unlock()

	s.events.Emit(Event{Topic: TopicObjectRemoved, Object: object})
	return true
}

// SetPosition moves the object and emits its position change.
func (s *ObjectStore) SetPosition(id string, position r2.Vec) bool {
	if !validVec(position) {
		return false
	}
	return s.mutate(id, FieldPosition, func(object *SpaceObject) { object.Position = position })
}

// SetVelocity updates the drift velocity used by Advance. No event is emitted.
func (s *ObjectStore) SetVelocity(id string, velocity r2.Vec) bool {
	if s == nil || !validVec(velocity) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	object, ok := s.objects[id]
	if ok {
		object.Velocity = velocity
	}
	return ok
}

// SetRadius resizes the object's bounding circle and emits its radius change.
func (s *ObjectStore) SetRadius(id string, radius float64) bool {
	if !validRadius(radius) {
		return false
	}
	return s.mutate(id, FieldRadius, func(object *SpaceObject) { object.Radius = radius })
}

// Destroy sets the terminal destroyed flag. The object stays listed until Remove.
func (s *ObjectStore) Destroy(id string) bool {
	return s.mutate(id, FieldDestroyed, func(object *SpaceObject) { object.Destroyed = true })
}

func (s *ObjectStore) mutate(id, field string, apply func(*SpaceObject)) bool {
	if s == nil || id == "" {
		return false
	}
	s.mu.Lock()
	object, ok := s.objects[id]
	if ok {
		apply(object)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.events.Emit(Event{Topic: FieldPath(id, field), Object: object, Field: field})
	return true
}

// Advance drifts every live object by velocity*dt and emits position changes for those that moved.
func (s *ObjectStore) Advance(stepSeconds float64) int {
	if s == nil || stepSeconds <= 0 {
		return 0
	}
	s.mu.Lock()
	//1.- Integrate positions under the lock and remember which objects actually moved.
	moved := make([]*SpaceObject, 0, len(s.order))
	for _, id := range s.order {
		object := s.objects[id]
		if object == nil || object.Destroyed {
			continue
		}
		if object.Velocity.X == 0 && object.Velocity.Y == 0 {
			continue
		}
		object.Position = r2.Add(object.Position, r2.Scale(stepSeconds, object.Velocity))
		moved = append(moved, object)
	}
	s.mu.Unlock()

	//2.- Emit in iteration order so listeners observe a deterministic sequence.
	for _, object := range moved {
		s.events.Emit(Event{Topic: FieldPath(object.ID, FieldPosition), Object: object, Field: FieldPosition})
	}
	return len(moved)
}

// Get returns the live object for id or nil.
func (s *ObjectStore) Get(id string) *SpaceObject {
	if s == nil || id == "" {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.objects[id]
}

// All iterates the objects present when iteration starts, in insertion order.
// Objects removed before they are reached are skipped.
func (s *ObjectStore) All() iter.Seq[*SpaceObject] {
	return func(yield func(*SpaceObject) bool) {
		if s == nil {
			return
		}
		s.mu.RLock()
		ids := append([]string(nil), s.order...)
		s.mu.RUnlock()
		for _, id := range ids {
			object := s.Get(id)
			if object == nil {
				continue
			}
			if !yield(object) {
				return
			}
		}
	}
}

// Len reports how many objects the store holds.
func (s *ObjectStore) Len() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

func validRadius(radius float64) bool {
	return !math.IsNaN(radius) && !math.IsInf(radius, 0) && radius >= 0
}

func validVec(v r2.Vec) bool {
	return !math.IsNaN(v.X) && !math.IsInf(v.X, 0) && !math.IsNaN(v.Y) && !math.IsInf(v.Y, 0)
}
