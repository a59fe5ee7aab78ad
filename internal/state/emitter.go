package state

import (
	"iter"
	"sync"
)

// Event describes a lifecycle or field change notification.
type Event struct {
	Topic  string
	Object *SpaceObject
	Field  string
}

// Handler receives events synchronously on the emitting goroutine.
type Handler func(Event)

// ListenerID identifies a registration so it can be removed with Off.
type ListenerID uint64

// Trackable is the replicated collection consumed by the visibility engine.
type Trackable interface {
	On(topic string, handler Handler) ListenerID
	Off(topic string, id ListenerID)
	All() iter.Seq[*SpaceObject]
	Get(id string) *SpaceObject
}

type listener struct {
	id      ListenerID
	handler Handler
}

// Emitter fans events out to per-topic listeners in registration order.
type Emitter struct {
	mu        sync.Mutex
	next      ListenerID
	listeners map[string][]listener
}

// NewEmitter constructs an emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]listener)}
}

// On registers handler for topic and returns its identifier.
func (e *Emitter) On(topic string, handler Handler) ListenerID {
	if e == nil || handler == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.listeners[topic] = append(e.listeners[topic], listener{id: e.next, handler: handler})
	return e.next
}

// Off removes the listener; unknown identifiers are ignored.
func (e *Emitter) Off(topic string, id ListenerID) {
	if e == nil || id == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.listeners[topic]
	for i, entry := range current {
		if entry.id != id {
			continue
		}
		//1.- Copy on removal so an Emit already iterating its snapshot is unaffected.
		trimmed := make([]listener, 0, len(current)-1)
		trimmed = append(trimmed, current[:i]...)
		trimmed = append(trimmed, current[i+1:]...)
		if len(trimmed) == 0 {
			delete(e.listeners, topic)
		} else {
			e.listeners[topic] = trimmed
		}
		return
	}
}

// Emit delivers the event to every listener of its topic before returning.
func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	e.mu.Lock()
	snapshot := e.listeners[event.Topic]
	e.mu.Unlock()
	//1.- Invoke handlers without the lock so they may subscribe or unsubscribe re-entrantly.
	for _, entry := range snapshot {
		entry.handler(event)
	}
}

// Count reports how many listeners are registered for topic.
func (e *Emitter) Count(topic string) int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[topic])
}

// Total reports the number of listeners across all topics.
func (e *Emitter) Total() int {
	if e == nil {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0
	for _, entries := range e.listeners {
		total += len(entries)
	}
	return total
}
