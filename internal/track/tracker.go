// Package track maintains per-object derived state in lockstep with a filtered
// view of a replicated object collection.
package track

import (
	"errors"
	"fmt"
	"iter"
	"sync"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/state"
)

// ErrClosed is returned by Update after Close.
var ErrClosed = errors.New("tracker closed")

// Options supply the context lifecycle hooks.
type Options[C any] struct {
	// Create builds the context the first time an object is admitted. Required.
	Create func(*state.SpaceObject) (C, error)
	// Update refreshes the context on every later pass while the object stays admitted.
	Update func(*state.SpaceObject, C) error
	// Destroy releases a context on demotion or removal. Nil means no-op.
	Destroy func(C) error
	// ShouldTrack filters objects. Nil admits every object.
	ShouldTrack func(*state.SpaceObject) bool
	Logger      *logging.Logger
}

type entry[C any] struct {
	context C
}

// Tracker owns one context per admitted object id.
type Tracker[C any] struct {
	mu        sync.Mutex
	source    state.Trackable
	opts      Options[C]
	logger    *logging.Logger
	contexts  map[string]*entry[C]
	// pending marks ids whose Create is in flight; true once the object was removed meanwhile.
	pending   map[string]bool
	order     []string
	removedID state.ListenerID
	closed    bool
}

// New subscribes to source removals and returns an empty tracker; contexts appear on the first Update.
func New[C any](source state.Trackable, opts Options[C]) (*Tracker[C], error) {
	if source == nil {
		return nil, errors.New("track: source is required")
	}
	if opts.Create == nil {
		return nil, errors.New("track: create callback is required")
	}
	if opts.Update == nil {
		opts.Update = func(*state.SpaceObject, C) error { return nil }
	}
	if opts.Destroy == nil {
		opts.Destroy = func(C) error { return nil }
	}
	if opts.ShouldTrack == nil {
		opts.ShouldTrack = func(*state.SpaceObject) bool { return true }
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.L()
	}
	t := &Tracker[C]{
		source:   source,
		opts:     opts,
		logger:   logger.Named("tracker"),
		contexts: make(map[string]*entry[C]),
		pending:  make(map[string]bool),
	}
	t.removedID = source.On(state.TopicObjectRemoved, t.handleRemoved)
	return t, nil
}

// Update visits every live object once: admitted objects get created or updated contexts,
// demoted objects lose theirs. The first callback failure aborts the pass and is returned.
func (t *Tracker[C]) Update() error {
	if t == nil {
		return ErrClosed
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for object := range t.source.All() {
		if object == nil {
			continue
		}
		admitted := t.opts.ShouldTrack(object)
		current, exists := t.lookup(object.ID)

		switch {
		case admitted && !exists:
			//1.- Creation failures record nothing so the next pass retries.
			t.beginCreate(object.ID)
			created, err := t.opts.Create(object)
			if err != nil {
				t.abandonCreate(object.ID)
				return fmt.Errorf("track %s: create context: %w", object.ID, err)
			}
			if t.finishCreate(object.ID, created) {
				continue
			}
			//2.- The object vanished while its context was being built, so release it now.
			if err := t.opts.Destroy(created); err != nil {
				return fmt.Errorf("track %s: destroy context: %w", object.ID, err)
			}
		case admitted && exists:
			if err := t.opts.Update(object, current.context); err != nil {
				return fmt.Errorf("track %s: update context: %w", object.ID, err)
			}
		case !admitted && exists:
			//3.- Demotion destroys the context; a failed destroy keeps the entry for a retry.
			if err := t.opts.Destroy(current.context); err != nil {
				return fmt.Errorf("track %s: destroy context: %w", object.ID, err)
			}
			t.forget(object.ID, current)
		}
	}
	return nil
}

func (t *Tracker[C]) handleRemoved(event state.Event) {
	if event.Object == nil {
		return
	}
	id := event.Object.ID
	t.mu.Lock()
	current, ok := t.contexts[id]
	if _, creating := t.pending[id]; creating && !ok {
		t.pending[id] = true
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	//1.- Destroy immediately. The entry goes even on failure since no later pass visits a vanished object.
	if err := t.opts.Destroy(current.context); err != nil {
		t.logger.Error("destroy context after removal failed", logging.String("object_id", id), logging.Error(err))
	}
	t.forget(id, current)
}

func (t *Tracker[C]) lookup(id string) (*entry[C], bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.contexts[id]
	return current, ok
}

func (t *Tracker[C]) beginCreate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[id] = false
}

func (t *Tracker[C]) abandonCreate(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

// finishCreate records context unless the object was removed or the tracker closed during Create.
func (t *Tracker[C]) finishCreate(id string, context C) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := t.pending[id]
	delete(t.pending, id)
	if removed || t.closed {
		return false
	}
	if _, exists := t.contexts[id]; !exists {
		t.order = append(t.order, id)
	}
	t.contexts[id] = &entry[C]{context: context}
	return true
}

// forget drops id only if it still maps to expected, so a context recreated meanwhile survives.
func (t *Tracker[C]) forget(id string, expected *entry[C]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.contexts[id] != expected {
		return
	}
	delete(t.contexts, id)
	for i, candidate := range t.order {
		if candidate == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// Get returns the context for id.
func (t *Tracker[C]) Get(id string) (C, bool) {
	var zero C
	if t == nil {
		return zero, false
	}
	current, ok := t.lookup(id)
	if !ok {
		return zero, false
	}
	return current.context, true
}

// Values iterates contexts in creation order. Entries destroyed during iteration are skipped.
func (t *Tracker[C]) Values() iter.Seq2[string, C] {
	return func(yield func(string, C) bool) {
		if t == nil {
			return
		}
		t.mu.Lock()
		ids := append([]string(nil), t.order...)
		t.mu.Unlock()
		for _, id := range ids {
			current, ok := t.lookup(id)
			if !ok {
				continue
			}
			if !yield(id, current.context) {
				return
			}
		}
	}
}

// Len reports the number of live contexts.
func (t *Tracker[C]) Len() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.contexts)
}

// Close stops listening for removals and destroys every remaining context.
// The first destroy error is returned after all contexts were attempted.
func (t *Tracker[C]) Close() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ids := append([]string(nil), t.order...)
	contexts := t.contexts
	t.contexts = make(map[string]*entry[C])
	t.order = nil
	t.mu.Unlock()

	t.source.Off(state.TopicObjectRemoved, t.removedID)
	var firstErr error
	for _, id := range ids {
		if err := t.opts.Destroy(contexts[id].context); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("track %s: destroy context: %w", id, err)
		}
	}
	return firstErr
}
