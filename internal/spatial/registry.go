package spatial

import (
	"errors"
	"reflect"
	"sync"

	"driftpursuit/radarcore/internal/state"
)

// ErrUncomparableSource is returned for sources whose dynamic type has no identity to key on,
// such as struct values holding slices or maps.
var ErrUncomparableSource = errors.New("spatial: source type is not comparable; pass a pointer")

// Registry memoizes one Index per source collection, keyed by the source's identity.
// Independent simulations use independent registries or sources and never share bodies.
type Registry struct {
	mu      sync.Mutex
	opts    Options
	indexes map[state.Trackable]*Index
}

// NewRegistry constructs a registry whose indexes are built with opts.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, indexes: make(map[state.Trackable]*Index)}
}

// GetOrCreate returns the index bound to source, constructing it on first use.
// Sources must be pointer-like so identity comparison is meaningful.
func (r *Registry) GetOrCreate(source state.Trackable) (*Index, error) {
	if r == nil || source == nil {
		return nil, errors.New("spatial: source is required")
	}
	//1.- Hashing a non-comparable interface value panics, so refuse it up front.
	if !hashable(source) {
		return nil, ErrUncomparableSource
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if index, ok := r.indexes[source]; ok {
		return index, nil
	}
	//2.- Construction subscribes to the source; holding the registry lock keeps it single-shot.
	index := New(source, r.opts)
	r.indexes[source] = index
	return index, nil
}

func hashable(source state.Trackable) bool {
	return reflect.ValueOf(source).Comparable()
}

// Release closes and forgets the index bound to source.
func (r *Registry) Release(source state.Trackable) bool {
	if r == nil || source == nil || !hashable(source) {
		return false
	}
	r.mu.Lock()
	index, ok := r.indexes[source]
	delete(r.indexes, source)
	r.mu.Unlock()
	if ok {
		index.Close()
	}
	return ok
}

// Len reports how many sources currently have an index.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.indexes)
}
