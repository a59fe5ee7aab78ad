package track

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/state"
)

type marker struct {
	id      string
	updates int
}

type recorder struct {
	created   []string
	destroyed []string
	updated   []string
	failNext  error
}

func newTracker(t *testing.T, store *state.ObjectStore, rec *recorder, filter func(*state.SpaceObject) bool) *Tracker[*marker] {
	t.Helper()
	tracker, err := New(store, Options[*marker]{
		Create: func(object *state.SpaceObject) (*marker, error) {
			if rec.failNext != nil {
				err := rec.failNext
				rec.failNext = nil
				return nil, err
			}
			rec.created = append(rec.created, object.ID)
			return &marker{id: object.ID}, nil
		},
		Update: func(object *state.SpaceObject, p *marker) error {
			p.updates++
			rec.updated = append(rec.updated, object.ID)
			return nil
		},
		Destroy: func(p *marker) error {
			rec.destroyed = append(rec.destroyed, p.id)
			return nil
		},
		ShouldTrack: filter,
		Logger:      logging.NewTestLogger(),
	})
	require.NoError(t, err)
	return tracker
}

func TestTrackerSteadyStateIsIdempotent(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "a"})
	store.Add(state.SpaceObject{ID: "b"})
	rec := &recorder{}
	tracker := newTracker(t, store, rec, nil)

	require.NoError(t, tracker.Update())
	require.Equal(t, []string{"a", "b"}, rec.created)

	rec.created, rec.destroyed = nil, nil
	require.NoError(t, tracker.Update())
	require.Empty(t, rec.created)
	require.Empty(t, rec.destroyed)
	require.Equal(t, []string{"a", "b"}, rec.updated)
}

func TestTrackerDemotesFilteredOutObjects(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "ship", Radius: 1})
	rec := &recorder{}
	tracker := newTracker(t, store, rec, func(object *state.SpaceObject) bool { return !object.Destroyed })

	require.NoError(t, tracker.Update())
	require.Equal(t, 1, tracker.Len())

	store.Destroy("ship")
	require.NoError(t, tracker.Update())
	require.Equal(t, []string{"ship"}, rec.destroyed)
	require.Zero(t, tracker.Len())

	_, ok := tracker.Get("ship")
	require.False(t, ok)
}

func TestTrackerRemovalDestroysWithoutUpdate(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "rock"})
	rec := &recorder{}
	tracker := newTracker(t, store, rec, nil)
	require.NoError(t, tracker.Update())

	//1.- The destroy hook fires from the removal event itself, exactly once.
	store.Remove("rock")
	require.Equal(t, []string{"rock"}, rec.destroyed)
	require.Zero(t, tracker.Len())

	require.NoError(t, tracker.Update())
	require.Equal(t, []string{"rock"}, rec.destroyed)
}

func TestTrackerRemovalDuringCreateDestroysNewContext(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "flash"})
	store.Add(state.SpaceObject{ID: "steady"})
	var destroyed []string
	tracker, err := New(store, Options[string]{
		Create: func(object *state.SpaceObject) (string, error) {
			if object.ID == "flash" {
				store.Remove(object.ID)
			}
			return object.ID, nil
		},
		Destroy: func(id string) error {
			destroyed = append(destroyed, id)
			return nil
		},
		Logger: logging.NewTestLogger(),
	})
	require.NoError(t, err)

	require.NoError(t, tracker.Update())
	require.Nil(t, store.Get("flash"))
	_, ok := tracker.Get("flash")
	require.False(t, ok)
	require.Equal(t, 1, tracker.Len())
	require.Equal(t, []string{"flash"}, destroyed)

	require.NoError(t, tracker.Update())
	require.Equal(t, []string{"flash"}, destroyed)
}

func TestTrackerRemovalDropsEntryEvenWhenDestroyFails(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "wreck"})
	attempts := 0
	tracker, err := New(store, Options[string]{
		Create: func(object *state.SpaceObject) (string, error) { return object.ID, nil },
		Destroy: func(string) error {
			attempts++
			return errors.New("busy")
		},
		Logger: logging.NewTestLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, tracker.Update())

	store.Remove("wreck")
	require.Equal(t, 1, attempts)
	require.Zero(t, tracker.Len())
	require.NoError(t, tracker.Update())
	require.Equal(t, 1, attempts)
}

func TestTrackerCreateFailureRetriesNextPass(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "flaky"})
	rec := &recorder{failNext: errors.New("sensor offline")}
	tracker := newTracker(t, store, rec, nil)

	err := tracker.Update()
	require.Error(t, err)
	require.ErrorContains(t, err, "flaky")
	require.Zero(t, tracker.Len())

	require.NoError(t, tracker.Update())
	require.Equal(t, []string{"flaky"}, rec.created)
}

func TestTrackerDestroyFailureKeepsEntry(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "stuck"})
	admit := true
	failures := 1
	tracker, err := New(store, Options[string]{
		Create: func(object *state.SpaceObject) (string, error) { return object.ID, nil },
		Destroy: func(string) error {
			if failures > 0 {
				failures--
				return errors.New("busy")
			}
			return nil
		},
		ShouldTrack: func(*state.SpaceObject) bool { return admit },
		Logger:      logging.NewTestLogger(),
	})
	require.NoError(t, err)
	require.NoError(t, tracker.Update())

	admit = false
	require.Error(t, tracker.Update())
	require.Equal(t, 1, tracker.Len())
	require.NoError(t, tracker.Update())
	require.Zero(t, tracker.Len())
}

func TestTrackerValuesSkipsEntriesRemovedDuringIteration(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "first"})
	store.Add(state.SpaceObject{ID: "second"})
	rec := &recorder{}
	tracker := newTracker(t, store, rec, nil)
	require.NoError(t, tracker.Update())

	var visited []string
	for id := range tracker.Values() {
		visited = append(visited, id)
		if id == "first" {
			store.Remove("second")
		}
	}
	require.Equal(t, []string{"first"}, visited)
}

func TestTrackerCloseUnsubscribes(t *testing.T) {
	store := state.NewObjectStore()
	store.Add(state.SpaceObject{ID: "x"})
	rec := &recorder{}
	tracker := newTracker(t, store, rec, nil)
	require.NoError(t, tracker.Update())

	require.NoError(t, tracker.Close())
	require.Zero(t, store.Listeners())
	require.Equal(t, []string{"x"}, rec.destroyed)
	require.ErrorIs(t, tracker.Update(), ErrClosed)

	store.Remove("x")
	require.Equal(t, []string{"x"}, rec.destroyed)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New[int](nil, Options[int]{Create: func(*state.SpaceObject) (int, error) { return 0, nil }})
	require.Error(t, err)
	_, err = New[int](state.NewObjectStore(), Options[int]{})
	require.Error(t, err)
}
