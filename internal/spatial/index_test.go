package spatial

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r2"

	"driftpursuit/radarcore/internal/logging"
	"driftpursuit/radarcore/internal/simulation"
	"driftpursuit/radarcore/internal/state"
)

func newTestIndex(t *testing.T, store *state.ObjectStore) *Index {
	t.Helper()
	index := New(store, Options{CellSize: 50, Logger: logging.NewTestLogger()})
	t.Cleanup(index.Close)
	return index
}

func collect(index *Index, shape simulation.Circle) []string {
	var ids []string
	for object := range index.SelectPotentials(shape) {
		ids = append(ids, object.ID)
	}
	return ids
}

func storeIDs(store *state.ObjectStore) []string {
	var ids []string
	for object := range store.All() {
		ids = append(ids, object.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestIndexPicksUpExistingAndNewObjects(t *testing.T) {
	store := state.NewObjectStore()
	_, err := store.Add(state.SpaceObject{ID: "early", Position: r2.Vec{X: 10}, Radius: 5})
	require.NoError(t, err)

	index := newTestIndex(t, store)
	_, err = store.Add(state.SpaceObject{ID: "late", Position: r2.Vec{X: 400}, Radius: 5})
	require.NoError(t, err)

	require.Equal(t, []string{"early", "late"}, index.IDs())
	require.Equal(t, []string{"early"}, collect(index, simulation.Circle{Radius: 20}))
	require.Equal(t, []string{"late"}, collect(index, simulation.Circle{Center: r2.Vec{X: 390}, Radius: 20}))
}

func TestIndexFollowsPositionAndRadiusChanges(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	_, err := store.Add(state.SpaceObject{ID: "mover", Position: r2.Vec{}, Radius: 1})
	require.NoError(t, err)

	var changes []BodyChange
	cancel := index.Watch(func(change BodyChange) { changes = append(changes, change) })
	defer cancel()

	store.SetPosition("mover", r2.Vec{X: 1000, Y: 1000})
	require.Empty(t, collect(index, simulation.Circle{Radius: 10}))
	require.Equal(t, []string{"mover"}, collect(index, simulation.Circle{Center: r2.Vec{X: 1000, Y: 1000}, Radius: 2}))

	store.SetRadius("mover", 300)
	require.Equal(t, []string{"mover"}, collect(index, simulation.Circle{Center: r2.Vec{X: 750, Y: 1000}, Radius: 10}))

	require.Len(t, changes, 2)
	require.Equal(t, BodyMoved, changes[0].Kind)
	require.Equal(t, 300.0, changes[1].Current.Radius)
	require.Equal(t, 1.0, changes[1].Previous.Radius)
}

func TestIndexSkipsDestroyedObjects(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	store.Add(state.SpaceObject{ID: "wreck", Radius: 4})
	store.Destroy("wreck")

	require.Equal(t, []string{"wreck"}, index.IDs())
	require.Empty(t, collect(index, simulation.Circle{Radius: 10}))
}

func TestIndexRemovalIsIdempotent(t *testing.T) {
	store := state.NewObjectStore()
	baseline := store.Listeners()
	index := New(store, Options{Logger: logging.NewTestLogger()})
	withIndex := store.Listeners()

	store.Add(state.SpaceObject{ID: "doomed", Radius: 3})
	require.Equal(t, withIndex+3, store.Listeners())

	object := store.Get("doomed")
	store.Remove("doomed")
	require.Equal(t, withIndex, store.Listeners())

	//1.- A second removal for the same id must neither panic nor repeat the cleanup.
	index.handleRemoved(state.Event{Topic: state.TopicObjectRemoved, Object: object})
	require.False(t, index.remove("doomed"))
	require.Empty(t, index.IDs())

	index.Close()
	require.Equal(t, baseline, store.Listeners())
}

func TestIndexDuplicateAddIsNoop(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	store.Add(state.SpaceObject{ID: "once", Radius: 3})
	listeners := store.Listeners()

	index.handleAdded(state.Event{Topic: state.TopicObjectAdded, Object: store.Get("once")})
	require.Equal(t, listeners, store.Listeners())
	require.Equal(t, 1, index.Len())
}

func TestSelectPotentialsRejectsMalformedShapes(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	store.Add(state.SpaceObject{ID: "target", Radius: 3})

	for _, shape := range []simulation.Circle{
		{Radius: math.NaN()},
		{Radius: -1},
		{Center: r2.Vec{X: math.Inf(1)}, Radius: 1},
	} {
		require.Empty(t, collect(index, shape))
	}
}

func TestSelectPotentialsHandlesHugeQueriesAndBodies(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	store.Add(state.SpaceObject{ID: "planet", Radius: 1e6})
	store.Add(state.SpaceObject{ID: "probe", Position: r2.Vec{X: 5e6}, Radius: 1})

	require.Equal(t, []string{"planet"}, collect(index, simulation.Circle{Center: r2.Vec{X: 9e5}, Radius: 1}))
	require.Equal(t, []string{"planet", "probe"}, collect(index, simulation.Circle{Radius: 1e9}))
}

func TestSelectPotentialsStopsEarly(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	for i := 0; i < 5; i++ {
		store.Add(state.SpaceObject{ID: fmt.Sprintf("rock-%d", i), Position: r2.Vec{X: float64(i)}, Radius: 1})
	}
	seen := 0
	for range index.SelectPotentials(simulation.Circle{Radius: 10}) {
		seen++
		if seen == 2 {
			break
		}
	}
	require.Equal(t, 2, seen)
}

func TestIndexedIDsMatchLiveObjectsUnderRandomEvents(t *testing.T) {
	store := state.NewObjectStore()
	index := newTestIndex(t, store)
	rng := rand.New(rand.NewSource(42))
	next := 0

	for step := 0; step < 500; step++ {
		ids := storeIDs(store)
		switch op := rng.Intn(4); {
		case op == 0 || len(ids) == 0:
			next++
			_, err := store.Add(state.SpaceObject{
				ID:       fmt.Sprintf("obj-%03d", next),
				Position: r2.Vec{X: rng.Float64()*2000 - 1000, Y: rng.Float64()*2000 - 1000},
				Radius:   rng.Float64() * 80,
			})
			require.NoError(t, err)
		case op == 1:
			store.Remove(ids[rng.Intn(len(ids))])
		case op == 2:
			store.SetPosition(ids[rng.Intn(len(ids))], r2.Vec{X: rng.Float64()*4000 - 2000, Y: rng.Float64()*4000 - 2000})
		default:
			store.SetRadius(ids[rng.Intn(len(ids))], rng.Float64()*200)
		}
		//1.- After every event the indexed ids equal exactly the live ids.
		require.Equal(t, storeIDs(store), nonNil(index.IDs()), "step %d", step)
	}

	//2.- Every object overlapping a probe must be among the broad-phase candidates.
	probe := simulation.Circle{Center: r2.Vec{X: 100, Y: -50}, Radius: 600}
	candidates := map[string]struct{}{}
	for _, id := range collect(index, probe) {
		candidates[id] = struct{}{}
	}
	for object := range store.All() {
		if probe.Overlaps(simulation.Circle{Center: object.Position, Radius: object.Radius}) {
			require.Contains(t, candidates, object.ID)
		}
	}
}

func nonNil(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	return ids
}
