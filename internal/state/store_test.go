package state

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func TestObjectStoreAddEmitsAndRejectsDuplicates(t *testing.T) {
	store := NewObjectStore()
	var added []string
	store.On(TopicObjectAdded, func(event Event) { added = append(added, event.Object.ID) })

	if _, err := store.Add(SpaceObject{ID: "ship-1", Radius: 5}); err != nil {
		t.Fatalf("add ship-1: %v", err)
	}
	if _, err := store.Add(SpaceObject{ID: "ship-1", Radius: 5}); !errors.Is(err, ErrDuplicateObject) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if _, err := store.Add(SpaceObject{ID: "rock", Radius: -1}); !errors.Is(err, ErrInvalidObject) {
		t.Fatalf("expected invalid error, got %v", err)
	}
	if len(added) != 1 || added[0] != "ship-1" {
		t.Fatalf("unexpected added events %v", added)
	}
}

func TestObjectStoreFieldEventsAndOff(t *testing.T) {
	store := NewObjectStore()
	if _, err := store.Add(SpaceObject{ID: "ship-2", Radius: 2}); err != nil {
		t.Fatalf("add: %v", err)
	}
	var fields []string
	id := store.On(FieldPath("ship-2", FieldPosition), func(event Event) { fields = append(fields, event.Field) })
	store.On(FieldPath("ship-2", FieldRadius), func(event Event) { fields = append(fields, event.Field) })

	store.SetPosition("ship-2", r2.Vec{X: 1, Y: 2})
	store.SetRadius("ship-2", 4)
	store.Off(FieldPath("ship-2", FieldPosition), id)
	store.SetPosition("ship-2", r2.Vec{X: 3})

	if len(fields) != 2 || fields[0] != FieldPosition || fields[1] != FieldRadius {
		t.Fatalf("unexpected field events %v", fields)
	}
	got := store.Get("ship-2")
	if got.Position.X != 3 || got.Radius != 4 {
		t.Fatalf("unexpected stored object %+v", got)
	}
}

func TestObjectStoreRemoveEmitsOnce(t *testing.T) {
	store := NewObjectStore()
	store.Add(SpaceObject{ID: "a"})
	store.Add(SpaceObject{ID: "b"})
	removed := 0
	store.On(TopicObjectRemoved, func(Event) { removed++ })

	if !store.Remove("a") {
		t.Fatalf("expected first remove to succeed")
	}
	if store.Remove("a") {
		t.Fatalf("expected second remove to be ignored")
	}
	if removed != 1 {
		t.Fatalf("expected one removal event, got %d", removed)
	}
	var ids []string
	for object := range store.All() {
		ids = append(ids, object.ID)
	}
	if len(ids) != 1 || ids[0] != "b" {
		t.Fatalf("unexpected iteration %v", ids)
	}
}

func TestObjectStoreAdvanceDriftsMovingObjects(t *testing.T) {
	store := NewObjectStore()
	store.Add(SpaceObject{ID: "drifter", Velocity: r2.Vec{X: 10}})
	store.Add(SpaceObject{ID: "parked"})
	moves := 0
	store.On(FieldPath("drifter", FieldPosition), func(Event) { moves++ })

	if moved := store.Advance(0.5); moved != 1 {
		t.Fatalf("expected one moved object, got %d", moved)
	}
	if store.Get("drifter").Position.X != 5 {
		t.Fatalf("unexpected X position %.2f", store.Get("drifter").Position.X)
	}
	if moves != 1 {
		t.Fatalf("expected one position event, got %d", moves)
	}
}

func TestObjectStoreHandlersMayReenter(t *testing.T) {
	store := NewObjectStore()
	//1.- Handlers run without the store lock held so nested mutations must not deadlock.
	store.On(TopicObjectAdded, func(event Event) {
		if event.Object.ID == "parent" {
			store.Add(SpaceObject{ID: "child"})
		}
	})
	store.Add(SpaceObject{ID: "parent"})
	if store.Get("child") == nil {
		t.Fatalf("expected nested add to succeed")
	}
}

func TestObjectStoreConcurrentAdds(t *testing.T) {
	store := NewObjectStore()
	wg := sync.WaitGroup{}
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			store.Add(SpaceObject{ID: fmt.Sprintf("obj-%d", idx)})
		}(i)
	}
	wg.Wait()
	if store.Len() != 32 {
		t.Fatalf("expected 32 objects, got %d", store.Len())
	}
}
