package state

import (
	"gonum.org/v1/gonum/spatial/r2"
)

// Field names addressable through FieldPath.
const (
	FieldPosition  = "position"
	FieldRadius    = "radius"
	FieldDestroyed = "destroyed"
)

// Lifecycle topics emitted by every Trackable source.
const (
	TopicObjectAdded   = "object-added"
	TopicObjectRemoved = "object-removed"
)

// SpaceObject is a replicated ship, asteroid or projectile.
// The source collection owns it; consumers treat every field as read-only.
type SpaceObject struct {
	ID          string  `json:"id"`
	Position    r2.Vec  `json:"position"`
	Velocity    r2.Vec  `json:"velocity"`
	Radius      float64 `json:"radius"`
	Destroyed   bool    `json:"destroyed"`
	Faction     string  `json:"faction,omitempty"`
	Kind        string  `json:"kind,omitempty"`
	SensorRange float64 `json:"sensor_range,omitempty"`
}

// FieldPath builds the change topic for one field of one object.
func FieldPath(objectID, field string) string {
	return "objects/" + objectID + "/" + field
}
