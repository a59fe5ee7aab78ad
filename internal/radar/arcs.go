package radar

import (
	"iter"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"

	"driftpursuit/radarcore/internal/simulation"
	"driftpursuit/radarcore/internal/state"
)

const (
	// SweepStart and SweepEnd bound the angular domain, in degrees, partitioned by every arc set.
	SweepStart = -180.0
	SweepEnd   = 180.0

	// minHalfWidthDegrees keeps point-sized objects from vanishing between slices.
	minHalfWidthDegrees = 0.01
	// angleEpsilon collapses boundaries closer than this into one.
	angleEpsilon = 1e-9
	// distanceTolerance treats near edges this close as equidistant.
	distanceTolerance = 1e-9
)

// VisibleArc is a contiguous angular slice around a viewer and the range at which it ends.
// Object is the occluder limiting the slice, nil when the slice reaches the sensor's range.
type VisibleArc struct {
	From     float64
	To       float64
	Distance float64
	Object   *state.SpaceObject
}

// Width returns the angular size of the arc in degrees.
func (a VisibleArc) Width() float64 {
	return a.To - a.From
}

// Contains reports whether angle, folded into the sweep domain, lies inside the arc.
func (a VisibleArc) Contains(angle float64) bool {
	folded := simulation.NormalizeDegrees(angle)
	return folded >= a.From && folded < a.To
}

// ObjectID returns the occluder id or an empty string.
func (a VisibleArc) ObjectID() string {
	if a.Object == nil {
		return ""
	}
	return a.Object.ID
}

// interval is the angular shadow one occluder casts, already clipped to the sweep domain.
type interval struct {
	from     float64
	to       float64
	distance float64
	object   *state.SpaceObject
}

// shadowOf computes the intervals an occluder covers as seen from origin. It returns nil
// when the occluder's near edge lies beyond maxRange.
func shadowOf(origin r2.Vec, maxRange float64, object *state.SpaceObject) []interval {
	center := object.Position
	radius := object.Radius
	d := simulation.Distance(origin, center)
	near := math.Max(0, d-radius)
	if near > maxRange || math.IsNaN(near) {
		return nil
	}
	//1.- A point sitting on the viewer has no bearing and casts nothing.
	if d == 0 && radius == 0 {
		return nil
	}
	//2.- A viewer inside the occluder is blind in every direction at distance zero.
	if d < radius {
		return []interval{{from: SweepStart, to: SweepEnd, distance: 0, object: object}}
	}
	half := math.Asin(radius/d) * 180 / math.Pi
	half = math.Max(half, minHalfWidthDegrees)
	if half >= 180 {
		return []interval{{from: SweepStart, to: SweepEnd, distance: near, object: object}}
	}
	bearing := simulation.BearingDegrees(origin, center)
	from := bearing - half
	to := bearing + half

	//3.- Split shadows that straddle the seam of the sweep domain.
	switch {
	case from < SweepStart:
		return []interval{
			{from: SweepStart, to: to, distance: near, object: object},
			{from: from + 360, to: SweepEnd, distance: near, object: object},
		}
	case to > SweepEnd:
		return []interval{
			{from: SweepStart, to: to - 360, distance: near, object: object},
			{from: from, to: SweepEnd, distance: near, object: object},
		}
	default:
		return []interval{{from: from, to: to, distance: near, object: object}}
	}
}

// Sweep partitions [SweepStart, SweepEnd) into arcs, each limited by the nearest occluder
// covering it or by maxRange. Candidates equal to ownerID are ignored. Equidistant occluders
// resolve to the smaller id.
func Sweep(origin r2.Vec, ownerID string, maxRange float64, candidates iter.Seq[*state.SpaceObject]) []VisibleArc {
	var shadows []interval
	boundaries := []float64{SweepStart, SweepEnd}
	for object := range candidates {
		if object == nil || object.ID == ownerID || object.Destroyed {
			continue
		}
		for _, shadow := range shadowOf(origin, maxRange, object) {
			shadows = append(shadows, shadow)
			boundaries = append(boundaries, shadow.from, shadow.to)
		}
	}

	//1.- Sort and deduplicate the slice boundaries.
	sort.Float64s(boundaries)
	unique := boundaries[:0]
	for _, b := range boundaries {
		if len(unique) > 0 && b-unique[len(unique)-1] <= angleEpsilon {
			continue
		}
		unique = append(unique, b)
	}
	unique[len(unique)-1] = SweepEnd

	//2.- Resolve the nearest occluder for every elementary slice and merge equal neighbours.
	arcs := make([]VisibleArc, 0, len(unique)-1)
	for i := 0; i+1 < len(unique); i++ {
		from, to := unique[i], unique[i+1]
		mid := (from + to) / 2
		best := interval{distance: maxRange}
		for _, shadow := range shadows {
			if mid < shadow.from || mid >= shadow.to {
				continue
			}
			if nearer(shadow, best) {
				best = shadow
			}
		}
		if n := len(arcs); n > 0 && sameLimit(arcs[n-1], best) {
			arcs[n-1].To = to
			continue
		}
		arcs = append(arcs, VisibleArc{From: from, To: to, Distance: best.distance, Object: best.object})
	}
	return arcs
}

func nearer(candidate, best interval) bool {
	diff := candidate.distance - best.distance
	if diff < -distanceTolerance {
		return true
	}
	if diff > distanceTolerance {
		return false
	}
	//1.- Equidistant: any occluder beats open space, then the smaller id wins.
	if best.object == nil {
		return true
	}
	return candidate.object.ID < best.object.ID
}

func sameLimit(arc VisibleArc, limit interval) bool {
	if arc.ObjectID() != idOf(limit.object) {
		return false
	}
	return math.Abs(arc.Distance-limit.distance) <= distanceTolerance
}

func idOf(object *state.SpaceObject) string {
	if object == nil {
		return ""
	}
	return object.ID
}
