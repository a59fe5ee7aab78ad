package simulation

import (
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// Circle is the bounding volume used for broad-phase queries and occlusion.
type Circle struct {
	Center r2.Vec
	Radius float64
}

// Valid reports whether the circle can take part in a spatial query.
func (c Circle) Valid() bool {
	//1.- Reject non-finite coordinates and NaN or negative radii.
	if !finite(c.Center.X) || !finite(c.Center.Y) {
		return false
	}
	return !math.IsNaN(c.Radius) && !math.IsInf(c.Radius, 0) && c.Radius >= 0
}

// Bounds returns the axis aligned box enclosing the circle.
func (c Circle) Bounds() Box {
	return Box{
		Min: r2.Vec{X: c.Center.X - c.Radius, Y: c.Center.Y - c.Radius},
		Max: r2.Vec{X: c.Center.X + c.Radius, Y: c.Center.Y + c.Radius},
	}
}

// Overlaps reports whether two circles intersect or touch.
func (c Circle) Overlaps(other Circle) bool {
	reach := c.Radius + other.Radius
	return r2.Norm2(r2.Sub(c.Center, other.Center)) <= reach*reach
}

// Box is an axis aligned rectangle.
type Box struct {
	Min r2.Vec
	Max r2.Vec
}

// Intersects reports whether the boxes share any area, edges included.
func (b Box) Intersects(other Box) bool {
	return b.Min.X <= other.Max.X && other.Min.X <= b.Max.X &&
		b.Min.Y <= other.Max.Y && other.Min.Y <= b.Max.Y
}

// Distance returns the euclidean distance between two points.
func Distance(a, b r2.Vec) float64 {
	return r2.Norm(r2.Sub(b, a))
}

// BearingDegrees returns the direction from origin to target in [-180, 180).
func BearingDegrees(origin, target r2.Vec) float64 {
	delta := r2.Sub(target, origin)
	return NormalizeDegrees(math.Atan2(delta.Y, delta.X) * 180 / math.Pi)
}

// NormalizeDegrees folds an angle into [-180, 180).
func NormalizeDegrees(angle float64) float64 {
	//1.- Shift into [0, 360) first so negative remainders are handled uniformly.
	folded := math.Mod(angle+180, 360)
	if folded < 0 {
		folded += 360
	}
	return folded - 180
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
