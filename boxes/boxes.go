// Package boxes - Host-side box geometry in grid units.
package boxes

import (
	"fmt"

	"github.com/chewxy/math32"
)

// Epsilon floors the union area so that two zero-area boxes produce an IoU of 0
// instead of NaN.
const Epsilon = 1e-7

// Box is a box in center form: X, Y is the center and W, H the full extents.
type Box struct {
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
	W float32 `json:"w" yaml:"w"`
	H float32 `json:"h" yaml:"h"`
}

// Rect is a box in corner form.
type Rect struct {
	X1, Y1, X2, Y2 float32
}

// Rect converts the box to its min/max corners using half extents.
func (b Box) Rect() Rect {
	hw, hh := b.W/2, b.H/2
	return Rect{X1: b.X - hw, Y1: b.Y - hh, X2: b.X + hw, Y2: b.Y + hh}
}

// Area returns W*H.
func (b Box) Area() float32 {
	return b.W * b.H
}

// IoU is shorthand for CalculateIoU(b, other).
func (b Box) IoU(other Box) float32 {
	return CalculateIoU(b, other)
}

func (b Box) String() string {
	return fmt.Sprintf("Box center=(%f, %f) size=(%f, %f)", b.X, b.Y, b.W, b.H)
}

// Area returns the rectangle area, or 0 for inverted rectangles.
func (r Rect) Area() float32 {
	return math32.Max(0, r.X2-r.X1) * math32.Max(0, r.Y2-r.Y1)
}

// Intersect returns the overlapping region. Non-overlapping rectangles produce a
// rectangle with zero area.
func (r Rect) Intersect(o Rect) Rect {
	x1 := math32.Max(r.X1, o.X1)
	y1 := math32.Max(r.Y1, o.Y1)
	return Rect{
		X1: x1,
		Y1: y1,
		X2: math32.Max(x1, math32.Min(r.X2, o.X2)),
		Y2: math32.Max(y1, math32.Min(r.Y2, o.Y2)),
	}
}

// CalculateIoU returns the Intersection over Union of two center-form boxes.
//
// The intersection extent on each axis is max(0, min(maxA, maxB) - max(minA, minB))
// and the union follows inclusion-exclusion:
//
//	Union(A, B) = Area(A) + Area(B) - Intersection(A, B)
//
// The union is floored at Epsilon, so degenerate pairs return 0.
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - A value between 0.0 and 1.0.
//
// @example
// a := Box{X: 5, Y: 5, W: 10, H: 10}
// b := Box{X: 10, Y: 10, W: 10, H: 10}
// iou := CalculateIoU(a, b) // 25 / 175 = 0.142857
func CalculateIoU(a, b Box) float32 {
	ra, rb := a.Rect(), b.Rect()
	inter := ra.Intersect(rb).Area()
	union := a.Area() + b.Area() - inter
	return inter / math32.Max(union, Epsilon)
}

// ShapeIoU compares only the extents of two boxes, as if both were centered at the
// origin. Used to pick the anchor prior closest to a labeled box.
func ShapeIoU(a, b Box) float32 {
	return CalculateIoU(Box{W: a.W, H: a.H}, Box{W: b.W, H: b.H})
}
