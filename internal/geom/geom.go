// Package geom provides the 2D affine transforms used to map between
// surface, global and output coordinate spaces.
package geom

import (
	"image"
	"math"
)

// Point is a position in continuous 2D space.
type Point struct {
	X, Y float64
}

// Pt is shorthand for Point{X: x, Y: y}.
func Pt(x, y float64) Point {
	return Point{X: x, Y: y}
}

// Affine2D is a 2D affine transform:
//
//	x' = a*x + b*y + c
//	y' = d*x + e*y + f
type Affine2D struct {
	a, b, c float64
	d, e, f float64
}

// Identity returns the identity transform.
func Identity() Affine2D {
	return Affine2D{a: 1, e: 1}
}

// NewAffine2D builds a transform from its six coefficients.
func NewAffine2D(a, b, c, d, e, f float64) Affine2D {
	return Affine2D{a: a, b: b, c: c, d: d, e: e, f: f}
}

// Translate returns a pure translation.
func Translate(dx, dy float64) Affine2D {
	return Affine2D{a: 1, c: dx, e: 1, f: dy}
}

// Scale returns a scale about the origin. Negative factors flip.
func Scale(sx, sy float64) Affine2D {
	return Affine2D{a: sx, e: sy}
}

// Rotate90 returns a counter-clockwise rotation by quarter turns about the
// origin. quarters is taken modulo 4.
func Rotate90(quarters int) Affine2D {
	switch ((quarters % 4) + 4) % 4 {
	case 1:
		return Affine2D{b: -1, d: 1}
	case 2:
		return Affine2D{a: -1, e: -1}
	case 3:
		return Affine2D{b: 1, d: -1}
	default:
		return Identity()
	}
}

// Mul returns the transform that applies other first, then t.
func (t Affine2D) Mul(other Affine2D) Affine2D {
	return Affine2D{
		a: t.a*other.a + t.b*other.d,
		b: t.a*other.b + t.b*other.e,
		c: t.a*other.c + t.b*other.f + t.c,
		d: t.d*other.a + t.e*other.d,
		e: t.d*other.b + t.e*other.e,
		f: t.d*other.c + t.e*other.f + t.f,
	}
}

// Apply transforms p.
func (t Affine2D) Apply(p Point) Point {
	return Point{
		X: t.a*p.X + t.b*p.Y + t.c,
		Y: t.d*p.X + t.e*p.Y + t.f,
	}
}

// Invert returns the inverse transform. Inverting a singular transform
// panics; transforms between coordinate spaces are never singular.
func (t Affine2D) Invert() Affine2D {
	det := t.a*t.e - t.b*t.d
	if det == 0 {
		panic("geom: inverting singular transform")
	}
	id := 1 / det
	return Affine2D{
		a: t.e * id,
		b: -t.b * id,
		c: (t.b*t.f - t.e*t.c) * id,
		d: -t.d * id,
		e: t.a * id,
		f: (t.d*t.c - t.a*t.f) * id,
	}
}

// Identity reports whether t is exactly the identity.
func (t Affine2D) Identity() bool {
	return t == Affine2D{a: 1, e: 1}
}

// AxisAligned reports whether t maps axis-aligned rectangles to
// axis-aligned rectangles: any combination of translation, scaling,
// flipping and quarter rotation.
func (t Affine2D) AxisAligned() bool {
	return (t.b == 0 && t.d == 0) || (t.a == 0 && t.e == 0)
}

// IntegerTranslation reports whether t is a pure translation by whole
// pixels, and by how much. Such transforms keep texels aligned to the
// pixel grid, so sampling needs no filtering.
func (t Affine2D) IntegerTranslation() (dx, dy int, ok bool) {
	if t.a != 1 || t.b != 0 || t.d != 0 || t.e != 1 {
		return 0, 0, false
	}
	if t.c != math.Trunc(t.c) || t.f != math.Trunc(t.f) {
		return 0, 0, false
	}
	return int(t.c), int(t.f), true
}

// Coeffs returns the six coefficients in the order a, b, c, d, e, f.
func (t Affine2D) Coeffs() (a, b, c, d, e, f float64) {
	return t.a, t.b, t.c, t.d, t.e, t.f
}

// TransformRect maps an axis-aligned rectangle through t. The second
// return is false when t is not axis-aligned, in which case the result is
// the bounding box of the transformed corners instead of an exact image.
func (t Affine2D) TransformRect(r image.Rectangle) (image.Rectangle, bool) {
	p0 := t.Apply(Pt(float64(r.Min.X), float64(r.Min.Y)))
	p1 := t.Apply(Pt(float64(r.Max.X), float64(r.Max.Y)))
	exact := t.AxisAligned()
	if !exact {
		p2 := t.Apply(Pt(float64(r.Max.X), float64(r.Min.Y)))
		p3 := t.Apply(Pt(float64(r.Min.X), float64(r.Max.Y)))
		return boundsOf(p0, p1, p2, p3), false
	}
	return boundsOf(p0, p1), true
}

func boundsOf(pts ...Point) image.Rectangle {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range pts {
		minX = math.Min(minX, p.X)
		minY = math.Min(minY, p.Y)
		maxX = math.Max(maxX, p.X)
		maxY = math.Max(maxY, p.Y)
	}
	return image.Rect(
		int(math.Floor(minX)), int(math.Floor(minY)),
		int(math.Ceil(maxX)), int(math.Ceil(maxY)),
	)
}
