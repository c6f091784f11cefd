// Package region implements set algebra over axis-aligned rectangles.
//
// A Region is kept in canonical y-banded form: rectangles are grouped into
// horizontal bands, sorted by x within a band, never overlapping, and
// vertically adjacent bands with identical x spans are coalesced. Two equal
// regions therefore always hold identical rectangle slices, and all
// operations are pure: they return new regions and never mutate their
// operands.
package region

import (
	"fmt"
	"image"
	"sort"
	"strings"

	"github.com/matjam/lucent/internal/geom"
)

// Region is a set of non-overlapping axis-aligned rectangles. The zero
// value is the empty region.
type Region struct {
	rects []image.Rectangle
}

// FromRect returns a region covering r. Degenerate rectangles yield the
// empty region.
func FromRect(r image.Rectangle) Region {
	r = r.Canon()
	if r.Empty() {
		return Region{}
	}
	return Region{rects: []image.Rectangle{r}}
}

// FromRects returns the union of rs.
func FromRects(rs ...image.Rectangle) Region {
	var out Region
	for _, r := range rs {
		out = out.Union(FromRect(r))
	}
	return out
}

// Empty reports whether the region contains no pixels.
func (g Region) Empty() bool {
	return len(g.rects) == 0
}

// Rects returns the rectangles in canonical order. Callers must not modify
// the returned slice.
func (g Region) Rects() []image.Rectangle {
	return g.rects
}

// Bounds returns the bounding box of the region, or the zero rectangle for
// the empty region.
func (g Region) Bounds() image.Rectangle {
	if len(g.rects) == 0 {
		return image.Rectangle{}
	}
	b := g.rects[0]
	for _, r := range g.rects[1:] {
		b = b.Union(r)
	}
	return b
}

// Area returns the number of pixels covered.
func (g Region) Area() int {
	a := 0
	for _, r := range g.rects {
		a += r.Dx() * r.Dy()
	}
	return a
}

// Contains reports whether p is covered by the region.
func (g Region) Contains(p image.Point) bool {
	for _, r := range g.rects {
		if p.In(r) {
			return true
		}
	}
	return false
}

// Equal reports whether two regions cover exactly the same pixels. Since
// regions are canonical this is a rectangle-by-rectangle comparison.
func (g Region) Equal(o Region) bool {
	if len(g.rects) != len(o.rects) {
		return false
	}
	for i := range g.rects {
		if g.rects[i] != o.rects[i] {
			return false
		}
	}
	return true
}

// Union returns the region covering both operands.
func (g Region) Union(o Region) Region {
	if g.Empty() {
		return o
	}
	if o.Empty() {
		return g
	}
	return combine(g, o, func(inA, inB bool) bool { return inA || inB })
}

// Intersect returns the region covered by both operands.
func (g Region) Intersect(o Region) Region {
	if g.Empty() || o.Empty() {
		return Region{}
	}
	return combine(g, o, func(inA, inB bool) bool { return inA && inB })
}

// Subtract returns the part of g not covered by o.
func (g Region) Subtract(o Region) Region {
	if g.Empty() || o.Empty() {
		return g
	}
	return combine(g, o, func(inA, inB bool) bool { return inA && !inB })
}

// IntersectRect is shorthand for g.Intersect(FromRect(r)).
func (g Region) IntersectRect(r image.Rectangle) Region {
	return g.Intersect(FromRect(r))
}

// Translate returns the region shifted by (dx, dy).
func (g Region) Translate(dx, dy int) Region {
	if g.Empty() || (dx == 0 && dy == 0) {
		return g
	}
	out := make([]image.Rectangle, len(g.rects))
	for i, r := range g.rects {
		out[i] = r.Add(image.Pt(dx, dy))
	}
	return Region{rects: out}
}

// Scale returns the region with every coordinate multiplied by s. s must
// be positive; it is the integer output scale factor.
func (g Region) Scale(s int) Region {
	if s == 1 || g.Empty() {
		return g
	}
	var out Region
	for _, r := range g.rects {
		out = out.Union(FromRect(image.Rect(r.Min.X*s, r.Min.Y*s, r.Max.X*s, r.Max.Y*s)))
	}
	return out
}

// Transform maps the region through m. When m is axis-aligned every
// rectangle maps exactly; otherwise each rectangle contributes the
// conservative bounding box of its transformed corners. Exact coverage for
// non-axis-aligned transforms is the mesh builder's job, not the region's.
func (g Region) Transform(m geom.Affine2D) Region {
	if g.Empty() || m.Identity() {
		return g
	}
	var out Region
	for _, r := range g.rects {
		tr, _ := m.TransformRect(r)
		out = out.Union(FromRect(tr))
	}
	return out
}

// String renders the region for debug logs.
func (g Region) String() string {
	if g.Empty() {
		return "region(empty)"
	}
	var b strings.Builder
	b.WriteString("region(")
	for i, r := range g.rects {
		if i > 0 {
			b.WriteString(" ")
		}
		fmt.Fprintf(&b, "%d,%d %dx%d", r.Min.X, r.Min.Y, r.Dx(), r.Dy())
	}
	b.WriteString(")")
	return b.String()
}

// span is a half-open x interval within one band.
type span struct {
	x0, x1 int
}

// combine evaluates a boolean set operation over two canonical regions by
// sweeping shared y bands and, within each band, shared x segments.
func combine(a, b Region, op func(inA, inB bool) bool) Region {
	ys := make([]int, 0, 2*(len(a.rects)+len(b.rects)))
	for _, r := range a.rects {
		ys = append(ys, r.Min.Y, r.Max.Y)
	}
	for _, r := range b.rects {
		ys = append(ys, r.Min.Y, r.Max.Y)
	}
	sort.Ints(ys)
	ys = dedupInts(ys)

	var out []image.Rectangle
	bandStart := -1 // index into out of the first rect of the previous band
	prevY1 := 0
	for i := 0; i+1 < len(ys); i++ {
		y0, y1 := ys[i], ys[i+1]
		spans := bandSpans(a, b, y0, y1, op)
		if len(spans) == 0 {
			bandStart = -1
			continue
		}
		// Coalesce with the previous band when contiguous and identical.
		if bandStart >= 0 && prevY1 == y0 && sameSpans(out[bandStart:], spans) {
			for j := range spans {
				out[bandStart+j].Max.Y = y1
			}
			prevY1 = y1
			continue
		}
		bandStart = len(out)
		for _, s := range spans {
			out = append(out, image.Rect(s.x0, y0, s.x1, y1))
		}
		prevY1 = y1
	}
	return Region{rects: out}
}

// bandSpans computes the x spans selected by op within the band [y0, y1).
func bandSpans(a, b Region, y0, y1 int, op func(inA, inB bool) bool) []span {
	xs := make([]int, 0, 8)
	for _, r := range a.rects {
		if r.Min.Y <= y0 && r.Max.Y >= y1 {
			xs = append(xs, r.Min.X, r.Max.X)
		}
	}
	for _, r := range b.rects {
		if r.Min.Y <= y0 && r.Max.Y >= y1 {
			xs = append(xs, r.Min.X, r.Max.X)
		}
	}
	if len(xs) == 0 {
		return nil
	}
	sort.Ints(xs)
	xs = dedupInts(xs)

	var spans []span
	for i := 0; i+1 < len(xs); i++ {
		x0, x1 := xs[i], xs[i+1]
		if !op(covers(a, x0, y0, y1), covers(b, x0, y0, y1)) {
			continue
		}
		if n := len(spans); n > 0 && spans[n-1].x1 == x0 {
			spans[n-1].x1 = x1
		} else {
			spans = append(spans, span{x0, x1})
		}
	}
	return spans
}

// covers reports whether the region covers the segment starting at x0 in
// the band [y0, y1). Canonical regions never split a sweep band.
func covers(g Region, x0, y0, y1 int) bool {
	for _, r := range g.rects {
		if r.Min.Y <= y0 && r.Max.Y >= y1 && r.Min.X <= x0 && r.Max.X > x0 {
			return true
		}
	}
	return false
}

func sameSpans(prev []image.Rectangle, cur []span) bool {
	if len(prev) != len(cur) {
		return false
	}
	for i, s := range cur {
		if prev[i].Min.X != s.x0 || prev[i].Max.X != s.x1 {
			return false
		}
	}
	return true
}

func dedupInts(xs []int) []int {
	out := xs[:0]
	for i, x := range xs {
		if i == 0 || x != out[len(out)-1] {
			out = append(out, x)
		}
	}
	return out
}
