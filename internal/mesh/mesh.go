// Package mesh turns damage regions into draw geometry: damage rectangles
// are mapped into surface-local space, clipped against a node's opaque or
// blended sub-rectangles, and triangulated into one indexed triangle strip
// per node so each paint node is a single draw call.
package mesh

import (
	"image"
	"math"

	"github.com/matjam/lucent/internal/geom"
	"github.com/matjam/lucent/internal/region"
)

// Vertex is one mesh corner: global-space position plus the normalized
// surface texture coordinate.
type Vertex struct {
	X, Y float32
	U, V float32
}

// Mesh is an indexed triangle strip. Sub-polygons are chained with
// degenerate triangles, so the whole mesh draws with one call.
type Mesh struct {
	Vertices []Vertex
	Indices  []uint32
}

// Empty reports whether the mesh has nothing to draw.
func (m *Mesh) Empty() bool { return len(m.Indices) == 0 }

// vertexMergeDist collapses clip vertices closer than this to avoid
// degenerate slivers from floating-point noise.
const vertexMergeDist = 1.0 / 256

// Build meshes the damage region against a node's surface-local clip
// rectangles. toGlobal maps surface to global coordinates; damage is
// global. Each (clip, damage-rect) pair yields a convex polygon of 3 to 8
// vertices, exact for the transformed geometry rather than a bounding
// approximation.
func Build(toGlobal geom.Affine2D, surfSize image.Point, damage region.Region, clips []image.Rectangle) Mesh {
	var m Mesh
	if damage.Empty() || len(clips) == 0 || surfSize.X <= 0 || surfSize.Y <= 0 {
		return m
	}

	toLocal := toGlobal.Invert()
	dx, dy, integer := toGlobal.IntegerTranslation()

	for _, clip := range clips {
		for _, dmg := range damage.Rects() {
			if integer {
				r := dmg.Sub(image.Pt(dx, dy)).Intersect(clip)
				if r.Empty() {
					continue
				}
				m.addQuad(toGlobal, surfSize, r)
				continue
			}
			poly := clipPolygon(localCorners(toLocal, dmg), clip)
			if len(poly) >= 3 {
				m.addPolygon(toGlobal, surfSize, poly)
			}
		}
	}
	return m
}

type fpoint struct {
	x, y float64
}

func localCorners(toLocal geom.Affine2D, r image.Rectangle) []fpoint {
	pts := [4]geom.Point{
		toLocal.Apply(geom.Pt(float64(r.Min.X), float64(r.Min.Y))),
		toLocal.Apply(geom.Pt(float64(r.Max.X), float64(r.Min.Y))),
		toLocal.Apply(geom.Pt(float64(r.Max.X), float64(r.Max.Y))),
		toLocal.Apply(geom.Pt(float64(r.Min.X), float64(r.Max.Y))),
	}
	out := make([]fpoint, 4)
	for i, p := range pts {
		out[i] = fpoint{p.X, p.Y}
	}
	return out
}

// clipPolygon is Sutherland-Hodgman against the four rect edges. A convex
// quad clipped by a rect yields at most 8 vertices.
func clipPolygon(poly []fpoint, r image.Rectangle) []fpoint {
	type edge struct {
		inside func(fpoint) bool
		cross  func(a, b fpoint) fpoint
	}
	x0, y0 := float64(r.Min.X), float64(r.Min.Y)
	x1, y1 := float64(r.Max.X), float64(r.Max.Y)
	edges := []edge{
		{func(p fpoint) bool { return p.x >= x0 }, func(a, b fpoint) fpoint { return intersectX(a, b, x0) }},
		{func(p fpoint) bool { return p.x <= x1 }, func(a, b fpoint) fpoint { return intersectX(a, b, x1) }},
		{func(p fpoint) bool { return p.y >= y0 }, func(a, b fpoint) fpoint { return intersectY(a, b, y0) }},
		{func(p fpoint) bool { return p.y <= y1 }, func(a, b fpoint) fpoint { return intersectY(a, b, y1) }},
	}
	for _, e := range edges {
		if len(poly) == 0 {
			return nil
		}
		out := poly[:0:0]
		prev := poly[len(poly)-1]
		prevIn := e.inside(prev)
		for _, cur := range poly {
			curIn := e.inside(cur)
			if curIn != prevIn {
				out = appendMerged(out, e.cross(prev, cur))
			}
			if curIn {
				out = appendMerged(out, cur)
			}
			prev, prevIn = cur, curIn
		}
		poly = dedupeEnds(out)
	}
	return poly
}

func intersectX(a, b fpoint, x float64) fpoint {
	t := (x - a.x) / (b.x - a.x)
	return fpoint{x, a.y + t*(b.y-a.y)}
}

func intersectY(a, b fpoint, y float64) fpoint {
	t := (y - a.y) / (b.y - a.y)
	return fpoint{a.x + t*(b.x-a.x), y}
}

func appendMerged(poly []fpoint, p fpoint) []fpoint {
	if n := len(poly); n > 0 {
		q := poly[n-1]
		if math.Abs(q.x-p.x) < vertexMergeDist && math.Abs(q.y-p.y) < vertexMergeDist {
			return poly
		}
	}
	return append(poly, p)
}

func dedupeEnds(poly []fpoint) []fpoint {
	n := len(poly)
	if n < 2 {
		return poly
	}
	a, b := poly[0], poly[n-1]
	if math.Abs(a.x-b.x) < vertexMergeDist && math.Abs(a.y-b.y) < vertexMergeDist {
		return poly[:n-1]
	}
	return poly
}

func (m *Mesh) addQuad(toGlobal geom.Affine2D, surfSize image.Point, r image.Rectangle) {
	m.addPolygon(toGlobal, surfSize, []fpoint{
		{float64(r.Min.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Min.Y)},
		{float64(r.Max.X), float64(r.Max.Y)},
		{float64(r.Min.X), float64(r.Max.Y)},
	})
}

// addPolygon appends a convex surface-local polygon as a zigzag strip,
// bridging from any previous geometry with two degenerate indices.
func (m *Mesh) addPolygon(toGlobal geom.Affine2D, surfSize image.Point, poly []fpoint) {
	base := uint32(len(m.Vertices))
	w, h := float64(surfSize.X), float64(surfSize.Y)
	for _, p := range poly {
		g := toGlobal.Apply(geom.Pt(p.x, p.y))
		m.Vertices = append(m.Vertices, Vertex{
			X: float32(g.X), Y: float32(g.Y),
			U: float32(p.x / w), V: float32(p.y / h),
		})
	}

	order := stripOrder(len(poly))
	if len(m.Indices) > 0 {
		last := m.Indices[len(m.Indices)-1]
		m.Indices = append(m.Indices, last, base+uint32(order[0]))
	}
	for _, i := range order {
		m.Indices = append(m.Indices, base+uint32(i))
	}
}

// stripOrder zigzags a convex polygon's vertices into triangle-strip
// order: 0, 1, n-1, 2, n-2, ...
func stripOrder(n int) []int {
	out := make([]int, 0, n)
	out = append(out, 0)
	lo, hi := 1, n-1
	for lo <= hi {
		out = append(out, lo)
		lo++
		if hi >= lo {
			out = append(out, hi)
			hi--
		}
	}
	return out
}

// Area sums the strip's triangle areas in global space. Degenerate bridge
// triangles contribute nothing, so the result is the drawn area.
func Area(m Mesh) float64 {
	var sum float64
	for i := 0; i+2 < len(m.Indices); i++ {
		a := m.Vertices[m.Indices[i]]
		b := m.Vertices[m.Indices[i+1]]
		c := m.Vertices[m.Indices[i+2]]
		cross := float64(b.X-a.X)*float64(c.Y-a.Y) - float64(c.X-a.X)*float64(b.Y-a.Y)
		sum += math.Abs(cross) / 2
	}
	return sum
}
