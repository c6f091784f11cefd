package region

import (
	"image"
	"testing"

	"github.com/matjam/lucent/internal/geom"
)

func rect(x0, y0, x1, y1 int) image.Rectangle {
	return image.Rect(x0, y0, x1, y1)
}

func TestUnionContainsOperands(t *testing.T) {
	a := FromRects(rect(0, 0, 10, 10), rect(20, 0, 30, 5))
	b := FromRects(rect(5, 5, 25, 15))
	u := a.Union(b)

	if !u.Intersect(a).Equal(a) {
		t.Errorf("union does not contain A: %v vs %v", u.Intersect(a), a)
	}
	if !u.Intersect(b).Equal(b) {
		t.Errorf("union does not contain B: %v vs %v", u.Intersect(b), b)
	}
	wantArea := a.Area() + b.Area() - a.Intersect(b).Area()
	if u.Area() != wantArea {
		t.Errorf("union area = %d, want %d", u.Area(), wantArea)
	}
}

func TestIntersectExact(t *testing.T) {
	a := FromRects(rect(0, 0, 10, 10), rect(20, 20, 30, 30))
	b := FromRect(rect(5, 5, 25, 25))
	got := a.Intersect(b)
	want := FromRects(rect(5, 5, 10, 10), rect(20, 20, 25, 25))
	if !got.Equal(want) {
		t.Errorf("intersect = %v, want %v", got, want)
	}
}

func TestSubtractUnionRoundTrip(t *testing.T) {
	// For B ⊆ A: union(subtract(A,B), intersect(A,B)) == A.
	a := FromRects(rect(0, 0, 20, 20), rect(30, 0, 40, 40))
	b := FromRects(rect(5, 5, 15, 15), rect(32, 10, 38, 30))
	if !b.Intersect(a).Equal(b) {
		t.Fatal("test setup: B not a subset of A")
	}
	got := a.Subtract(b).Union(a.Intersect(b))
	if !got.Equal(a) {
		t.Errorf("subtract/union round trip = %v, want %v", got, a)
	}
}

func TestEmptyOperandAlgebra(t *testing.T) {
	a := FromRect(rect(1, 2, 3, 4))
	var empty Region

	if !a.Union(empty).Equal(a) || !empty.Union(a).Equal(a) {
		t.Error("union with empty did not yield the other operand")
	}
	if !a.Intersect(empty).Empty() || !empty.Intersect(a).Empty() {
		t.Error("intersect with empty is not empty")
	}
	if !a.Subtract(empty).Equal(a) {
		t.Error("subtracting empty changed the region")
	}
	if !empty.Subtract(a).Empty() {
		t.Error("subtracting from empty is not empty")
	}
}

func TestCanonicalForm(t *testing.T) {
	// Two decompositions of the same L shape produce identical rects.
	a := FromRects(rect(0, 0, 10, 5), rect(0, 5, 5, 10))
	b := FromRects(rect(0, 0, 5, 10), rect(5, 0, 10, 5))
	if !a.Equal(b) {
		t.Errorf("canonical forms differ: %v vs %v", a, b)
	}

	// Vertically adjacent bands with equal spans coalesce into one rect.
	c := FromRects(rect(0, 0, 10, 5), rect(0, 5, 10, 10))
	if got := len(c.Rects()); got != 1 {
		t.Errorf("coalesced region has %d rects, want 1: %v", got, c)
	}
	if !c.Equal(FromRect(rect(0, 0, 10, 10))) {
		t.Errorf("coalesced region = %v", c)
	}
}

func TestSubtractPunchesHole(t *testing.T) {
	a := FromRect(rect(0, 0, 30, 30))
	b := FromRect(rect(10, 10, 20, 20))
	got := a.Subtract(b)
	if got.Area() != 30*30-10*10 {
		t.Errorf("hole area wrong: %d", got.Area())
	}
	if got.Contains(image.Pt(15, 15)) {
		t.Error("hole interior still covered")
	}
	for _, p := range []image.Point{{0, 0}, {29, 29}, {9, 15}, {20, 15}, {15, 9}, {15, 20}} {
		if !got.Contains(p) {
			t.Errorf("point %v should remain covered", p)
		}
	}
}

func TestTranslate(t *testing.T) {
	a := FromRects(rect(0, 0, 5, 5), rect(10, 0, 15, 5))
	got := a.Translate(3, -2)
	want := FromRects(rect(3, -2, 8, 3), rect(13, -2, 18, 3))
	if !got.Equal(want) {
		t.Errorf("translate = %v, want %v", got, want)
	}
}

func TestTransform(t *testing.T) {
	a := FromRect(rect(1, 2, 4, 6))

	got := a.Transform(geom.Translate(10, 0))
	if !got.Equal(FromRect(rect(11, 2, 14, 6))) {
		t.Errorf("translation transform = %v", got)
	}

	got = a.Transform(geom.Rotate90(1))
	if !got.Equal(FromRect(rect(-6, 1, -2, 4))) {
		t.Errorf("rotation transform = %v", got)
	}

	// Non-axis-aligned transforms are conservative: result covers the
	// exact transformed area.
	shear := geom.NewAffine2D(1, 1, 0, 0, 1, 0)
	got = a.Transform(shear)
	if got.Area() < a.Area() {
		t.Errorf("conservative transform lost area: %d < %d", got.Area(), a.Area())
	}
}

func TestScale(t *testing.T) {
	a := FromRect(rect(1, 1, 3, 3))
	if got := a.Scale(2); !got.Equal(FromRect(rect(2, 2, 6, 6))) {
		t.Errorf("scale = %v", got)
	}
}

func TestBoundsAndArea(t *testing.T) {
	a := FromRects(rect(-5, 0, 0, 5), rect(10, 10, 20, 15))
	if got := a.Bounds(); got != rect(-5, 0, 20, 15) {
		t.Errorf("bounds = %v", got)
	}
	if got := a.Area(); got != 25+50 {
		t.Errorf("area = %d", got)
	}
	var empty Region
	if empty.Bounds() != (image.Rectangle{}) {
		t.Error("empty bounds not zero")
	}
}
