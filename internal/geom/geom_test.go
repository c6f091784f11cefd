package geom

import (
	"image"
	"math"
	"testing"
)

func TestMulApply(t *testing.T) {
	// Translate then rotate: rotation applies to the translated point.
	m := Rotate90(1).Mul(Translate(2, 0))
	got := m.Apply(Pt(1, 0))
	if math.Abs(got.X) > 1e-9 || math.Abs(got.Y-3) > 1e-9 {
		t.Fatalf("rotate(translate(1,0)) = %v, want (0,3)", got)
	}
}

func TestInvertRoundTrip(t *testing.T) {
	m := Translate(5, -3).Mul(Scale(2, -4)).Mul(Rotate90(3))
	inv := m.Invert()
	p := Pt(7, 11)
	q := inv.Apply(m.Apply(p))
	if math.Abs(q.X-p.X) > 1e-9 || math.Abs(q.Y-p.Y) > 1e-9 {
		t.Fatalf("invert round trip: got %v, want %v", q, p)
	}
}

func TestAxisAligned(t *testing.T) {
	cases := []struct {
		m    Affine2D
		want bool
	}{
		{Identity(), true},
		{Translate(3, 4), true},
		{Scale(-1, 2), true},
		{Rotate90(1), true},
		{Rotate90(2).Mul(Translate(1, 1)), true},
		{NewAffine2D(1, 0.5, 0, 0, 1, 0), false}, // shear
	}
	for i, c := range cases {
		if got := c.m.AxisAligned(); got != c.want {
			t.Errorf("case %d: AxisAligned = %v, want %v", i, got, c.want)
		}
	}
}

func TestTransformRect(t *testing.T) {
	r := image.Rect(1, 2, 4, 6)

	got, exact := Translate(10, 20).TransformRect(r)
	if !exact || got != image.Rect(11, 22, 14, 26) {
		t.Fatalf("translate rect: got %v exact=%v", got, exact)
	}

	// 90° CCW about the origin maps (x,y) to (-y,x).
	got, exact = Rotate90(1).TransformRect(r)
	if !exact || got != image.Rect(-6, 1, -2, 4) {
		t.Fatalf("rotate rect: got %v exact=%v", got, exact)
	}

	// Shear falls back to a conservative bounding box.
	_, exact = NewAffine2D(1, 1, 0, 0, 1, 0).TransformRect(r)
	if exact {
		t.Fatal("shear reported an exact rectangle mapping")
	}
}
