package cms

import (
	"fmt"
	"math"

	"github.com/matjam/lucent/internal/signal"
)

// Matrix3 is a row-major 3x3 color matrix.
type Matrix3 [9]float64

// Identity3 returns the identity matrix.
func Identity3() Matrix3 {
	return Matrix3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// Mul returns m*n, the matrix applying n first.
func (m Matrix3) Mul(n Matrix3) Matrix3 {
	var r Matrix3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var s float64
			for k := 0; k < 3; k++ {
				s += m[i*3+k] * n[k*3+j]
			}
			r[i*3+j] = s
		}
	}
	return r
}

// Apply transforms one RGB triplet.
func (m Matrix3) Apply(r, g, b float64) (float64, float64, float64) {
	return m[0]*r + m[1]*g + m[2]*b,
		m[3]*r + m[4]*g + m[5]*b,
		m[6]*r + m[7]*g + m[8]*b
}

// Invert returns the inverse matrix. Singular matrices cannot arise from
// valid primaries; Invert reports them as an error so profile creation can
// fail gracefully.
func (m Matrix3) Invert() (Matrix3, error) {
	c00 := m[4]*m[8] - m[5]*m[7]
	c01 := m[5]*m[6] - m[3]*m[8]
	c02 := m[3]*m[7] - m[4]*m[6]
	det := m[0]*c00 + m[1]*c01 + m[2]*c02
	if math.Abs(det) < 1e-12 {
		return Matrix3{}, fmt.Errorf("%w: singular color matrix", ErrUnsupported)
	}
	inv := 1 / det
	return Matrix3{
		c00 * inv, (m[2]*m[7] - m[1]*m[8]) * inv, (m[1]*m[5] - m[2]*m[4]) * inv,
		c01 * inv, (m[0]*m[8] - m[2]*m[6]) * inv, (m[2]*m[3] - m[0]*m[5]) * inv,
		c02 * inv, (m[1]*m[6] - m[0]*m[7]) * inv, (m[0]*m[4] - m[1]*m[3]) * inv,
	}, nil
}

// nearIdentity reports whether the matrix is the identity within float
// noise, so trivial mappings collapse to the identity pipeline.
func (m Matrix3) nearIdentity() bool {
	id := Identity3()
	for i := range m {
		if math.Abs(m[i]-id[i]) > 1e-9 {
			return false
		}
	}
	return true
}

// LUT3D is a cubic sampling table of RGB triplets, Size points per axis,
// red fastest. Renderers upload it as a 3D texture; Sample is the exact
// reference used by the software path.
type LUT3D struct {
	Size int
	Data []float32
}

// Sample trilinearly interpolates the table at (r, g, b), all in [0, 1].
func (l *LUT3D) Sample(r, g, b float64) (float64, float64, float64) {
	n := l.Size
	fr, ir := lutCoord(r, n)
	fg, ig := lutCoord(g, n)
	fb, ib := lutCoord(b, n)

	var out [3]float64
	for c := 0; c < 3; c++ {
		c000 := l.at(ir, ig, ib, c)
		c100 := l.at(ir+1, ig, ib, c)
		c010 := l.at(ir, ig+1, ib, c)
		c110 := l.at(ir+1, ig+1, ib, c)
		c001 := l.at(ir, ig, ib+1, c)
		c101 := l.at(ir+1, ig, ib+1, c)
		c011 := l.at(ir, ig+1, ib+1, c)
		c111 := l.at(ir+1, ig+1, ib+1, c)
		c00 := lerp(c000, c100, fr)
		c10 := lerp(c010, c110, fr)
		c01 := lerp(c001, c101, fr)
		c11 := lerp(c011, c111, fr)
		out[c] = lerp(lerp(c00, c10, fg), lerp(c01, c11, fg), fb)
	}
	return out[0], out[1], out[2]
}

func (l *LUT3D) at(r, g, b, ch int) float64 {
	n := l.Size
	if r >= n {
		r = n - 1
	}
	if g >= n {
		g = n - 1
	}
	if b >= n {
		b = n - 1
	}
	return float64(l.Data[((b*n+g)*n+r)*3+ch])
}

func lutCoord(x float64, n int) (frac float64, idx int) {
	x = clamp01(x) * float64(n-1)
	idx = int(x)
	if idx >= n-1 {
		idx = n - 2
		if idx < 0 {
			idx = 0
		}
	}
	return x - float64(idx), idx
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

// MappingKind selects the middle stage of a transform.
type MappingKind int

const (
	MappingIdentity MappingKind = iota
	MappingMatrix
	MappingLUT3D
)

// Mapping is the gamut-mapping stage between the two curves.
type Mapping struct {
	Kind   MappingKind
	Matrix Matrix3
	LUT    *LUT3D
}

// Apply runs one RGB triplet through the mapping.
func (m Mapping) Apply(r, g, b float64) (float64, float64, float64) {
	switch m.Kind {
	case MappingMatrix:
		return m.Matrix.Apply(r, g, b)
	case MappingLUT3D:
		return m.LUT.Sample(r, g, b)
	}
	return r, g, b
}

// Transform is a three-stage color pipeline: per-channel pre-curve, gamut
// mapping, per-channel post-curve. Transforms are shared and refcounted;
// renderers cache GPU resources keyed on the transform and subscribe to
// DestroySignal to evict them when the last reference drops.
type Transform struct {
	Pre     *Curve
	Mapping Mapping
	Post    *Curve

	DestroySignal signal.Signal

	refs int
}

// NewTransform returns a transform holding one reference for the caller.
func NewTransform(pre *Curve, mapping Mapping, post *Curve) *Transform {
	return &Transform{Pre: pre, Mapping: mapping, Post: post, refs: 1}
}

// Identity reports whether the whole pipeline passes values through
// unchanged, allowing renderers to skip it entirely.
func (t *Transform) Identity() bool {
	if t == nil {
		return true
	}
	if !t.Pre.Identity() || !t.Post.Identity() {
		return false
	}
	switch t.Mapping.Kind {
	case MappingIdentity:
		return true
	case MappingMatrix:
		return t.Mapping.Matrix.nearIdentity()
	}
	return false
}

// Ref takes an additional reference.
func (t *Transform) Ref() *Transform {
	if t.refs <= 0 {
		panic("cms: ref of destroyed transform")
	}
	t.refs++
	return t
}

// Unref drops one reference. When the last reference drops the transform
// emits DestroySignal so caches holding derived GPU state can evict it.
func (t *Transform) Unref() {
	if t.refs <= 0 {
		panic("cms: unref of destroyed transform")
	}
	t.refs--
	if t.refs == 0 {
		t.DestroySignal.Emit(t)
	}
}

// Eval runs one RGB triplet through all three stages. It is the reference
// implementation backing the software renderer and the tests; the GL
// renderer implements the same stages in its fragment shaders.
func (t *Transform) Eval(r, g, b float64) (float64, float64, float64) {
	if t == nil {
		return r, g, b
	}
	if t.Pre != nil {
		r, g, b = t.Pre.Eval(0, r), t.Pre.Eval(1, g), t.Pre.Eval(2, b)
	}
	r, g, b = t.Mapping.Apply(r, g, b)
	if t.Post != nil {
		r, g, b = t.Post.Eval(0, r), t.Post.Eval(1, g), t.Post.Eval(2, b)
	}
	return r, g, b
}
