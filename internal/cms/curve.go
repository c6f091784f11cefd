// Package cms implements color management: parametric transfer-function
// curves, color profiles, and the three-stage transforms (pre-curve,
// mapping, post-curve) the renderers apply while compositing.
package cms

import (
	"errors"
	"fmt"
	"math"
)

// ErrUnsupported is the typed graceful-failure cause for color parameters
// the implementation cannot honor. Callers must check for it; it is never
// fatal to the compositor.
var ErrUnsupported = errors.New("cms: unsupported")

// TransferFunction names an electro-optical encoding.
type TransferFunction string

const (
	TFLinear  TransferFunction = "linear"
	TFGamma22 TransferFunction = "gamma22"
	TFGamma28 TransferFunction = "gamma28"
	TFPower   TransferFunction = "power" // arbitrary exponent, see ProfileDesc.Power
	TFSRGB    TransferFunction = "srgb"
	TFBT1886  TransferFunction = "bt1886"
)

// CurveKind selects the parametric family of a curve.
type CurveKind int

const (
	// CurveIdentity passes values through unchanged.
	CurveIdentity CurveKind = iota
	// CurveLinPow is the decode (EOTF) family:
	//
	//	y = (A*x + B)^G   for x >= D
	//	y = C*x           for 0 <= x < D
	CurveLinPow
	// CurvePowLin is the encode (OETF) family:
	//
	//	y = A*x^(1/G) + B for x >= D
	//	y = C*x           for 0 <= x < D
	CurvePowLin
)

// CurveParams holds one channel's coefficients: gamma, scale, offset,
// linear-segment scale and linear-segment breakpoint.
type CurveParams struct {
	G, A, B, C, D float64
}

// Curve is a per-channel parametric tone curve.
type Curve struct {
	Kind   CurveKind
	Params [3]CurveParams
}

// Identity reports whether the curve passes values through unchanged.
func (c *Curve) Identity() bool {
	return c == nil || c.Kind == CurveIdentity
}

// Eval applies channel ch of the curve to x. Input is clamped to [0, 1];
// the pipeline operates on normalized values.
func (c *Curve) Eval(ch int, x float64) float64 {
	if c == nil || c.Kind == CurveIdentity {
		return clamp01(x)
	}
	x = clamp01(x)
	p := c.Params[ch]
	switch c.Kind {
	case CurveLinPow:
		if x < p.D {
			return p.C * x
		}
		return math.Pow(p.A*x+p.B, p.G)
	case CurvePowLin:
		if x < p.D {
			return p.C * x
		}
		return p.A*math.Pow(x, 1/p.G) + p.B
	}
	return x
}

// CurveFromTransferFunction builds the parametric curve for a named
// transfer function. inverse=false yields the decode (EOTF) direction,
// inverse=true the encode (OETF) direction. power is consulted only for
// TFPower. Transfer functions outside the supported set fail with
// ErrUnsupported; they are never silently approximated.
func CurveFromTransferFunction(tf TransferFunction, power float64, inverse bool) (*Curve, error) {
	var p CurveParams
	switch tf {
	case TFLinear:
		return &Curve{Kind: CurveIdentity}, nil
	case TFGamma22:
		p = CurveParams{G: 2.2, A: 1, B: 0, C: 1, D: 0}
	case TFGamma28:
		p = CurveParams{G: 2.8, A: 1, B: 0, C: 1, D: 0}
	case TFPower:
		if power < 1.0 || power > 10.0 {
			return nil, fmt.Errorf("%w: power exponent %g outside [1, 10]", ErrUnsupported, power)
		}
		p = CurveParams{G: power, A: 1, B: 0, C: 1, D: 0}
	case TFSRGB:
		if inverse {
			p = CurveParams{G: 2.4, A: 1.055, B: -0.055, C: 12.92, D: 0.0031308}
		} else {
			p = CurveParams{G: 2.4, A: 1 / 1.055, B: 0.055 / 1.055, C: 1 / 12.92, D: 0.04045}
		}
		return newCurve(directionKind(inverse), p), nil
	case TFBT1886:
		// Piecewise BT.709 camera curve with its BT.1886-approximate
		// inverse as the decode direction.
		if inverse {
			p = CurveParams{G: 1 / 0.45, A: 1.099, B: -0.099, C: 4.5, D: 0.018}
		} else {
			p = CurveParams{G: 1 / 0.45, A: 1 / 1.099, B: 0.099 / 1.099, C: 1 / 4.5, D: 0.081}
		}
		return newCurve(directionKind(inverse), p), nil
	default:
		return nil, fmt.Errorf("%w: transfer function %q", ErrUnsupported, tf)
	}
	// Pure power laws: the same coefficients serve both directions.
	return newCurve(directionKind(inverse), p), nil
}

func directionKind(inverse bool) CurveKind {
	if inverse {
		return CurvePowLin
	}
	return CurveLinPow
}

func newCurve(kind CurveKind, p CurveParams) *Curve {
	return &Curve{Kind: kind, Params: [3]CurveParams{p, p, p}}
}

func clamp01(x float64) float64 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
