package cms

import (
	"fmt"

	"github.com/matjam/lucent/internal/signal"
)

// Primaries holds CIE xy chromaticity coordinates for the three channels
// and the white point.
type Primaries struct {
	RedX, RedY     float64
	GreenX, GreenY float64
	BlueX, BlueY   float64
	WhiteX, WhiteY float64
}

// SRGBPrimaries is the BT.709 / sRGB gamut with the D65 white point.
var SRGBPrimaries = Primaries{
	RedX: 0.640, RedY: 0.330,
	GreenX: 0.300, GreenY: 0.600,
	BlueX: 0.150, BlueY: 0.060,
	WhiteX: 0.3127, WhiteY: 0.3290,
}

// LuminanceRange is a display luminance span in cd/m².
type LuminanceRange struct {
	Min, Max float64
}

// ProfileDesc carries the parameters a client or config supplies to
// describe a color profile. Zero MaxCLL/MaxFALL mean unset.
type ProfileDesc struct {
	Name      string
	Primaries Primaries
	TF        TransferFunction
	Power     float64 // exponent, TFPower only

	TargetPrimaries *Primaries
	TargetLuminance *LuminanceRange
	MaxCLL          float64
	MaxFALL         float64
}

// Profile is a validated, immutable color description shared by buffers,
// surfaces and outputs. Profiles are refcounted; DestroySignal fires when
// the last reference drops.
type Profile struct {
	Desc ProfileDesc

	// RGBToXYZ and XYZToRGB are derived from the primaries at creation.
	RGBToXYZ Matrix3
	XYZToRGB Matrix3

	DestroySignal signal.Signal

	refs int
}

// NewProfile validates desc and builds a profile holding one reference for
// the caller. Invalid parameters fail with an error wrapping
// ErrUnsupported; callers surface that to the requester instead of
// terminating anything.
func NewProfile(desc ProfileDesc) (*Profile, error) {
	if err := validateDesc(desc); err != nil {
		return nil, err
	}
	// Probe the transfer function now so an unsupported one is rejected at
	// creation, not at first repaint.
	if _, err := CurveFromTransferFunction(desc.TF, desc.Power, false); err != nil {
		return nil, err
	}
	toXYZ, err := rgbToXYZ(desc.Primaries)
	if err != nil {
		return nil, err
	}
	fromXYZ, err := toXYZ.Invert()
	if err != nil {
		return nil, err
	}
	return &Profile{Desc: desc, RGBToXYZ: toXYZ, XYZToRGB: fromXYZ, refs: 1}, nil
}

func validateDesc(desc ProfileDesc) error {
	if err := validatePrimaries(desc.Primaries); err != nil {
		return err
	}
	if desc.TargetPrimaries != nil {
		if err := validatePrimaries(*desc.TargetPrimaries); err != nil {
			return err
		}
	}
	lum := desc.TargetLuminance
	if lum != nil {
		if lum.Min < 0 || lum.Max <= 0 || lum.Min >= lum.Max {
			return fmt.Errorf("%w: target luminance [%g, %g]", ErrUnsupported, lum.Min, lum.Max)
		}
	}
	if desc.MaxCLL != 0 {
		if desc.MaxCLL < 0 {
			return fmt.Errorf("%w: negative max content light level", ErrUnsupported)
		}
		if lum != nil && desc.MaxCLL < lum.Min {
			return fmt.Errorf("%w: max content light level %g below minimum target luminance %g",
				ErrUnsupported, desc.MaxCLL, lum.Min)
		}
	}
	if desc.MaxFALL != 0 {
		if desc.MaxFALL < 0 {
			return fmt.Errorf("%w: negative max frame-average light level", ErrUnsupported)
		}
		if desc.MaxCLL != 0 && desc.MaxFALL > desc.MaxCLL {
			return fmt.Errorf("%w: max frame-average light level %g above max content light level %g",
				ErrUnsupported, desc.MaxFALL, desc.MaxCLL)
		}
		if lum != nil && desc.MaxFALL < lum.Min {
			return fmt.Errorf("%w: max frame-average light level %g below minimum target luminance %g",
				ErrUnsupported, desc.MaxFALL, lum.Min)
		}
	}
	return nil
}

func validatePrimaries(p Primaries) error {
	coords := []float64{p.RedX, p.RedY, p.GreenX, p.GreenY, p.BlueX, p.BlueY, p.WhiteX, p.WhiteY}
	for _, c := range coords {
		if c <= 0 || c >= 1 {
			return fmt.Errorf("%w: chromaticity coordinate %g outside (0, 1)", ErrUnsupported, c)
		}
	}
	return nil
}

// rgbToXYZ derives the RGB-to-XYZ matrix from chromaticities and white
// point by solving for the channel scales that map RGB (1,1,1) to the
// white point.
func rgbToXYZ(p Primaries) (Matrix3, error) {
	xr, yr := p.RedX, p.RedY
	xg, yg := p.GreenX, p.GreenY
	xb, yb := p.BlueX, p.BlueY

	m := Matrix3{
		xr / yr, xg / yg, xb / yb,
		1, 1, 1,
		(1 - xr - yr) / yr, (1 - xg - yg) / yg, (1 - xb - yb) / yb,
	}
	inv, err := m.Invert()
	if err != nil {
		return Matrix3{}, err
	}
	wx, wy := p.WhiteX, p.WhiteY
	sr, sg, sb := inv.Apply(wx/wy, 1, (1-wx-wy)/wy)
	return Matrix3{
		m[0] * sr, m[1] * sg, m[2] * sb,
		m[3] * sr, m[4] * sg, m[5] * sb,
		m[6] * sr, m[7] * sg, m[8] * sb,
	}, nil
}

// Ref takes an additional reference.
func (p *Profile) Ref() *Profile {
	if p.refs <= 0 {
		panic("cms: ref of destroyed profile")
	}
	p.refs++
	return p
}

// Unref drops one reference, emitting DestroySignal at zero.
func (p *Profile) Unref() {
	if p.refs <= 0 {
		panic("cms: unref of destroyed profile")
	}
	p.refs--
	if p.refs == 0 {
		p.DestroySignal.Emit(p)
	}
}

// SameEncoding reports whether two profiles encode pixels identically, in
// which case no transform is needed between them.
func (p *Profile) SameEncoding(o *Profile) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}
	if p.Desc.TF != o.Desc.TF {
		return false
	}
	if p.Desc.TF == TFPower && p.Desc.Power != o.Desc.Power {
		return false
	}
	return p.Desc.Primaries == o.Desc.Primaries
}
