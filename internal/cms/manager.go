package cms

// Manager owns the stock profile and a cache of derived transforms. One
// manager serves the whole compositor; it runs on the event-loop thread
// and needs no locking.
type Manager struct {
	srgb  *Profile
	cache map[transformKey]*Transform
}

type transformKey struct {
	src, dst  *Profile
	pre, post bool
}

// NewManager builds a manager with the stock sRGB profile, which is the
// fallback for every buffer, surface and output that carries no explicit
// profile.
func NewManager() *Manager {
	srgb, err := NewProfile(ProfileDesc{
		Name:      "sRGB",
		Primaries: SRGBPrimaries,
		TF:        TFSRGB,
	})
	if err != nil {
		panic("cms: stock sRGB profile rejected: " + err.Error())
	}
	return &Manager{
		srgb:  srgb,
		cache: make(map[transformKey]*Transform),
	}
}

// SRGB returns the stock profile. The manager keeps its own reference;
// callers that store the profile must Ref it themselves.
func (m *Manager) SRGB() *Profile { return m.srgb }

// SurfaceTransform returns the pipeline converting surface content to the
// output's blend space. With linear blending the blend space is linear
// light in the output gamut, so the pipeline stops before the output
// encoding; otherwise it converts all the way to the output encoding.
// identity=true means no conversion is needed and the transform is nil.
func (m *Manager) SurfaceTransform(content, output *Profile, linearBlend bool) (*Transform, bool, error) {
	if content == nil {
		content = m.srgb
	}
	if output == nil {
		output = m.srgb
	}
	if !linearBlend && content.SameEncoding(output) {
		return nil, true, nil
	}
	return m.lookup(content, output, true, !linearBlend)
}

// BlendTransform returns the pipeline converting blend-space pixels to the
// output encoding. It is only non-identity under linear blending, where it
// applies the output's encode curve.
func (m *Manager) BlendTransform(output *Profile, linearBlend bool) (*Transform, bool, error) {
	if !linearBlend {
		return nil, true, nil
	}
	if output == nil {
		output = m.srgb
	}
	return m.lookup(output, output, false, true)
}

// lookup builds or reuses the transform with the requested stages. The
// cache holds one reference per entry; hits hand out an extra reference so
// callers always own what they receive.
func (m *Manager) lookup(src, dst *Profile, pre, post bool) (*Transform, bool, error) {
	key := transformKey{src: src, dst: dst, pre: pre, post: post}
	if t, ok := m.cache[key]; ok {
		return t.Ref(), false, nil
	}

	var preCurve, postCurve *Curve
	var err error
	if pre {
		preCurve, err = CurveFromTransferFunction(src.Desc.TF, src.Desc.Power, false)
		if err != nil {
			return nil, false, err
		}
	}
	if post {
		postCurve, err = CurveFromTransferFunction(dst.Desc.TF, dst.Desc.Power, true)
		if err != nil {
			return nil, false, err
		}
	}

	mapping := Mapping{Kind: MappingIdentity}
	if src.Desc.Primaries != dst.Desc.Primaries {
		mat := dst.XYZToRGB.Mul(src.RGBToXYZ)
		if !mat.nearIdentity() {
			mapping = Mapping{Kind: MappingMatrix, Matrix: mat}
		}
	}

	t := NewTransform(preCurve, mapping, postCurve)
	if t.Identity() {
		t.Unref()
		return nil, true, nil
	}
	m.cache[key] = t
	return t.Ref(), false, nil
}

// Destroy releases the cache and the stock profile. Transforms still
// referenced elsewhere survive until their holders unref them.
func (m *Manager) Destroy() {
	for k, t := range m.cache {
		delete(m.cache, k)
		t.Unref()
	}
	m.srgb.Unref()
	m.srgb = nil
}
