package rawexr

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ColorspaceNative is the sentinel destination meaning "no transform": the
// decoder's native output space is kept verbatim and the color transformer is
// bypassed entirely.
const ColorspaceNative = "@native"

// CAT identifies a chromatic adaptation transform.
type CAT int

const (
	CATXYZScaling CAT = iota
	CATBradford
	CATCAT02
)

var catMatrices = map[CAT][3][3]float64{
	CATXYZScaling: {{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
	CATBradford: {
		{0.8951, 0.2664, -0.1614},
		{-0.7502, 1.7135, 0.0367},
		{0.0389, -0.0685, 1.0296},
	},
	CATCAT02: {
		{0.7328, 0.4296, -0.1624},
		{-0.7036, 1.6975, 0.0061},
		{0.0030, 0.0136, 0.9834},
	},
}

// Colorspace is an RGB space defined by linear primaries and a whitepoint.
// Every registered space carries a linear transfer function; the pipeline
// never encodes display curves into EXR output.
type Colorspace struct {
	Name       string
	Simplified string        // filesystem- and attribute-friendly name
	Primaries  [3][2]float64 // R, G, B xy chromaticities
	Whitepoint [2]float64    // xy chromaticity
}

var colorspaces = []*Colorspace{
	{
		Name:       "sRGB linear",
		Simplified: "sRGB-linear",
		Primaries:  [3][2]float64{{0.640, 0.330}, {0.300, 0.600}, {0.150, 0.060}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "AdobeRGB(1998) linear",
		Simplified: "AdobeRGB-linear",
		Primaries:  [3][2]float64{{0.640, 0.330}, {0.210, 0.710}, {0.150, 0.060}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "DCI-P3 linear D65",
		Simplified: "P3-D65-linear",
		Primaries:  [3][2]float64{{0.680, 0.320}, {0.265, 0.690}, {0.150, 0.060}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "ProPhoto linear D65",
		Simplified: "ProPhoto-linear",
		Primaries:  [3][2]float64{{0.734699, 0.265301}, {0.159597, 0.840403}, {0.036598, 0.000105}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "BT.2020 linear",
		Simplified: "BT2020-linear",
		Primaries:  [3][2]float64{{0.708, 0.292}, {0.170, 0.797}, {0.131, 0.046}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "WideGamut linear D65",
		Simplified: "WideGamut-linear",
		Primaries:  [3][2]float64{{0.735, 0.265}, {0.115, 0.826}, {0.157, 0.018}},
		Whitepoint: [2]float64{0.3127, 0.3290},
	},
	{
		Name:       "ACES2065-1 linear",
		Simplified: "ACES2065-1",
		Primaries:  [3][2]float64{{0.7347, 0.2653}, {0.0, 1.0}, {0.0001, -0.0770}},
		Whitepoint: [2]float64{0.32168, 0.33767},
	},
}

// GetColorspace looks a colorspace up by its full or simplified name,
// case-insensitively.
func GetColorspace(name string) (*Colorspace, error) {
	want := strings.ToLower(name)
	for _, cs := range colorspaces {
		if strings.ToLower(cs.Name) == want || strings.ToLower(cs.Simplified) == want {
			return cs, nil
		}
	}
	return nil, fmt.Errorf("%w: unknown colorspace %q", ErrConfiguration, name)
}

// AvailableColorspaces lists the registered simplified names, sorted.
func AvailableColorspaces() []string {
	names := make([]string, 0, len(colorspaces))
	for _, cs := range colorspaces {
		names = append(names, cs.Simplified)
	}
	sort.Strings(names)
	return names
}

func colorspaceForOutput(space OutputSpace) (*Colorspace, error) {
	var simplified string
	switch space {
	case SpaceSRGB:
		simplified = "sRGB-linear"
	case SpaceAdobe:
		simplified = "AdobeRGB-linear"
	case SpaceWide:
		simplified = "WideGamut-linear"
	case SpaceProPhoto:
		simplified = "ProPhoto-linear"
	case SpaceACES:
		simplified = "ACES2065-1"
	case SpaceP3D65:
		simplified = "P3-D65-linear"
	case SpaceRec2020:
		simplified = "BT2020-linear"
	default:
		return nil, fmt.Errorf("%w: output space %d has no colorspace definition", ErrConfiguration, space)
	}
	return GetColorspace(simplified)
}

// WhitepointXYZ returns the whitepoint as XYZ with Y normalized to 1.
func (c *Colorspace) WhitepointXYZ() [3]float64 {
	return xyToXYZ(c.Whitepoint)
}

func xyToXYZ(xy [2]float64) [3]float64 {
	if xy[1] == 0 {
		return [3]float64{0, 0, 0}
	}
	return [3]float64{xy[0] / xy[1], 1, (1 - xy[0] - xy[1]) / xy[1]}
}

// NPM derives the normalized primary matrix mapping the space's linear RGB to
// XYZ relative to its own whitepoint.
func (c *Colorspace) NPM() ([3][3]float64, error) {
	var p [3][3]float64 // columns are primary XYZ vectors
	for i, prim := range c.Primaries {
		v := xyToXYZ(prim)
		p[0][i], p[1][i], p[2][i] = v[0], v[1], v[2]
	}
	pInv, err := invert3x3(p)
	if err != nil {
		return [3][3]float64{}, fmt.Errorf("%w: degenerate primaries for %s", ErrConfiguration, c.Name)
	}
	w := c.WhitepointXYZ()
	var s [3]float64
	for row := 0; row < 3; row++ {
		s[row] = pInv[row][0]*w[0] + pInv[row][1]*w[1] + pInv[row][2]*w[2]
	}
	var npm [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			npm[row][col] = p[row][col] * s[col]
		}
	}
	return npm, nil
}

// Chromaticities returns the 8-float primaries + whitepoint vector written as
// the EXR "chromaticities" attribute.
func (c *Colorspace) Chromaticities() [8]float32 {
	return [8]float32{
		float32(c.Primaries[0][0]), float32(c.Primaries[0][1]),
		float32(c.Primaries[1][0]), float32(c.Primaries[1][1]),
		float32(c.Primaries[2][0]), float32(c.Primaries[2][1]),
		float32(c.Whitepoint[0]), float32(c.Whitepoint[1]),
	}
}

// adaptationMatrix builds the CAT matrix taking XYZ relative to srcWhite into
// XYZ relative to dstWhite.
func adaptationMatrix(cat CAT, srcWhite, dstWhite [3]float64) ([3][3]float64, error) {
	a, ok := catMatrices[cat]
	if !ok {
		return [3][3]float64{}, fmt.Errorf("%w: unknown adaptation transform %d", ErrConfiguration, cat)
	}
	src := mulVec3(a, srcWhite)
	dst := mulVec3(a, dstWhite)
	var gain [3][3]float64
	for i := 0; i < 3; i++ {
		if src[i] == 0 {
			return [3][3]float64{}, fmt.Errorf("%w: degenerate source white", ErrConfiguration)
		}
		gain[i][i] = dst[i] / src[i]
	}
	aInv, err := invert3x3(a)
	if err != nil {
		return [3][3]float64{}, err
	}
	return mul3x3(aInv, mul3x3(gain, a)), nil
}

// xyzToRGBMatrix builds the matrix taking D65-relative XYZ into this space's
// linear RGB, adapting the whitepoint with the given transform.
func (c *Colorspace) xyzToRGBMatrix(cat CAT) ([3][3]float64, error) {
	npm, err := c.NPM()
	if err != nil {
		return [3][3]float64{}, err
	}
	npmInv, err := invert3x3(npm)
	if err != nil {
		return [3][3]float64{}, fmt.Errorf("%w: NPM for %s is singular", ErrConfiguration, c.Name)
	}
	adapt, err := adaptationMatrix(cat, d65White, c.WhitepointXYZ())
	if err != nil {
		return [3][3]float64{}, err
	}
	return mul3x3(npmInv, adapt), nil
}

// rgbToXYZMatrix is the inverse of xyzToRGBMatrix: linear RGB in this space
// back to D65-relative XYZ.
func (c *Colorspace) rgbToXYZMatrix(cat CAT) ([3][3]float64, error) {
	npm, err := c.NPM()
	if err != nil {
		return [3][3]float64{}, err
	}
	adapt, err := adaptationMatrix(cat, c.WhitepointXYZ(), d65White)
	if err != nil {
		return [3][3]float64{}, err
	}
	return mul3x3(adapt, npm), nil
}

// TransformFromXYZ maps a CIE XYZ (D65) buffer into the destination space.
// The input buffer must already be in the XYZ working space; that is the
// caller's obligation and is not checked here. The input is never mutated.
func TransformFromXYZ(buf *Buffer, dst *Colorspace, cat CAT) (*Buffer, error) {
	m, err := dst.xyzToRGBMatrix(cat)
	if err != nil {
		return nil, err
	}
	out := buf.Clone()
	applyMatrix(out, m)
	return out, nil
}

// TransformToXYZ maps a buffer in the given space back into CIE XYZ (D65).
// With the same whitepoint and adaptation transform it inverts
// TransformFromXYZ within numeric tolerance.
func TransformToXYZ(buf *Buffer, src *Colorspace, cat CAT) (*Buffer, error) {
	m, err := src.rgbToXYZMatrix(cat)
	if err != nil {
		return nil, err
	}
	out := buf.Clone()
	applyMatrix(out, m)
	return out, nil
}

func invert3x3(m [3][3]float64) ([3][3]float64, error) {
	dense := mat.NewDense(3, 3, []float64{
		m[0][0], m[0][1], m[0][2],
		m[1][0], m[1][1], m[1][2],
		m[2][0], m[2][1], m[2][2],
	})
	var inv mat.Dense
	if err := inv.Inverse(dense); err != nil {
		return [3][3]float64{}, err
	}
	var out [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out[row][col] = inv.At(row, col)
		}
	}
	return out, nil
}

func mul3x3(a, b [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for row := 0; row < 3; row++ {
		for col := 0; col < 3; col++ {
			out[row][col] = a[row][0]*b[0][col] + a[row][1]*b[1][col] + a[row][2]*b[2][col]
		}
	}
	return out
}

func mulVec3(m [3][3]float64, v [3]float64) [3]float64 {
	var out [3]float64
	for row := 0; row < 3; row++ {
		out[row] = m[row][0]*v[0] + m[row][1]*v[1] + m[row][2]*v[2]
	}
	return out
}
