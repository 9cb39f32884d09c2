package rawexr

import (
	"fmt"
	"math"
	"sort"
)

// Decode develops the session's mosaic into a linear float32 RGB buffer
// according to settings. The decode itself always runs in float32 regardless
// of OutputBits; integer quantization is the encoder's concern.
func (s *Session) Decode(set DevelopSettings) (*Buffer, error) {
	file, err := s.raw()
	if err != nil {
		return nil, err
	}

	m := &mosaicPlane{
		w:       file.Width,
		h:       file.Height,
		pix:     make([]float32, file.Width*file.Height),
		pattern: file.Pattern,
	}
	span := file.WhiteLevel - file.BlackLevel
	if span <= 0 {
		return nil, fmt.Errorf("%w: degenerate sensor levels", ErrDecode)
	}
	inv := float32(1 / span)
	black := float32(file.BlackLevel)
	for i, v := range file.Mosaic {
		lin := (float32(v) - black) * inv
		if lin < 0 {
			lin = 0
		}
		m.pix[i] = lin
	}

	for pass := 0; pass < noiseReductionPasses(set.NoiseReduction); pass++ {
		medianMosaic(m)
	}

	wb, err := s.resolveWhiteBalance(set.WhiteBalance, m)
	if err != nil {
		return nil, err
	}
	exposure := set.ExposureShift
	if exposure == 0 {
		exposure = 1
	}
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			i := y*m.w + x
			v := m.pix[i] * float32(wb[m.colorAt(x, y)]*exposure)
			if set.HighlightMode == HighlightClip && v > 1 {
				v = 1
			}
			m.pix[i] = v
		}
	}

	var buf *Buffer
	if set.HalfSize {
		buf = demosaicHalf(m)
	} else {
		buf = demosaicForAlgorithm(set.Algorithm)(m)
	}

	for pass := 0; pass < set.MedianPasses; pass++ {
		medianFilterRGB(buf)
	}
	if set.NoiseThreshold > 0 {
		suppressImpulses(buf, float32(set.NoiseThreshold/65535.0))
	}

	if err := s.applyOutputSpace(buf, set.OutputSpace); err != nil {
		return nil, err
	}
	applyGamma(buf, set.Gamma)
	return buf, nil
}

func noiseReductionPasses(mode NoiseReduction) int {
	switch mode {
	case NoiseReductionLight:
		return 1
	case NoiseReductionFull:
		return 2
	default:
		return 0
	}
}

// resolveWhiteBalance turns the white balance policy into per-plane
// multipliers. The Kelvin branch is recognized but not implemented.
func (s *Session) resolveWhiteBalance(wb WhiteBalance, m *mosaicPlane) ([3]float64, error) {
	switch wb.Mode {
	case WBCamera:
		file, err := s.raw()
		if err != nil {
			return [3]float64{}, err
		}
		return asShotMultipliers(file), nil
	case WBDaylight:
		cal, err := s.Calibration()
		if err != nil {
			return [3]float64{}, err
		}
		return cal.WhiteBalanceDaylight, nil
	case WBAuto:
		return grayWorldMultipliers(m), nil
	case WBKelvin:
		return [3]float64{}, fmt.Errorf("%w: custom Kelvin white balance is not implemented", ErrConfiguration)
	default:
		return [3]float64{}, fmt.Errorf("%w: unknown white balance mode %d", ErrConfiguration, wb.Mode)
	}
}

// grayWorldMultipliers estimates white balance from per-plane mosaic means.
func grayWorldMultipliers(m *mosaicPlane) [3]float64 {
	var sum [3]float64
	var count [3]float64
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			plane := m.colorAt(x, y)
			sum[plane] += float64(m.pix[y*m.w+x])
			count[plane]++
		}
	}
	var mean [3]float64
	for c := 0; c < 3; c++ {
		if count[c] > 0 {
			mean[c] = sum[c] / count[c]
		}
	}
	out := [3]float64{1, 1, 1}
	if mean[1] > 0 {
		for c := 0; c < 3; c++ {
			if mean[c] > 0 {
				out[c] = mean[1] / mean[c]
			}
		}
	}
	return out
}

// applyOutputSpace converts the camera-RGB buffer into the configured develop
// space. SpaceRaw leaves the decoder's native response untouched.
func (s *Session) applyOutputSpace(buf *Buffer, space OutputSpace) error {
	if space == SpaceRaw {
		return nil
	}
	cal, err := s.Calibration()
	if err != nil {
		return err
	}
	applyMatrix(buf, cal.CameraToXYZ)
	if space == SpaceXYZ {
		return nil
	}
	cs, err := colorspaceForOutput(space)
	if err != nil {
		return err
	}
	m, err := cs.xyzToRGBMatrix(CATCAT02)
	if err != nil {
		return err
	}
	applyMatrix(buf, m)
	return nil
}

func applyMatrix(buf *Buffer, m [3][3]float64) {
	for i := 0; i < len(buf.Pix); i += 3 {
		r := float64(buf.Pix[i])
		g := float64(buf.Pix[i+1])
		b := float64(buf.Pix[i+2])
		buf.Pix[i] = float32(m[0][0]*r + m[0][1]*g + m[0][2]*b)
		buf.Pix[i+1] = float32(m[1][0]*r + m[1][1]*g + m[1][2]*b)
		buf.Pix[i+2] = float32(m[2][0]*r + m[2][1]*g + m[2][2]*b)
	}
}

// applyGamma encodes the buffer with the (power, toe slope) curve pair.
// (1, 1) keeps the data linear, which is what every EXR preset uses.
func applyGamma(buf *Buffer, gamma [2]float64) {
	power, slope := gamma[0], gamma[1]
	if power == 0 || power == 1 {
		return
	}
	invPower := 1 / power
	for i, v := range buf.Pix {
		if v <= 0 {
			buf.Pix[i] = 0
			continue
		}
		enc := float32(math.Pow(float64(v), invPower))
		if slope > 1 {
			if lin := float32(slope) * v; lin < enc {
				enc = lin
			}
		}
		buf.Pix[i] = enc
	}
}

// medianMosaic replaces each photosite with the median of the same-plane
// sites in its 5x5 neighborhood, a cheap stand-in for FBDD noise reduction.
func medianMosaic(m *mosaicPlane) {
	src := make([]float32, len(m.pix))
	copy(src, m.pix)
	read := func(x, y int) float32 {
		return src[clampIndex(y, m.h)*m.w+clampIndex(x, m.w)]
	}
	var window [9]float32
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			own := m.colorAt(x, y)
			n := 0
			for dy := -2; dy <= 2 && n < len(window); dy++ {
				for dx := -2; dx <= 2 && n < len(window); dx++ {
					if m.colorAt(clampIndex(x+dx, m.w), clampIndex(y+dy, m.h)) != own {
						continue
					}
					window[n] = read(x+dx, y+dy)
					n++
				}
			}
			m.pix[y*m.w+x] = median(window[:n])
		}
	}
}

// medianFilterRGB runs one 3x3 median pass over each channel.
func medianFilterRGB(buf *Buffer) {
	src := make([]float32, len(buf.Pix))
	copy(src, buf.Pix)
	var window [9]float32
	for y := 0; y < buf.H; y++ {
		for x := 0; x < buf.W; x++ {
			for c := 0; c < 3; c++ {
				n := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						sx := clampIndex(x+dx, buf.W)
						sy := clampIndex(y+dy, buf.H)
						window[n] = src[(sy*buf.W+sx)*3+c]
						n++
					}
				}
				buf.Pix[(y*buf.W+x)*3+c] = median(window[:n])
			}
		}
	}
}

// suppressImpulses clamps isolated outliers toward their 3x3 channel median
// when they deviate by more than threshold.
func suppressImpulses(buf *Buffer, threshold float32) {
	src := make([]float32, len(buf.Pix))
	copy(src, buf.Pix)
	var window [9]float32
	for y := 0; y < buf.H; y++ {
		for x := 0; x < buf.W; x++ {
			for c := 0; c < 3; c++ {
				n := 0
				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						sx := clampIndex(x+dx, buf.W)
						sy := clampIndex(y+dy, buf.H)
						window[n] = src[(sy*buf.W+sx)*3+c]
						n++
					}
				}
				med := median(window[:n])
				i := (y*buf.W+x)*3 + c
				d := buf.Pix[i] - med
				if d > threshold || d < -threshold {
					buf.Pix[i] = med
				}
			}
		}
	}
}

func median(vals []float32) float32 {
	if len(vals) == 0 {
		return 0
	}
	sort.Slice(vals, func(i, j int) bool { return vals[i] < vals[j] })
	return vals[len(vals)/2]
}
