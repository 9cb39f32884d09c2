package rawexr

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumatools/rawexr/internal/dng"
)

func TestOpenSessionMissingFile(t *testing.T) {
	_, err := OpenSession(filepath.Join(t.TempDir(), "missing.dng"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	session, err := OpenSession(writeSynthDNG(t, dng.SynthOptions{}))
	require.NoError(t, err)
	require.NoError(t, session.Close())
	require.NoError(t, session.Close())

	_, err = session.Decode(RecommendedSettings())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = session.Calibration()
	assert.ErrorIs(t, err, ErrDecode)
}

func TestCalibrationTruncatesFourthColumn(t *testing.T) {
	m := [9]float64{
		0.8, 0.1, 0.05,
		0.2, 0.9, -0.1,
		0.0, 0.15, 0.7,
	}
	path := writeSynthDNG(t, dng.SynthOptions{ColorMatrix: m})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	cal, err := session.Calibration()
	require.NoError(t, err)

	// The container stores up to four columns; only the leading 3x3 block
	// survives extraction. Rationals carry 1e-4 precision.
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			assert.InDelta(t, m[r*3+c], cal.ColorMatrix[r][c], 1e-4)
		}
	}

	// CameraToXYZ inverts the truncated block.
	id := mul3x3(cal.ColorMatrix, cal.CameraToXYZ)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			want := 0.0
			if r == c {
				want = 1.0
			}
			assert.InDelta(t, want, id[r][c], 1e-3)
		}
	}
}

func TestCalibrationWhiteBalances(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		AsShotNeutral: [3]float64{0.5, 1, 0.8},
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	cal, err := session.Calibration()
	require.NoError(t, err)

	// Neutral (0.5, 1, 0.8) inverts to multipliers (2, 1, 1.25), green = 1.
	assert.InDelta(t, 2.0, cal.WhiteBalanceAsShot[0], 1e-3)
	assert.InDelta(t, 1.0, cal.WhiteBalanceAsShot[1], 1e-9)
	assert.InDelta(t, 1.25, cal.WhiteBalanceAsShot[2], 1e-3)

	// Identity color matrix projects D65 straight through; green normalizes
	// to 1 regardless.
	assert.InDelta(t, 1.0, cal.WhiteBalanceDaylight[1], 1e-9)
	assert.Greater(t, cal.WhiteBalanceDaylight[0], 1.0)
}

func TestDecodeUniformMosaic(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		Width:  8,
		Height: 8,
		Sample: func(x, y int, plane uint8) uint16 { return 0x8000 },
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	buf, err := session.Decode(RecommendedSettings())
	require.NoError(t, err)
	assert.Equal(t, 8, buf.W)
	assert.Equal(t, 8, buf.H)

	want := float32(0x8000) / float32(0xFFFF)
	for i, v := range buf.Pix {
		assert.InDelta(t, want, v, 1e-4, "component %d", i)
	}
}

func TestDecodeExposureScalesLinearly(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		Sample: func(x, y int, plane uint8) uint16 { return 0x1000 },
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	base, err := session.Decode(RecommendedSettings())
	require.NoError(t, err)
	shifted, err := session.Decode(RecommendedSettings().WithExposure(4))
	require.NoError(t, err)

	for i := range base.Pix {
		assert.InDelta(t, 4*base.Pix[i], shifted.Pix[i], 1e-4)
	}
}

func TestDecodeHighlightClip(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		Sample: func(x, y int, plane uint8) uint16 { return 0xC000 },
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	set := RecommendedSettings().WithExposure(4)
	set.HighlightMode = HighlightClip
	buf, err := session.Decode(set)
	require.NoError(t, err)
	for _, v := range buf.Pix {
		assert.LessOrEqual(t, v, float32(1))
	}

	set.HighlightMode = HighlightUnclip
	buf, err = session.Decode(set)
	require.NoError(t, err)
	assert.Greater(t, buf.Pix[0], float32(1))
}

func TestDecodeKelvinWhiteBalanceNotImplemented(t *testing.T) {
	session, err := OpenSession(writeSynthDNG(t, dng.SynthOptions{}))
	require.NoError(t, err)
	defer session.Close()

	set := RecommendedSettings()
	set.WhiteBalance = WhiteBalance{Mode: WBKelvin, Kelvin: 5600}
	_, err = session.Decode(set)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestDecodeHalfSizeQuartersOutput(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{Width: 8, Height: 6})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	set := RecommendedSettings()
	set.HalfSize = true
	buf, err := session.Decode(set)
	require.NoError(t, err)
	assert.Equal(t, 4, buf.W)
	assert.Equal(t, 3, buf.H)
}

func TestDecodeAlgorithmsAgreeOnUniformInput(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		Sample: func(x, y int, plane uint8) uint16 { return 0x4000 },
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	want := float32(0x4000) / float32(0xFFFF)
	for _, alg := range []DemosaicAlgorithm{DemosaicLinear, DemosaicAHD, DemosaicDHT, DemosaicAlgorithm(42)} {
		set := RecommendedSettings()
		set.Algorithm = alg
		buf, err := session.Decode(set)
		require.NoError(t, err, alg.Name())
		for i, v := range buf.Pix {
			assert.InDelta(t, want, v, 1e-3, "%s component %d", alg.Name(), i)
		}
	}
}

func TestDecodeXYZOutputSpace(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{
		Sample: func(x, y int, plane uint8) uint16 { return 0x4000 },
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	set := RecommendedSettings()
	set.OutputSpace = SpaceXYZ
	buf, err := session.Decode(set)
	require.NoError(t, err)

	// Identity calibration makes camera RGB and XYZ coincide.
	want := float32(0x4000) / float32(0xFFFF)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, want, buf.Pix[(buf.W*2+2)*3+i], 1e-3)
	}
}

func TestDecodeAutoWhiteBalanceNeutralizesCast(t *testing.T) {
	// A mosaic with a strong red cast: gray-world should pull the planes
	// back together.
	path := writeSynthDNG(t, dng.SynthOptions{
		Width:  16,
		Height: 16,
		Sample: func(x, y int, plane uint8) uint16 {
			if plane == dng.PlaneRed {
				return 0x8000
			}
			return 0x4000
		},
	})
	session, err := OpenSession(path)
	require.NoError(t, err)
	defer session.Close()

	set := RecommendedSettings()
	set.WhiteBalance = WhiteBalance{Mode: WBAuto}
	buf, err := session.Decode(set)
	require.NoError(t, err)

	r, g, b := buf.At(8, 8)
	assert.InDelta(t, g, r, 1e-3)
	assert.InDelta(t, g, b, 1e-3)
}
