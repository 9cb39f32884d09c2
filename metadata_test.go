package rawexr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenMatrixInterleaving(t *testing.T) {
	m := [3][3]float64{
		{1, 2, 3},
		{4, 5, 6},
		{7, 8, 9},
	}
	// The first triple reads column 0, then rows 1 and 2 follow in full; the
	// duplicated 4 and 7 are deliberate (see MergeCalibration).
	assert.Equal(t, "1, 4, 7, 4, 5, 6, 7, 8, 9", flattenMatrix(m))
}

func TestMergeCalibration(t *testing.T) {
	cal := Calibration{
		ColorMatrix:          [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		CameraToXYZ:          [3][3]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}},
		WhiteBalanceDaylight: [3]float64{2.1, 1, 1.4},
		WhiteBalanceAsShot:   [3]float64{1.9, 1, 1.6},
	}
	got := MergeCalibration(cal)
	assert.Equal(t, "1, 0, 0, 0, 1, 0, 0, 0, 1", got["cameraMatrix"])
	assert.Equal(t, "1, 0, 0, 0, 1, 0, 0, 0, 1", got["cameraToXYZ"])
	assert.Equal(t, "2.1, 1, 1.4", got["whiteBalanceDaylight"])
	assert.Equal(t, "1.9, 1, 1.6", got["whiteBalance"])
}

func TestMergeDevelopSettings(t *testing.T) {
	set := RecommendedSettings()
	set.Algorithm = DemosaicDHT
	set.MedianPasses = 2
	set.NoiseReduction = NoiseReductionLight
	set.ExposureShift = 0.25

	got := MergeDevelopSettings(set)
	assert.Equal(t, "raw", got["colorspace"])
	assert.Equal(t, "(1, 1)", got["gamma"])
	assert.Equal(t, "true", got["useCameraWhiteBalance"])
	assert.Equal(t, "11 (DHT)", got["demosaicAlgorithm"])
	assert.Equal(t, "2", got["medianPasses"])
	assert.Equal(t, "1", got["fbddNoiseReduction"])
	assert.Equal(t, "0.25", got["exposureShift"])
	assert.Equal(t, "0", got["highlightMode"])
}

func TestMergeDevelopSettingsUnknownAlgorithmFallsBack(t *testing.T) {
	set := RecommendedSettings()
	set.Algorithm = DemosaicAlgorithm(42)
	got := MergeDevelopSettings(set)
	assert.Equal(t, "42 (default)", got["demosaicAlgorithm"])
}

func TestAssembleMetadata(t *testing.T) {
	cal := Calibration{
		WhiteBalanceDaylight: [3]float64{1, 1, 1},
		WhiteBalanceAsShot:   [3]float64{1, 1, 1},
	}
	set := RecommendedSettings()
	exif := map[string]string{"Model": "SynthCam", "ISO": "200"}

	meta := AssembleMetadata(cal, set, exif, "sRGB-linear")

	assert.Equal(t, Version, meta["rawexr:version"])
	assert.Equal(t, "sRGB-linear", meta["colorspace"])
	assert.Equal(t, "SynthCam", meta["Exif:Model"])
	assert.Equal(t, "200", meta["Exif:ISO"])
	assert.Contains(t, meta, "libraw:cameraMatrix")
	assert.Contains(t, meta, "libraw:demosaicAlgorithm")

	// Exif tags never leak outside their namespace.
	assert.NotContains(t, meta, "Model")
	assert.NotContains(t, meta, "libraw:Model")
}

func TestAssembleMetadataIdempotent(t *testing.T) {
	cal := Calibration{}
	set := RecommendedSettings()
	exif := map[string]string{"Model": "SynthCam"}

	first := AssembleMetadata(cal, set, exif, ColorspaceNative)
	second := AssembleMetadata(cal, set, exif, ColorspaceNative)
	require.Equal(t, first, second)
	assert.Equal(t, ColorspaceNative, first["colorspace"])
}

func TestMergeExifCopies(t *testing.T) {
	in := map[string]string{"Model": "SynthCam"}
	out := MergeExif(in)
	out["Model"] = "changed"
	assert.Equal(t, "SynthCam", in["Model"])
}
