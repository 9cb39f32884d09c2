package rawexr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCompression(t *testing.T) {
	cases := []struct {
		in      string
		want    CompressionSpec
		wantErr bool
	}{
		{in: "none", want: CompressionSpec{Policy: CompressionNone, Amount: -1}},
		{in: "rle", want: CompressionSpec{Policy: CompressionRLE, Amount: -1}},
		{in: "zip", want: CompressionSpec{Policy: CompressionZip, Amount: -1}},
		{in: "zips", want: CompressionSpec{Policy: CompressionZips, Amount: -1}},
		{in: "piz", want: CompressionSpec{Policy: CompressionPiz, Amount: -1}},
		{in: "pxr24", want: CompressionSpec{Policy: CompressionPxr24, Amount: -1}},
		{in: "b44", want: CompressionSpec{Policy: CompressionB44, Amount: -1}},
		{in: "b44a", want: CompressionSpec{Policy: CompressionB44a, Amount: -1}},
		{in: "dwaa:45", want: CompressionSpec{Policy: CompressionDwaa, Amount: 45}},
		{in: "dwab:15.5", want: CompressionSpec{Policy: CompressionDwab, Amount: 15.5}},
		{in: "DWAA:30", want: CompressionSpec{Policy: CompressionDwaa, Amount: 30}},
		{in: "zip:3", wantErr: true},
		{in: "none:1", wantErr: true},
		{in: "dwaa:-1", wantErr: true},
		{in: "dwaa:high", wantErr: true},
		{in: "lzw", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseCompression(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestCompressionSpecString(t *testing.T) {
	assert.Equal(t, "zip", CompressionSpec{Policy: CompressionZip, Amount: -1}.String())
	assert.Equal(t, "dwaa:45", CompressionSpec{Policy: CompressionDwaa, Amount: 45}.String())
}

func TestParseWhiteBalance(t *testing.T) {
	cases := []struct {
		in      string
		want    WhiteBalance
		wantErr bool
	}{
		{in: "", want: WhiteBalance{Mode: WBCamera}},
		{in: "camera", want: WhiteBalance{Mode: WBCamera}},
		{in: "daylight", want: WhiteBalance{Mode: WBDaylight}},
		{in: "auto", want: WhiteBalance{Mode: WBAuto}},
		{in: "5600K", want: WhiteBalance{Mode: WBKelvin, Kelvin: 5600}},
		{in: "3200k", want: WhiteBalance{Mode: WBKelvin, Kelvin: 3200}},
		{in: "-100K", wantErr: true},
		{in: "warm", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseWhiteBalance(tc.in)
			if tc.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrConfiguration)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestWhiteBalanceString(t *testing.T) {
	assert.Equal(t, "camera", WhiteBalance{Mode: WBCamera}.String())
	assert.Equal(t, "daylight", WhiteBalance{Mode: WBDaylight}.String())
	assert.Equal(t, "5600K", WhiteBalance{Mode: WBKelvin, Kelvin: 5600}.String())
}

func TestDemosaicAlgorithmName(t *testing.T) {
	assert.Equal(t, "DHT", DemosaicDHT.Name())
	assert.Equal(t, "LINEAR", DemosaicLinear.Name())
	// Unknown ids resolve to the literal fallback instead of failing.
	assert.Equal(t, "default", DemosaicAlgorithm(42).Name())
	assert.Equal(t, "default", DemosaicAlgorithm(-1).Name())
}

func TestOutputSpaceLabel(t *testing.T) {
	assert.Equal(t, "raw", SpaceRaw.Label())
	assert.Equal(t, "CIE-XYZ linear D65", SpaceXYZ.Label())
	assert.Equal(t, "unknown", OutputSpace(99).Label())
}

func TestBufferScaleAndClone(t *testing.T) {
	buf := NewBuffer(2, 2)
	for i := range buf.Pix {
		buf.Pix[i] = float32(i)
	}
	clone := buf.Clone()
	buf.Scale(2)
	for i := range buf.Pix {
		assert.Equal(t, 2*clone.Pix[i], buf.Pix[i])
	}
}

func TestWithExposureDoesNotMutateBase(t *testing.T) {
	base := RecommendedSettings()
	derived := base.WithExposure(0.25)
	assert.Equal(t, 0.25, derived.ExposureShift)
	assert.Zero(t, base.ExposureShift)
}
