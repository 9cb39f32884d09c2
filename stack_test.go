package rawexr

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumatools/rawexr/internal/dng"
)

func TestGenerateStops(t *testing.T) {
	stops := GenerateStops(DefaultExposureStart, DefaultExposureStep, DefaultExposureCount)
	assert.Equal(t, []float64{0.25, 1.5, 2.75, 4.0, 5.25, 6.5}, stops)

	assert.Equal(t, []float64{1}, GenerateStops(1, 0.5, 1))
	assert.Empty(t, GenerateStops(1, 0.5, 0))
}

func TestBuildRejectsInvalidStops(t *testing.T) {
	path := writeSynthDNG(t, dng.SynthOptions{})
	var b StackBuilder

	cases := []struct {
		name  string
		stops []float64
	}{
		{name: "empty", stops: nil},
		{name: "below floor", stops: []float64{0.1, 1.0}},
		{name: "not ascending", stops: []float64{1.0, 1.0}},
		{name: "descending", stops: []float64{2.0, 1.0}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := b.Build(context.Background(), path, RecommendedSettings(), tc.stops)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}
}

func TestBuildDecodesOneBracketPerStop(t *testing.T) {
	// A dim uniform mosaic keeps every bracket below clipping.
	path := writeSynthDNG(t, dng.SynthOptions{
		Width:  8,
		Height: 8,
		Sample: func(x, y int, plane uint8) uint16 { return 0x0CCC }, // ~0.05
	})

	stops := []float64{0.25, 1.5, 2.75}
	b := StackBuilder{Workers: 2}
	stack, err := b.Build(context.Background(), path, RecommendedSettings(), stops)
	require.NoError(t, err)
	require.Len(t, stack.Brackets, len(stops))

	base := stack.Brackets[0]
	assert.Equal(t, 0.25, base.Stop)
	for i, bracket := range stack.Brackets {
		assert.Equal(t, stops[i], bracket.Stop)
		require.NotNil(t, bracket.Buffer)
		// Each bracket is the base exposure scaled by stop/stop[0].
		ratio := float32(stops[i] / stops[0])
		assert.InDelta(t, base.Buffer.Pix[0]*ratio, bracket.Buffer.Pix[0], 1e-4)
	}
}

func TestBuildFailsWholeStackOnDecodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.dng")
	var b StackBuilder
	_, err := b.Build(context.Background(), path, RecommendedSettings(), []float64{0.25, 1.5})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}

func TestMergeSumsBrackets(t *testing.T) {
	single := NewBuffer(2, 2)
	for i := range single.Pix {
		single.Pix[i] = float32(i) * 0.125
	}

	const n = 4
	stack := &HDRStack{}
	for i := 0; i < n; i++ {
		stack.Brackets = append(stack.Brackets, ExposureBracket{
			Stop:   float64(i + 1),
			Buffer: single.Clone(),
		})
	}

	merged, err := stack.Merge()
	require.NoError(t, err)
	for i := range single.Pix {
		assert.InDelta(t, float64(n)*float64(single.Pix[i]), float64(merged.Pix[i]), 1e-6)
	}
}

func TestMergeRejectsEmptyAndMismatched(t *testing.T) {
	_, err := (&HDRStack{}).Merge()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)

	stack := &HDRStack{Brackets: []ExposureBracket{
		{Stop: 1, Buffer: NewBuffer(2, 2)},
		{Stop: 2, Buffer: NewBuffer(4, 4)},
	}}
	_, err = stack.Merge()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfiguration)
}

// writeSynthDNG materializes a synthetic capture for decode tests.
func writeSynthDNG(t *testing.T, opt dng.SynthOptions) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "synth.dng")
	require.NoError(t, os.WriteFile(path, dng.Synthesize(opt), 0o644))
	return path
}
