package rawexr

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPattern(w, h int) *Buffer {
	buf := NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 3
			buf.Pix[i] = float32(x) / float32(w)
			buf.Pix[i+1] = float32(y) / float32(h)
			buf.Pix[i+2] = 0.5
		}
	}
	return buf
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name        string
		bitdepth    Bitdepth
		compression Compression
		delta       float64
	}{
		{name: "half none", bitdepth: BitdepthHalf, compression: CompressionNone, delta: 1e-3},
		{name: "half rle", bitdepth: BitdepthHalf, compression: CompressionRLE, delta: 1e-3},
		{name: "half zips", bitdepth: BitdepthHalf, compression: CompressionZips, delta: 1e-3},
		{name: "half zip", bitdepth: BitdepthHalf, compression: CompressionZip, delta: 1e-3},
		{name: "float none", bitdepth: BitdepthFloat, compression: CompressionNone, delta: 0},
		{name: "float zip", bitdepth: BitdepthFloat, compression: CompressionZip, delta: 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			// 21 rows exercises a short trailing block with zip's 16-line chunks.
			buf := testPattern(17, 21)
			path := filepath.Join(t.TempDir(), "out.exr")

			err := EncodeEXR(buf, path, EncodeOptions{
				Bitdepth:    tc.bitdepth,
				Compression: CompressionSpec{Policy: tc.compression, Amount: -1},
				Metadata:    Metadata{"rawexr:version": Version},
			})
			require.NoError(t, err)

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			got, meta, err := DecodeEXR(data)
			require.NoError(t, err)

			assert.Equal(t, buf.W, got.W)
			assert.Equal(t, buf.H, got.H)
			assert.Equal(t, Version, meta["rawexr:version"])
			for i := range buf.Pix {
				assert.InDelta(t, buf.Pix[i], got.Pix[i], tc.delta)
			}
		})
	}
}

func TestEncodeWritesStringAttributes(t *testing.T) {
	buf := testPattern(4, 4)
	path := filepath.Join(t.TempDir(), "out.exr")
	meta := Metadata{
		"colorspace":          "sRGB-linear",
		"libraw:cameraMatrix": "1, 0, 0, 0, 1, 0, 0, 0, 1",
		"Exif:Model":          "SynthCam",
	}
	require.NoError(t, EncodeEXR(buf, path, EncodeOptions{
		Bitdepth:    BitdepthHalf,
		Compression: CompressionSpec{Policy: CompressionNone, Amount: -1},
		Metadata:    meta,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	_, got, err := DecodeEXR(data)
	require.NoError(t, err)
	for k, v := range meta {
		assert.Equal(t, v, got[k])
	}
}

func TestEncodeChromaticitiesAttribute(t *testing.T) {
	buf := testPattern(4, 4)
	path := filepath.Join(t.TempDir(), "out.exr")
	ch := [8]float32{0.64, 0.33, 0.3, 0.6, 0.15, 0.06, 0.3127, 0.329}
	require.NoError(t, EncodeEXR(buf, path, EncodeOptions{
		Bitdepth:       BitdepthHalf,
		Compression:    CompressionSpec{Policy: CompressionNone, Amount: -1},
		Chromaticities: &ch,
	}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte("chromaticities\x00chromaticities\x00")))
}

func TestEncodeMissingParentDir(t *testing.T) {
	buf := testPattern(4, 4)
	path := filepath.Join(t.TempDir(), "does-not-exist", "out.exr")
	err := EncodeEXR(buf, path, EncodeOptions{
		Bitdepth:    BitdepthHalf,
		Compression: CompressionSpec{Policy: CompressionNone, Amount: -1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncode)
	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEncodeRejectsInvalidBitdepth(t *testing.T) {
	buf := testPattern(4, 4)
	path := filepath.Join(t.TempDir(), "out.exr")
	for _, bd := range []Bitdepth{BitdepthUint8, BitdepthUint16, BitdepthDouble} {
		err := EncodeEXR(buf, path, EncodeOptions{
			Bitdepth:    bd,
			Compression: CompressionSpec{Policy: CompressionNone, Amount: -1},
		})
		require.Error(t, err, bd.String())
		assert.ErrorIs(t, err, ErrEncode)
	}
}

func TestEncodeRejectsUnsupportedCompression(t *testing.T) {
	buf := testPattern(4, 4)
	path := filepath.Join(t.TempDir(), "out.exr")
	for _, policy := range []Compression{CompressionPiz, CompressionPxr24, CompressionB44, CompressionB44a, CompressionDwaa, CompressionDwab} {
		err := EncodeEXR(buf, path, EncodeOptions{
			Bitdepth:    BitdepthHalf,
			Compression: CompressionSpec{Policy: policy, Amount: -1},
		})
		require.Error(t, err, policy.String())
		assert.ErrorIs(t, err, ErrEncode)
	}
}

func TestEncodeRejectsFlaggedBuffer(t *testing.T) {
	buf := testPattern(4, 4)
	buf.Err = assert.AnError
	err := EncodeEXR(buf, filepath.Join(t.TempDir(), "out.exr"), EncodeOptions{
		Bitdepth:    BitdepthHalf,
		Compression: CompressionSpec{Policy: CompressionNone, Amount: -1},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEncode)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, _, err := DecodeEXR([]byte("not an exr"))
	require.Error(t, err)
}

func TestRLERoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	cases := [][]byte{
		bytes.Repeat([]byte{0x42}, 1000),
		{1},
		{1, 2},
		append(bytes.Repeat([]byte{9}, 200), 1, 2, 3, 4, 5),
	}
	noise := make([]byte, 513)
	for i := range noise {
		noise[i] = byte(rng.Intn(4)) // short mixed runs
	}
	cases = append(cases, noise)

	for i, data := range cases {
		packed := rleEncode(data)
		got, err := rleDecode(packed, len(data))
		require.NoError(t, err, "case %d", i)
		assert.Equal(t, data, got, "case %d", i)
	}
}

func TestPredictorShuffleRoundTrip(t *testing.T) {
	data := []byte{10, 250, 3, 3, 3, 77, 0, 255, 128, 1, 2}
	shuffled := shuffleBytes(data)
	applyPredictor(shuffled)
	undoPredictor(shuffled)
	assert.Equal(t, data, unshuffleBytes(shuffled))
}
