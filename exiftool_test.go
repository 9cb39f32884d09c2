package rawexr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseExifToolJSON(t *testing.T) {
	payload := []byte(`[{
		"SourceFile": "IMG_0042.dng",
		"EXIF:Model": {"id": 272, "val": "SynthCam"},
		"EXIF:ISO": {"id": 34855, "val": 200},
		"EXIF:BitsPerSample": {"id": 258, "val": "16,16,16"},
		"File:FileType": {"id": 0, "val": "DNG"},
		"MakerNotes:Hidden": {"id": 1, "val": true}
	}]`)

	got, err := parseExifToolJSON(payload)
	require.NoError(t, err)

	require.Contains(t, got, "EXIF")
	assert.Equal(t, "SynthCam", got["EXIF"]["Model"])
	assert.Equal(t, "200", got["EXIF"]["ISO"])
	assert.Equal(t, "16,16,16", got["EXIF"]["BitsPerSample"])
	assert.Equal(t, "DNG", got["File"]["FileType"])
	assert.Equal(t, "true", got["MakerNotes"]["Hidden"])

	// Ungrouped keys like SourceFile are dropped, not misfiled.
	for group := range got {
		assert.NotEqual(t, "SourceFile", group)
	}
}

func TestParseExifToolJSONBareScalars(t *testing.T) {
	payload := []byte(`[{"EXIF:Model": "SynthCam", "EXIF:FNumber": 2.8}]`)
	got, err := parseExifToolJSON(payload)
	require.NoError(t, err)
	assert.Equal(t, "SynthCam", got["EXIF"]["Model"])
	assert.Equal(t, "2.8", got["EXIF"]["FNumber"])
}

func TestParseExifToolJSONErrors(t *testing.T) {
	_, err := parseExifToolJSON([]byte("[]"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)

	_, err = parseExifToolJSON([]byte("nonsense"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
}
