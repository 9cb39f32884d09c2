package rawexr

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Preset is an immutable bundle of develop and encode parameters. Presets are
// resolved once per conversion request through the closed registry; there is
// no way to mutate or register presets at runtime.
type Preset struct {
	Name           string
	Algorithm      DemosaicAlgorithm
	MedianPasses   int
	NoiseReduction NoiseReduction
	HalfSize       bool
	Bitdepth       Bitdepth
	Compression    CompressionSpec
}

var presets = map[string]Preset{
	"fastpreview": {
		Name:        "fastpreview",
		Algorithm:   DemosaicDHT,
		HalfSize:    true,
		Bitdepth:    BitdepthHalf,
		Compression: CompressionSpec{Policy: CompressionZip, Amount: -1},
	},
	"normal": {
		Name:        "normal",
		Algorithm:   DemosaicDHT,
		Bitdepth:    BitdepthHalf,
		Compression: CompressionSpec{Policy: CompressionZip, Amount: -1},
	},
	"hq": {
		Name:           "hq",
		Algorithm:      DemosaicDHT,
		MedianPasses:   2,
		NoiseReduction: NoiseReductionLight,
		Bitdepth:       BitdepthHalf,
		Compression:    CompressionSpec{Policy: CompressionZip, Amount: -1},
	},
	"ultrahq": {
		Name:           "ultrahq",
		Algorithm:      DemosaicDHT,
		MedianPasses:   8,
		NoiseReduction: NoiseReductionFull,
		Bitdepth:       BitdepthHalf,
		Compression:    CompressionSpec{Policy: CompressionZips, Amount: -1},
	},
	"scan": {
		Name:         "scan",
		Algorithm:    DemosaicDHT,
		MedianPasses: 2,
		Bitdepth:     BitdepthHalf,
		Compression:  CompressionSpec{Policy: CompressionZip, Amount: -1},
	},
}

// DefaultPreset is used when a conversion request names no preset.
const DefaultPreset = "normal"

// GetPreset looks up a preset by name.
func GetPreset(name string) (Preset, error) {
	p, ok := presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: unknown preset %q (available: %s)",
			ErrConfiguration, name, strings.Join(PresetNames(), ", "))
	}
	return p, nil
}

// PresetNames returns the registered preset names, sorted.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConvertRequest describes one raw-to-EXR conversion.
type ConvertRequest struct {
	// SourcePath is the camera raw file to decode.
	SourcePath string
	// DestPath is the EXR destination. It may contain the tokens
	// {input_filestem}, {colorspace}, {preset} and {whitebalance}, which are
	// substituted before any filesystem check.
	DestPath string
	// Preset names a registry entry; empty selects DefaultPreset.
	Preset string
	// Colorspace is the target primaries + whitepoint name. The sentinel
	// "@native" skips the XYZ transform and keeps the camera space verbatim.
	// Empty selects sRGB.
	Colorspace string
	// WhiteBalance is a specifier in the ParseWhiteBalance grammar.
	WhiteBalance string
	// ExposureStops scales the final image by 2^stops; 0 means no shift.
	ExposureStops float64
	// Compression overrides the preset's compression when non-empty, in the
	// "name[:amount]" grammar.
	Compression string
	// Overwrite allows replacing an existing destination file.
	Overwrite bool

	// HDR enables the simulated exposure stack merge. Stops not set explicitly
	// follow the generator defaults.
	HDR      bool
	HDRStart float64
	HDRStep  float64
	HDRCount int

	// ProofPath, when non-empty, additionally writes an 8-bit sRGB proof JPEG.
	ProofPath string
	// ProofMaxEdge bounds the proof's longer edge; 0 keeps full resolution.
	ProofMaxEdge int
}

// ConvertResult reports what a conversion produced.
type ConvertResult struct {
	DestPath string
	Width    int
	Height   int
	Metadata Metadata
	Elapsed  time.Duration
}

// Converter runs conversion requests. The zero value works: logging is
// discarded and EXIF extraction is skipped when no MetadataReader is set.
type Converter struct {
	Log *zap.Logger
	// Meta extracts camera tags copied into the Exif: namespace. Nil skips
	// EXIF extraction entirely instead of failing the conversion.
	Meta MetadataReader
	// Workers bounds the exposure stack decode concurrency.
	Workers int
}

func (c *Converter) logger() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// ExpandDestPath substitutes the destination path tokens from the resolved
// request parameters.
func ExpandDestPath(dest, sourcePath, colorspace, preset, whitebalance string) string {
	stem := strings.TrimSuffix(filepath.Base(sourcePath), filepath.Ext(sourcePath))
	dest = strings.ReplaceAll(dest, "{input_filestem}", stem)
	dest = strings.ReplaceAll(dest, "{colorspace}", colorspace)
	dest = strings.ReplaceAll(dest, "{preset}", preset)
	dest = strings.ReplaceAll(dest, "{whitebalance}", whitebalance)
	return dest
}

// Convert decodes req.SourcePath and writes a scene-linear EXR to the expanded
// destination. The destination existing without Overwrite fails with
// ErrFileState before any decode work starts.
func (c *Converter) Convert(ctx context.Context, req ConvertRequest) (*ConvertResult, error) {
	start := time.Now()
	log := c.logger()

	presetName := req.Preset
	if presetName == "" {
		presetName = DefaultPreset
	}
	preset, err := GetPreset(presetName)
	if err != nil {
		return nil, err
	}
	if req.Compression != "" {
		spec, err := ParseCompression(req.Compression)
		if err != nil {
			return nil, err
		}
		preset.Compression = spec
	}

	wb, err := ParseWhiteBalance(req.WhiteBalance)
	if err != nil {
		return nil, err
	}

	colorspaceName := req.Colorspace
	if colorspaceName == "" {
		colorspaceName = "sRGB-linear"
	}
	var target *Colorspace
	outputSpace := SpaceXYZ
	if colorspaceName == ColorspaceNative {
		outputSpace = SpaceRaw
	} else {
		target, err = GetColorspace(colorspaceName)
		if err != nil {
			return nil, err
		}
		colorspaceName = target.Simplified
	}

	dest := ExpandDestPath(req.DestPath, req.SourcePath, colorspaceName, preset.Name, wb.String())
	if _, err := os.Stat(dest); err == nil && !req.Overwrite {
		return nil, fmt.Errorf("%w: destination %q already exists and overwrite is disabled", ErrFileState, dest)
	}

	var exif map[string]string
	if c.Meta != nil {
		groups, err := c.Meta.ReadImageMetadata(ctx, req.SourcePath)
		if err != nil {
			return nil, err
		}
		exif = groups["EXIF"]
	}

	settings := RecommendedSettings()
	settings.OutputSpace = outputSpace
	settings.WhiteBalance = wb
	settings.Algorithm = preset.Algorithm
	settings.MedianPasses = preset.MedianPasses
	settings.NoiseReduction = preset.NoiseReduction
	settings.HalfSize = preset.HalfSize

	session, err := OpenSession(req.SourcePath)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	cal, err := session.Calibration()
	if err != nil {
		return nil, err
	}

	var buf *Buffer
	if req.HDR {
		stops := hdrStops(req)
		log.Info("building exposure stack",
			zap.String("source", req.SourcePath),
			zap.Float64s("stops", stops))
		builder := StackBuilder{Workers: c.Workers, Log: c.Log}
		stack, err := builder.Build(ctx, req.SourcePath, settings, stops)
		if err != nil {
			return nil, err
		}
		buf, err = stack.Merge()
		if err != nil {
			return nil, err
		}
	} else {
		buf, err = session.Decode(settings)
		if err != nil {
			return nil, err
		}
	}

	var chromaticities *[8]float32
	if target != nil {
		buf, err = TransformFromXYZ(buf, target, CATCAT02)
		if err != nil {
			return nil, err
		}
		ch := target.Chromaticities()
		chromaticities = &ch
	}

	if req.ExposureStops != 0 {
		buf.Scale(float32(math.Exp2(req.ExposureStops)))
	}

	meta := AssembleMetadata(cal, settings, exif, colorspaceName)

	log.Info("encoding",
		zap.String("dest", dest),
		zap.Int("width", buf.W),
		zap.Int("height", buf.H),
		zap.Stringer("compression", preset.Compression))

	if err := EncodeEXR(buf, dest, EncodeOptions{
		Bitdepth:       preset.Bitdepth,
		Compression:    preset.Compression,
		Metadata:       meta,
		Chromaticities: chromaticities,
	}); err != nil {
		return nil, err
	}

	if req.ProofPath != "" {
		if err := WriteProof(buf, req.ProofPath, ProofOptions{MaxEdge: req.ProofMaxEdge}); err != nil {
			return nil, err
		}
	}

	return &ConvertResult{
		DestPath: dest,
		Width:    buf.W,
		Height:   buf.H,
		Metadata: meta,
		Elapsed:  time.Since(start),
	}, nil
}

func hdrStops(req ConvertRequest) []float64 {
	start := req.HDRStart
	if start == 0 {
		start = DefaultExposureStart
	}
	step := req.HDRStep
	if step == 0 {
		step = DefaultExposureStep
	}
	count := req.HDRCount
	if count == 0 {
		count = DefaultExposureCount
	}
	return GenerateStops(start, step, count)
}
