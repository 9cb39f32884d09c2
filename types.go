package rawexr

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is stamped into every encoded file as the rawexr:version attribute.
const Version = "2.0.0"

// Buffer stores a linear-light RGB image in float32 triplets, row-major.
type Buffer struct {
	W, H int
	Pix  []float32

	// Err carries a decode failure flag into downstream stages. A buffer with
	// a non-nil Err is refused by the encoder.
	Err error
}

// NewBuffer allocates a zeroed W x H RGB buffer.
func NewBuffer(w, h int) *Buffer {
	return &Buffer{W: w, H: h, Pix: make([]float32, w*h*3)}
}

// At returns the RGB triplet at (x, y) with clamped coordinates.
func (b *Buffer) At(x, y int) (r, g, bl float32) {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= b.W {
		x = b.W - 1
	}
	if y >= b.H {
		y = b.H - 1
	}
	i := (y*b.W + x) * 3
	return b.Pix[i], b.Pix[i+1], b.Pix[i+2]
}

// Scale multiplies every component in place by f.
func (b *Buffer) Scale(f float32) {
	for i := range b.Pix {
		b.Pix[i] *= f
	}
}

// Clone returns a deep copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	out := &Buffer{W: b.W, H: b.H, Pix: make([]float32, len(b.Pix)), Err: b.Err}
	copy(out.Pix, b.Pix)
	return out
}

// DemosaicAlgorithm identifies a demosaic method. The identifier space follows
// the libraw user_qual numbering so ids survive round-trips through metadata.
type DemosaicAlgorithm int

const (
	DemosaicLinear DemosaicAlgorithm = 0
	DemosaicVNG    DemosaicAlgorithm = 1
	DemosaicPPG    DemosaicAlgorithm = 2
	DemosaicAHD    DemosaicAlgorithm = 3
	DemosaicDCB    DemosaicAlgorithm = 4
	DemosaicDHT    DemosaicAlgorithm = 11
	DemosaicAAHD   DemosaicAlgorithm = 12
)

var demosaicNames = map[DemosaicAlgorithm]string{
	DemosaicLinear: "LINEAR",
	DemosaicVNG:    "VNG",
	DemosaicPPG:    "PPG",
	DemosaicAHD:    "AHD",
	DemosaicDCB:    "DCB",
	DemosaicDHT:    "DHT",
	DemosaicAAHD:   "AAHD",
}

// Name resolves the algorithm id to its conventional name. Ids outside the
// known set resolve to the literal "default" rather than failing; that keeps
// metadata generation total over arbitrary configurations.
func (a DemosaicAlgorithm) Name() string {
	if name, ok := demosaicNames[a]; ok {
		return name
	}
	return "default"
}

// NoiseReduction selects the pre-demosaic noise reduction strength,
// mirroring the FBDD modes of the reference decoder.
type NoiseReduction int

const (
	NoiseReductionOff NoiseReduction = iota
	NoiseReductionLight
	NoiseReductionFull
)

// HighlightMode selects how clipped sensor values are handled.
type HighlightMode int

const (
	HighlightClip   HighlightMode = 0
	HighlightUnclip HighlightMode = 1
)

// OutputSpace tags the color space the decoder develops into. The numbering
// follows the libraw output_color ids.
type OutputSpace int

const (
	SpaceRaw      OutputSpace = 0
	SpaceSRGB     OutputSpace = 1
	SpaceAdobe    OutputSpace = 2
	SpaceWide     OutputSpace = 3
	SpaceProPhoto OutputSpace = 4
	SpaceXYZ      OutputSpace = 5
	SpaceACES     OutputSpace = 6
	SpaceP3D65    OutputSpace = 7
	SpaceRec2020  OutputSpace = 8
)

// Matrices embedded in the raw file are expressed against these labels.
var outputSpaceLabels = map[OutputSpace]string{
	SpaceRaw:      "raw",
	SpaceACES:     "ACES2065-1 linear",
	SpaceAdobe:    "AdobeRGB(1998) linear",
	SpaceP3D65:    "DCI-P3 linear D65",
	SpaceProPhoto: "ProPhoto linear D65",
	SpaceRec2020:  "BT.2020 linear",
	SpaceSRGB:     "sRGB linear",
	SpaceWide:     "WideGamut linear D65",
	SpaceXYZ:      "CIE-XYZ linear D65",
}

// Label returns the human-readable colorspace label used in metadata.
func (s OutputSpace) Label() string {
	if label, ok := outputSpaceLabels[s]; ok {
		return label
	}
	return "unknown"
}

// WhiteBalanceMode selects the white balance policy for develop.
type WhiteBalanceMode int

const (
	// WBCamera uses the as-shot coefficients recorded by the camera.
	WBCamera WhiteBalanceMode = iota
	// WBDaylight substitutes camera-independent daylight-locus coefficients.
	WBDaylight
	// WBAuto estimates coefficients from the mosaic (gray-world).
	WBAuto
	// WBKelvin is a recognized but unimplemented branch; develop fails with
	// ErrConfiguration instead of silently defaulting.
	WBKelvin
)

// WhiteBalance is a resolved white balance policy.
type WhiteBalance struct {
	Mode   WhiteBalanceMode
	Kelvin float64 // only meaningful for WBKelvin
}

// ParseWhiteBalance parses a white balance specifier:
//
//	""          camera as-shot coefficients
//	"camera"    camera as-shot coefficients
//	"daylight"  daylight-locus coefficients
//	"auto"      gray-world estimate
//	"5600K"     daylight locus temperature in Kelvin
func ParseWhiteBalance(s string) (WhiteBalance, error) {
	switch strings.ToLower(s) {
	case "", "camera":
		return WhiteBalance{Mode: WBCamera}, nil
	case "daylight":
		return WhiteBalance{Mode: WBDaylight}, nil
	case "auto":
		return WhiteBalance{Mode: WBAuto}, nil
	}
	if strings.HasSuffix(s, "K") || strings.HasSuffix(s, "k") {
		kelvin, err := strconv.ParseFloat(s[:len(s)-1], 64)
		if err == nil && kelvin > 0 {
			return WhiteBalance{Mode: WBKelvin, Kelvin: kelvin}, nil
		}
	}
	return WhiteBalance{}, fmt.Errorf("%w: unrecognized white balance %q", ErrConfiguration, s)
}

// String renders the specifier back in the accepted grammar.
func (wb WhiteBalance) String() string {
	switch wb.Mode {
	case WBDaylight:
		return "daylight"
	case WBAuto:
		return "auto"
	case WBKelvin:
		return strconv.FormatFloat(wb.Kelvin, 'f', -1, 64) + "K"
	default:
		return "camera"
	}
}

// DevelopSettings parameterizes one demosaic pass. It is a value type: derive
// per-bracket variants with With* helpers so a caller's base settings are
// never observed to change.
type DevelopSettings struct {
	OutputBits     int     // intended integer quantization, 8 or 16; develop itself is float
	OutputSpace    OutputSpace
	Gamma          [2]float64 // (power, toe slope); (1, 1) keeps the data linear
	WhiteBalance   WhiteBalance
	NoAutoBright   bool
	Algorithm      DemosaicAlgorithm
	MedianPasses   int
	NoiseReduction NoiseReduction
	NoiseThreshold float64
	FourColorRGB   bool
	HighlightMode  HighlightMode

	// ExposureShift is a linear pre-demosaic scale: 1.0 (or 0, meaning unset)
	// leaves exposure untouched, 0.25 darkens two stops, 8.0 brightens three.
	ExposureShift      float64
	ExposureCorrection bool
	ExposurePreserve   float64

	// HalfSize collapses each 2x2 CFA block into one RGB pixel without
	// interpolation, quartering the output size.
	HalfSize bool
}

// RecommendedSettings returns the develop settings shared by every preset:
// 16-bit scene-linear develop with camera white balance.
func RecommendedSettings() DevelopSettings {
	return DevelopSettings{
		OutputBits:   16,
		OutputSpace:  SpaceRaw,
		Gamma:        [2]float64{1.0, 1.0},
		WhiteBalance: WhiteBalance{Mode: WBCamera},
		NoAutoBright: true,
	}
}

// WithExposure returns a copy of the settings with the exposure scale replaced.
func (s DevelopSettings) WithExposure(scale float64) DevelopSettings {
	s.ExposureShift = scale
	return s
}

// Bitdepth identifies a pixel representation for encoded output.
type Bitdepth int

const (
	BitdepthUint8 Bitdepth = iota
	BitdepthUint16
	BitdepthUint32
	BitdepthHalf
	BitdepthFloat
	BitdepthDouble
)

var bitdepthNames = map[Bitdepth]string{
	BitdepthUint8:  "uint8",
	BitdepthUint16: "uint16",
	BitdepthUint32: "uint32",
	BitdepthHalf:   "half",
	BitdepthFloat:  "float",
	BitdepthDouble: "double",
}

func (b Bitdepth) String() string {
	if name, ok := bitdepthNames[b]; ok {
		return name
	}
	return fmt.Sprintf("bitdepth(%d)", int(b))
}

// Compression identifies an OpenEXR compression policy.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionRLE
	CompressionZip
	CompressionZips
	CompressionPiz
	CompressionPxr24
	CompressionB44
	CompressionB44a
	CompressionDwaa
	CompressionDwab
)

var compressionNames = map[string]Compression{
	"none":  CompressionNone,
	"rle":   CompressionRLE,
	"zip":   CompressionZip,
	"zips":  CompressionZips,
	"piz":   CompressionPiz,
	"pxr24": CompressionPxr24,
	"b44":   CompressionB44,
	"b44a":  CompressionB44a,
	"dwaa":  CompressionDwaa,
	"dwab":  CompressionDwab,
}

func (c Compression) String() string {
	for name, v := range compressionNames {
		if v == c {
			return name
		}
	}
	return fmt.Sprintf("compression(%d)", int(c))
}

// CompressionSpec is a compression policy with an optional quality amount.
type CompressionSpec struct {
	Policy Compression
	// Amount is the dwa compression level; negative means unset.
	Amount float64
}

// ParseCompression parses the "name[:amount]" compression grammar. Only the
// dwaa and dwab policies accept an amount.
func ParseCompression(s string) (CompressionSpec, error) {
	name, amountStr, hasAmount := strings.Cut(s, ":")
	policy, ok := compressionNames[strings.ToLower(name)]
	if !ok {
		return CompressionSpec{}, fmt.Errorf("%w: unknown compression %q", ErrConfiguration, name)
	}
	spec := CompressionSpec{Policy: policy, Amount: -1}
	if hasAmount {
		if policy != CompressionDwaa && policy != CompressionDwab {
			return CompressionSpec{}, fmt.Errorf("%w: compression %q does not accept an amount", ErrConfiguration, name)
		}
		amount, err := strconv.ParseFloat(amountStr, 64)
		if err != nil || amount < 0 {
			return CompressionSpec{}, fmt.Errorf("%w: invalid compression amount %q", ErrConfiguration, amountStr)
		}
		spec.Amount = amount
	}
	return spec, nil
}

// String renders the value back in the "name[:amount]" grammar.
func (c CompressionSpec) String() string {
	if c.Amount >= 0 {
		return c.Policy.String() + ":" + strconv.FormatFloat(c.Amount, 'f', -1, 64)
	}
	return c.Policy.String()
}
