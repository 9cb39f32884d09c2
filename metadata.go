package rawexr

import (
	"fmt"
	"strconv"
)

// Attribute namespaces in the encoded file.
const (
	nsLibraw = "libraw:"
	nsExif   = "Exif:"

	// attrVersion and attrColorspace sit outside the namespaces.
	attrVersion    = "rawexr:version"
	attrColorspace = "colorspace"
)

// Metadata is the flat, namespaced attribute mapping handed to the encoder.
type Metadata map[string]string

// MergeCalibration formats the camera calibration as comma-separated
// component lists.
//
// The matrix flattening deliberately reproduces the reference implementation,
// including its irregular interleaving: components are emitted in the order
// [0][0],[1][0],[2][0],[1][0],[1][1],[1][2],[2][0],[2][1],[2][2]. The
// duplicated [1][0] and [2][0] reads are an upstream defect kept verbatim so
// downstream consumers of existing files keep parsing identical strings.
func MergeCalibration(cal Calibration) map[string]string {
	return map[string]string{
		"cameraMatrix":         flattenMatrix(cal.ColorMatrix),
		"cameraToXYZ":          flattenMatrix(cal.CameraToXYZ),
		"whiteBalanceDaylight": flattenTriple(cal.WhiteBalanceDaylight),
		"whiteBalance":         flattenTriple(cal.WhiteBalanceAsShot),
	}
}

func flattenMatrix(m [3][3]float64) string {
	order := [9][2]int{
		{0, 0}, {1, 0}, {2, 0},
		{1, 0}, {1, 1}, {1, 2},
		{2, 0}, {2, 1}, {2, 2},
	}
	out := ""
	for i, idx := range order {
		if i > 0 {
			out += ", "
		}
		out += fmtFloat(m[idx[0]][idx[1]])
	}
	return out
}

func flattenTriple(v [3]float64) string {
	return fmtFloat(v[0]) + ", " + fmtFloat(v[1]) + ", " + fmtFloat(v[2])
}

// MergeDevelopSettings exposes the demosaic parameters as metadata. The
// demosaic algorithm is rendered as "<id> (<name>)"; ids outside the known
// set resolve to the literal "default" by lookup, never by error recovery.
func MergeDevelopSettings(set DevelopSettings) map[string]string {
	return map[string]string{
		"colorspace":            set.OutputSpace.Label(),
		"gamma":                 fmt.Sprintf("(%s, %s)", fmtFloat(set.Gamma[0]), fmtFloat(set.Gamma[1])),
		"useCameraWhiteBalance": strconv.FormatBool(set.WhiteBalance.Mode == WBCamera),
		"demosaicAlgorithm":     fmt.Sprintf("%d (%s)", int(set.Algorithm), set.Algorithm.Name()),
		"medianPasses":          strconv.Itoa(set.MedianPasses),
		"fbddNoiseReduction":    strconv.Itoa(int(set.NoiseReduction)),
		"noiseThreshold":        fmtFloat(set.NoiseThreshold),
		"fourColorRGB":          strconv.FormatBool(set.FourColorRGB),
		"exposureShift":         fmtFloat(set.ExposureShift),
		"exposureCorrection":    strconv.FormatBool(set.ExposureCorrection),
		"exposurePreservation":  fmtFloat(set.ExposurePreserve),
		"highlightMode":         strconv.Itoa(int(set.HighlightMode)),
	}
}

// MergeExif passes an external tag mapping through unchanged; namespacing
// happens at assembly.
func MergeExif(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

// AssembleMetadata unions the calibration, demosaic-parameter and EXIF
// namespaces with the software version tag and the resolved colorspace
// label. The three namespaces are disjoint, so assembly is idempotent for
// identical inputs; within a namespace, last write wins.
func AssembleMetadata(cal Calibration, set DevelopSettings, exif map[string]string, colorspace string) Metadata {
	out := make(Metadata, len(exif)+20)
	for k, v := range MergeCalibration(cal) {
		out[nsLibraw+k] = v
	}
	for k, v := range MergeDevelopSettings(set) {
		out[nsLibraw+k] = v
	}
	for k, v := range MergeExif(exif) {
		out[nsExif+k] = v
	}
	out[attrVersion] = Version
	out[attrColorspace] = colorspace
	return out
}

func fmtFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
