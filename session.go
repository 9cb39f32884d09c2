package rawexr

import (
	"fmt"

	"github.com/lumatools/rawexr/internal/dng"
)

// d65White is the CIE XYZ of the D65 illuminant, the reference white of the
// decoder's XYZ working space.
var d65White = [3]float64{0.95047, 1.0, 1.08883}

// Calibration is the camera calibration extracted from one raw capture.
// Matrices are the leading 3x3 block of the native 3x4 representation; the
// fourth column (only populated for four-color sensors) is discarded.
type Calibration struct {
	// ColorMatrix maps XYZ to camera RGB.
	ColorMatrix [3][3]float64
	// CameraToXYZ maps camera RGB to XYZ.
	CameraToXYZ [3][3]float64
	// WhiteBalanceDaylight holds daylight-locus multipliers, green = 1.
	WhiteBalanceDaylight [3]float64
	// WhiteBalanceAsShot holds the camera's as-shot multipliers, green = 1.
	WhiteBalanceAsShot [3]float64
}

// Session is a scoped decode handle over one raw capture. The sensor data is
// owned exclusively by the session and is released by Close; callers must
// defer Close on every path.
type Session struct {
	path string
	file *dng.File
}

// OpenSession opens the raw file at path for calibration extraction and
// develop passes. Missing, unreadable or unsupported files fail with ErrDecode.
func OpenSession(path string) (*Session, error) {
	file, err := dng.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %q: %v", ErrDecode, path, err)
	}
	return &Session{path: path, file: file}, nil
}

// Path returns the source file path the session was opened on.
func (s *Session) Path() string { return s.path }

// Close releases the sensor data. It is idempotent.
func (s *Session) Close() error {
	s.file = nil
	return nil
}

func (s *Session) raw() (*dng.File, error) {
	if s == nil || s.file == nil {
		return nil, fmt.Errorf("%w: session is closed", ErrDecode)
	}
	return s.file, nil
}

// Calibration extracts the camera calibration from the open session.
func (s *Session) Calibration() (Calibration, error) {
	file, err := s.raw()
	if err != nil {
		return Calibration{}, err
	}

	native := file.ColorMatrix
	colorMatrix := truncate3x4(native)
	camToXYZ, err := invert3x3(colorMatrix)
	if err != nil {
		return Calibration{}, fmt.Errorf("%w: camera color matrix is singular", ErrDecode)
	}
	var camToXYZ3x4 [3][4]float64
	for row := 0; row < 3; row++ {
		copy(camToXYZ3x4[row][:3], camToXYZ[row][:])
	}

	return Calibration{
		ColorMatrix:          colorMatrix,
		CameraToXYZ:          truncate3x4(camToXYZ3x4),
		WhiteBalanceDaylight: daylightMultipliers(colorMatrix),
		WhiteBalanceAsShot:   asShotMultipliers(file),
	}, nil
}

// truncate3x4 keeps the leading 3x3 block of a native 3x4 calibration matrix,
// preserving row order.
func truncate3x4(m [3][4]float64) [3][3]float64 {
	var out [3][3]float64
	for row := 0; row < 3; row++ {
		copy(out[row][:], m[row][:3])
	}
	return out
}

// daylightMultipliers derives camera-independent daylight coefficients by
// projecting the D65 white through the XYZ-to-camera matrix.
func daylightMultipliers(colorMatrix [3][3]float64) [3]float64 {
	var camWhite [3]float64
	for row := 0; row < 3; row++ {
		camWhite[row] = colorMatrix[row][0]*d65White[0] +
			colorMatrix[row][1]*d65White[1] +
			colorMatrix[row][2]*d65White[2]
	}
	return neutralToMultipliers(camWhite)
}

func asShotMultipliers(file *dng.File) [3]float64 {
	if !file.HasNeutral {
		return [3]float64{1, 1, 1}
	}
	return neutralToMultipliers(file.AsShotNeutral)
}

// neutralToMultipliers converts a camera-space neutral into white balance
// multipliers normalized to green = 1.
func neutralToMultipliers(neutral [3]float64) [3]float64 {
	out := [3]float64{1, 1, 1}
	for c := 0; c < 3; c++ {
		if neutral[c] > 0 {
			out[c] = 1 / neutral[c]
		}
	}
	if out[1] > 0 {
		out[0] /= out[1]
		out[2] /= out[1]
		out[1] = 1
	}
	return out
}
