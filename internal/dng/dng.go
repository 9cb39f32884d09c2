// Package dng reads uncompressed CFA raw files in the DNG (TIFF-EP) container.
//
// Only the subset needed by the develop pipeline is implemented: IFD walking,
// strip-based uncompressed sensor data at 8/10/12/14/16 bits per sample, the
// 2x2 CFA pattern tags, and the camera calibration tags (ColorMatrix,
// AsShotNeutral, black/white levels).
package dng

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagMake             = 271
	tagModel            = 272
	tagStripOffsets     = 273
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagSubIFDs          = 330
	tagCFARepeatDim     = 33421
	tagCFAPattern       = 33422
	tagDNGVersion       = 50706
	tagBlackLevel       = 50714
	tagWhiteLevel       = 50717
	tagColorMatrix1     = 50721
	tagColorMatrix2     = 50722
	tagAsShotNeutral    = 50728
	tagCalibrationIllum = 50778
)

const (
	photometricCFA       = 32803
	compressionNone      = 1
	typeByte             = 1
	typeASCII            = 2
	typeShort            = 3
	typeLong             = 4
	typeRational         = 5
	typeSRational        = 10
)

// CFA color plane indices as stored in the CFAPattern tag.
const (
	PlaneRed   = 0
	PlaneGreen = 1
	PlaneBlue  = 2
)

// File is a decoded raw capture: the mosaiced sensor plane plus the camera
// calibration extracted from the container.
type File struct {
	Width, Height int
	Bits          int
	Pattern       [2][2]uint8 // CFA color per (row&1, col&1)
	Mosaic        []uint16    // Width*Height samples, row-major

	BlackLevel float64
	WhiteLevel float64

	// ColorMatrix maps XYZ to camera RGB. The container stores it with up to
	// four columns (four-color sensors); unused columns are zero.
	ColorMatrix   [3][4]float64
	AsShotNeutral [3]float64
	HasNeutral    bool

	Make, Model string
}

type entry struct {
	tag   uint16
	typ   uint16
	count uint32
	raw   []byte // inline value bytes or a 4-byte offset
}

type reader struct {
	data []byte
	bo   binary.ByteOrder
}

// ReadFile parses the raw file at path.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a raw capture from an in-memory DNG/TIFF payload.
func Parse(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, errors.New("truncated TIFF header")
	}
	r := &reader{data: data}
	switch string(data[:2]) {
	case "II":
		r.bo = binary.LittleEndian
	case "MM":
		r.bo = binary.BigEndian
	default:
		return nil, errors.New("not a TIFF container")
	}
	if r.bo.Uint16(data[2:4]) != 42 {
		return nil, errors.New("bad TIFF magic")
	}

	ifd0, err := r.readIFD(r.bo.Uint32(data[4:8]))
	if err != nil {
		return nil, err
	}

	f := &File{WhiteLevel: -1}
	r.readCalibration(ifd0, f)

	rawIFD := ifd0
	if !isCFA(r, ifd0) {
		rawIFD = nil
		for _, off := range r.uintValues(find(ifd0, tagSubIFDs)) {
			sub, err := r.readIFD(uint32(off))
			if err != nil {
				continue
			}
			if isCFA(r, sub) {
				rawIFD = sub
				break
			}
		}
		if rawIFD == nil {
			return nil, errors.New("no CFA image found in container")
		}
		// Calibration tags may live next to the sensor data instead of IFD0.
		r.readCalibration(rawIFD, f)
	}

	if err := r.readSensorPlane(rawIFD, f); err != nil {
		return nil, err
	}
	if f.WhiteLevel < 0 {
		f.WhiteLevel = float64(uint32(1)<<uint(f.Bits) - 1)
	}
	return f, nil
}

func isCFA(r *reader, ifd []entry) bool {
	v := r.uintValues(find(ifd, tagPhotometric))
	return len(v) == 1 && v[0] == photometricCFA
}

func find(ifd []entry, tag uint16) *entry {
	for i := range ifd {
		if ifd[i].tag == tag {
			return &ifd[i]
		}
	}
	return nil
}

func (r *reader) readIFD(offset uint32) ([]entry, error) {
	if int(offset)+2 > len(r.data) {
		return nil, errors.New("IFD offset out of range")
	}
	n := int(r.bo.Uint16(r.data[offset : offset+2]))
	base := int(offset) + 2
	if base+n*12 > len(r.data) {
		return nil, errors.New("IFD truncated")
	}
	entries := make([]entry, 0, n)
	for i := 0; i < n; i++ {
		e := r.data[base+i*12 : base+i*12+12]
		ent := entry{
			tag:   r.bo.Uint16(e[0:2]),
			typ:   r.bo.Uint16(e[2:4]),
			count: r.bo.Uint32(e[4:8]),
		}
		size := typeSize(ent.typ) * int(ent.count)
		if size <= 4 {
			ent.raw = e[8:12]
		} else {
			off := int(r.bo.Uint32(e[8:12]))
			if off+size > len(r.data) {
				return nil, fmt.Errorf("tag %d value out of range", ent.tag)
			}
			ent.raw = r.data[off : off+size]
		}
		entries = append(entries, ent)
	}
	return entries, nil
}

func typeSize(typ uint16) int {
	switch typ {
	case typeByte, typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeRational, typeSRational:
		return 8
	default:
		return 1
	}
}

// uintValues reads an integer-typed tag as a slice of uint64.
func (r *reader) uintValues(e *entry) []uint64 {
	if e == nil {
		return nil
	}
	out := make([]uint64, 0, e.count)
	for i := 0; i < int(e.count); i++ {
		switch e.typ {
		case typeByte:
			out = append(out, uint64(e.raw[i]))
		case typeShort:
			out = append(out, uint64(r.bo.Uint16(e.raw[i*2:])))
		case typeLong:
			out = append(out, uint64(r.bo.Uint32(e.raw[i*4:])))
		default:
			return nil
		}
	}
	return out
}

// floatValues reads a numeric tag (integer or rational) as float64s.
func (r *reader) floatValues(e *entry) []float64 {
	if e == nil {
		return nil
	}
	switch e.typ {
	case typeRational:
		out := make([]float64, 0, e.count)
		for i := 0; i < int(e.count); i++ {
			num := r.bo.Uint32(e.raw[i*8:])
			den := r.bo.Uint32(e.raw[i*8+4:])
			if den == 0 {
				out = append(out, 0)
				continue
			}
			out = append(out, float64(num)/float64(den))
		}
		return out
	case typeSRational:
		out := make([]float64, 0, e.count)
		for i := 0; i < int(e.count); i++ {
			num := int32(r.bo.Uint32(e.raw[i*8:]))
			den := int32(r.bo.Uint32(e.raw[i*8+4:]))
			if den == 0 {
				out = append(out, 0)
				continue
			}
			out = append(out, float64(num)/float64(den))
		}
		return out
	default:
		ints := r.uintValues(e)
		out := make([]float64, len(ints))
		for i, v := range ints {
			out[i] = float64(v)
		}
		return out
	}
}

func (r *reader) stringValue(e *entry) string {
	if e == nil || e.typ != typeASCII {
		return ""
	}
	raw := e.raw[:e.count]
	for i, b := range raw {
		if b == 0 {
			return string(raw[:i])
		}
	}
	return string(raw)
}

func (r *reader) readCalibration(ifd []entry, f *File) {
	if s := r.stringValue(find(ifd, tagMake)); s != "" {
		f.Make = s
	}
	if s := r.stringValue(find(ifd, tagModel)); s != "" {
		f.Model = s
	}
	if m := r.floatValues(find(ifd, tagColorMatrix1)); len(m) == 9 || len(m) == 12 {
		cols := len(m) / 3
		for row := 0; row < 3; row++ {
			for col := 0; col < cols; col++ {
				f.ColorMatrix[row][col] = m[row*cols+col]
			}
		}
	}
	if wb := r.floatValues(find(ifd, tagAsShotNeutral)); len(wb) >= 3 {
		copy(f.AsShotNeutral[:], wb[:3])
		f.HasNeutral = true
	}
	if bl := r.floatValues(find(ifd, tagBlackLevel)); len(bl) > 0 {
		sum := 0.0
		for _, v := range bl {
			sum += v
		}
		f.BlackLevel = sum / float64(len(bl))
	}
	if wl := r.floatValues(find(ifd, tagWhiteLevel)); len(wl) > 0 {
		f.WhiteLevel = wl[0]
	}
}

func (r *reader) readSensorPlane(ifd []entry, f *File) error {
	width := r.uintValues(find(ifd, tagImageWidth))
	height := r.uintValues(find(ifd, tagImageLength))
	if len(width) != 1 || len(height) != 1 || width[0] == 0 || height[0] == 0 {
		return errors.New("missing sensor dimensions")
	}
	f.Width, f.Height = int(width[0]), int(height[0])

	f.Bits = 16
	if bits := r.uintValues(find(ifd, tagBitsPerSample)); len(bits) > 0 {
		f.Bits = int(bits[0])
	}
	switch f.Bits {
	case 8, 10, 12, 14, 16:
	default:
		return fmt.Errorf("unsupported bit depth %d", f.Bits)
	}

	if comp := r.uintValues(find(ifd, tagCompression)); len(comp) == 1 && comp[0] != compressionNone {
		return fmt.Errorf("unsupported compression %d (only uncompressed sensor data)", comp[0])
	}

	f.Pattern = [2][2]uint8{{PlaneRed, PlaneGreen}, {PlaneGreen, PlaneBlue}} // RGGB default
	if dim := r.uintValues(find(ifd, tagCFARepeatDim)); len(dim) == 2 && (dim[0] != 2 || dim[1] != 2) {
		return fmt.Errorf("unsupported CFA repeat pattern %dx%d", dim[0], dim[1])
	}
	if pat := r.uintValues(find(ifd, tagCFAPattern)); len(pat) == 4 {
		for i, v := range pat {
			if v > PlaneBlue {
				return fmt.Errorf("unsupported CFA plane %d", v)
			}
			f.Pattern[i/2][i%2] = uint8(v)
		}
	}

	offsets := r.uintValues(find(ifd, tagStripOffsets))
	counts := r.uintValues(find(ifd, tagStripByteCounts))
	if len(offsets) == 0 || len(offsets) != len(counts) {
		return errors.New("missing strip layout")
	}
	rowsPerStrip := f.Height
	if rps := r.uintValues(find(ifd, tagRowsPerStrip)); len(rps) == 1 && rps[0] > 0 {
		rowsPerStrip = int(rps[0])
	}

	f.Mosaic = make([]uint16, f.Width*f.Height)
	row := 0
	for i, off := range offsets {
		if row >= f.Height {
			break
		}
		rows := rowsPerStrip
		if row+rows > f.Height {
			rows = f.Height - row
		}
		if int(off)+int(counts[i]) > len(r.data) {
			return errors.New("strip out of range")
		}
		strip := r.data[off : off+counts[i]]
		if err := r.unpackStrip(strip, f, row, rows); err != nil {
			return err
		}
		row += rows
	}
	if row < f.Height {
		return errors.New("sensor data truncated")
	}
	return nil
}

func (r *reader) unpackStrip(strip []byte, f *File, startRow, rows int) error {
	n := rows * f.Width
	dst := f.Mosaic[startRow*f.Width:]
	switch f.Bits {
	case 8:
		if len(strip) < n {
			return errors.New("strip too short")
		}
		for i := 0; i < n; i++ {
			dst[i] = uint16(strip[i])
		}
	case 16:
		if len(strip) < n*2 {
			return errors.New("strip too short")
		}
		for i := 0; i < n; i++ {
			dst[i] = r.bo.Uint16(strip[i*2:])
		}
	default:
		// 10/12/14-bit samples are packed MSB-first into a continuous
		// bitstream within the strip.
		br := bitReader{data: strip}
		for i := 0; i < n; i++ {
			v, ok := br.read(uint(f.Bits))
			if !ok {
				return errors.New("packed strip too short")
			}
			dst[i] = uint16(v)
		}
	}
	return nil
}

type bitReader struct {
	data []byte
	pos  int
	acc  uint32
	bits uint
}

func (b *bitReader) read(n uint) (uint32, bool) {
	for b.bits < n {
		if b.pos >= len(b.data) {
			return 0, false
		}
		b.acc = b.acc<<8 | uint32(b.data[b.pos])
		b.pos++
		b.bits += 8
	}
	b.bits -= n
	v := (b.acc >> b.bits) & (1<<n - 1)
	return v, true
}

// ColorAt returns the CFA plane index at mosaic coordinate (x, y).
func (f *File) ColorAt(x, y int) uint8 {
	return f.Pattern[y&1][x&1]
}
