package dng

import (
	"encoding/binary"
	"math"
	"sort"
)

// SynthOptions describes a synthetic capture for Synthesize.
type SynthOptions struct {
	Width, Height int
	Pattern       [2][2]uint8
	BlackLevel    uint16
	WhiteLevel    uint16
	ColorMatrix   [9]float64    // XYZ to camera, row-major; zero value means identity
	AsShotNeutral [3]float64    // zero value means neutral (1, 1, 1)
	Sample        func(x, y int, plane uint8) uint16
}

// Synthesize builds a minimal little-endian uncompressed 16-bit CFA DNG
// payload. It exists so decode, stack and conversion behavior can be exercised
// end to end without camera files checked into the repository.
func Synthesize(opt SynthOptions) []byte {
	if opt.Width <= 0 {
		opt.Width = 8
	}
	if opt.Height <= 0 {
		opt.Height = 8
	}
	if opt.Pattern == ([2][2]uint8{}) {
		opt.Pattern = [2][2]uint8{{PlaneRed, PlaneGreen}, {PlaneGreen, PlaneBlue}}
	}
	if opt.WhiteLevel == 0 {
		opt.WhiteLevel = 0xFFFF
	}
	if opt.ColorMatrix == ([9]float64{}) {
		opt.ColorMatrix = [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	if opt.AsShotNeutral == ([3]float64{}) {
		opt.AsShotNeutral = [3]float64{1, 1, 1}
	}
	if opt.Sample == nil {
		opt.Sample = func(x, y int, plane uint8) uint16 { return opt.WhiteLevel / 2 }
	}

	bo := binary.LittleEndian

	type tagValue struct {
		tag   uint16
		typ   uint16
		count uint32
		data  []byte // encoded value bytes
	}
	var tags []tagValue

	addInts := func(tag, typ uint16, vals ...uint32) {
		var data []byte
		for _, v := range vals {
			switch typ {
			case typeByte:
				data = append(data, byte(v))
			case typeShort:
				data = bo.AppendUint16(data, uint16(v))
			default:
				data = bo.AppendUint32(data, v)
			}
		}
		tags = append(tags, tagValue{tag: tag, typ: typ, count: uint32(len(vals)), data: data})
	}
	addASCII := func(tag uint16, s string) {
		data := append([]byte(s), 0)
		tags = append(tags, tagValue{tag: tag, typ: typeASCII, count: uint32(len(data)), data: data})
	}
	addRationals := func(tag, typ uint16, vals ...float64) {
		var data []byte
		for _, v := range vals {
			num := int32(math.Round(v * 10000))
			data = bo.AppendUint32(data, uint32(num))
			data = bo.AppendUint32(data, 10000)
		}
		tags = append(tags, tagValue{tag: tag, typ: typ, count: uint32(len(vals)), data: data})
	}

	strip := make([]byte, opt.Width*opt.Height*2)
	for y := 0; y < opt.Height; y++ {
		for x := 0; x < opt.Width; x++ {
			plane := opt.Pattern[y&1][x&1]
			bo.PutUint16(strip[(y*opt.Width+x)*2:], opt.Sample(x, y, plane))
		}
	}

	addInts(tagImageWidth, typeLong, uint32(opt.Width))
	addInts(tagImageLength, typeLong, uint32(opt.Height))
	addInts(tagBitsPerSample, typeShort, 16)
	addInts(tagCompression, typeShort, compressionNone)
	addInts(tagPhotometric, typeShort, photometricCFA)
	addASCII(tagMake, "Lumatools")
	addASCII(tagModel, "SynthCam")
	addInts(tagStripOffsets, typeLong, 0) // patched below
	addInts(tagRowsPerStrip, typeLong, uint32(opt.Height))
	addInts(tagStripByteCounts, typeLong, uint32(len(strip)))
	addInts(tagCFARepeatDim, typeShort, 2, 2)
	addInts(tagCFAPattern, typeByte,
		uint32(opt.Pattern[0][0]), uint32(opt.Pattern[0][1]),
		uint32(opt.Pattern[1][0]), uint32(opt.Pattern[1][1]))
	addInts(tagDNGVersion, typeByte, 1, 4, 0, 0)
	addInts(tagBlackLevel, typeShort, uint32(opt.BlackLevel))
	addInts(tagWhiteLevel, typeLong, uint32(opt.WhiteLevel))
	addRationals(tagColorMatrix1, typeSRational, opt.ColorMatrix[:]...)
	addRationals(tagAsShotNeutral, typeRational, opt.AsShotNeutral[:]...)

	sort.Slice(tags, func(i, j int) bool { return tags[i].tag < tags[j].tag })

	ifdOffset := uint32(8)
	ifdSize := 2 + len(tags)*12 + 4
	dataStart := ifdOffset + uint32(ifdSize)

	// Lay out the out-of-line value area, then the pixel strip after it.
	var extra []byte
	valueField := make([][]byte, len(tags))
	for i, t := range tags {
		if len(t.data) <= 4 {
			field := make([]byte, 4)
			copy(field, t.data)
			valueField[i] = field
			continue
		}
		off := dataStart + uint32(len(extra))
		valueField[i] = bo.AppendUint32(nil, off)
		extra = append(extra, t.data...)
		if len(extra)%2 == 1 {
			extra = append(extra, 0)
		}
	}
	stripOffset := dataStart + uint32(len(extra))
	for i, t := range tags {
		if t.tag == tagStripOffsets {
			valueField[i] = bo.AppendUint32(nil, stripOffset)
		}
	}

	out := make([]byte, 0, int(stripOffset)+len(strip))
	out = append(out, 'I', 'I')
	out = bo.AppendUint16(out, 42)
	out = bo.AppendUint32(out, ifdOffset)
	out = bo.AppendUint16(out, uint16(len(tags)))
	for i, t := range tags {
		out = bo.AppendUint16(out, t.tag)
		out = bo.AppendUint16(out, t.typ)
		out = bo.AppendUint32(out, t.count)
		out = append(out, valueField[i]...)
	}
	out = bo.AppendUint32(out, 0) // no next IFD
	out = append(out, extra...)
	out = append(out, strip...)
	return out
}
