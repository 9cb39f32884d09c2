// Package rawexr converts camera raw sensor captures into linear,
// colorimetrically-tagged OpenEXR files.
//
// This is a pure-Go pipeline focused on correctness and portability rather than
// raw decode speed. It reads uncompressed CFA DNG files directly, demosaics them
// with configurable quality settings, optionally synthesizes an extended dynamic
// range from a stack of simulated exposures, performs a colorimetric transform
// from CIE XYZ into a target RGB space, and writes scanline OpenEXR with the
// full camera calibration and EXIF provenance attached as file attributes.
package rawexr
