package rawexr

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"

	"github.com/nfnt/resize"
)

// ProofOptions controls the sidecar proof JPEG.
type ProofOptions struct {
	// MaxEdge bounds the longer image edge; 0 keeps the full resolution.
	MaxEdge int
	// Quality is the JPEG quality, 1..100; 0 selects 90.
	Quality int
}

// WriteProof renders the linear buffer to an 8-bit sRGB proof JPEG at path.
// The buffer is tone-mapped with the sRGB OETF and clipped to display range,
// then downscaled with Lanczos resampling when it exceeds MaxEdge.
func WriteProof(buf *Buffer, path string, opt ProofOptions) error {
	if buf == nil || buf.W <= 0 || buf.H <= 0 {
		return fmt.Errorf("%w: empty pixel buffer", ErrEncode)
	}
	if buf.Err != nil {
		return fmt.Errorf("%w: buffer carries a decode error: %v", ErrEncode, buf.Err)
	}
	dir := filepath.Dir(path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: parent directory does not exist: %s", ErrEncode, dir)
	}

	img := image.NewRGBA(image.Rect(0, 0, buf.W, buf.H))
	for y := 0; y < buf.H; y++ {
		for x := 0; x < buf.W; x++ {
			r, g, b := buf.At(x, y)
			img.SetRGBA(x, y, color.RGBA{
				R: quantizeSRGB(r),
				G: quantizeSRGB(g),
				B: quantizeSRGB(b),
				A: 0xFF,
			})
		}
	}

	var out image.Image = img
	if opt.MaxEdge > 0 && (buf.W > opt.MaxEdge || buf.H > opt.MaxEdge) {
		if buf.W >= buf.H {
			out = resize.Resize(uint(opt.MaxEdge), 0, img, resize.Lanczos3)
		} else {
			out = resize.Resize(0, uint(opt.MaxEdge), img, resize.Lanczos3)
		}
	}

	quality := opt.Quality
	if quality <= 0 {
		quality = 90
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := jpeg.Encode(f, out, &jpeg.Options{Quality: quality}); err != nil {
		f.Close()
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return nil
}

func quantizeSRGB(v float32) uint8 {
	e := srgbOetf(clamp01(v))
	return uint8(math.Round(float64(e) * 255.0))
}

func srgbOetf(v float32) float32 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*float32(math.Pow(float64(v), 1.0/2.4)) - 0.055
}

func clamp01(v float32) float32 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
