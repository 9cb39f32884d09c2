package rawexr

// mosaicPlane is a normalized single-channel sensor mosaic, values in linear
// light with black level subtracted.
type mosaicPlane struct {
	w, h    int
	pix     []float32
	pattern [2][2]uint8
}

// at reads the mosaic with clamped (replicated) coordinates so kernels never
// need edge special cases.
func (m *mosaicPlane) at(x, y int) float32 {
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}
	if x >= m.w {
		x = m.w - 1
	}
	if y >= m.h {
		y = m.h - 1
	}
	return m.pix[y*m.w+x]
}

func (m *mosaicPlane) colorAt(x, y int) uint8 {
	return m.pattern[y&1][x&1]
}

// demosaicFunc reconstructs a full RGB buffer from the mosaic.
type demosaicFunc func(*mosaicPlane) *Buffer

// demosaicForAlgorithm maps the known algorithm ids onto the implemented
// kernels. The fast ids use bilinear interpolation; the high-quality ids share
// the gradient-corrected Malvar-He-Cutler kernel. Ids outside the known set
// fall back to bilinear (the decode-side counterpart of the "default" label).
func demosaicForAlgorithm(a DemosaicAlgorithm) demosaicFunc {
	switch a {
	case DemosaicAHD, DemosaicDCB, DemosaicDHT, DemosaicAAHD:
		return demosaicMalvar
	default:
		return demosaicBilinear
	}
}

// demosaicBilinear averages same-plane neighbors in a 3x3 window around each
// photosite.
func demosaicBilinear(m *mosaicPlane) *Buffer {
	out := NewBuffer(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			var sum [3]float32
			var count [3]float32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					plane := m.colorAt(clampIndex(x+dx, m.w), clampIndex(y+dy, m.h))
					sum[plane] += m.at(x+dx, y+dy)
					count[plane]++
				}
			}
			own := m.colorAt(x, y)
			i := (y*m.w + x) * 3
			for plane := 0; plane < 3; plane++ {
				if uint8(plane) == own {
					out.Pix[i+plane] = m.at(x, y)
				} else if count[plane] > 0 {
					out.Pix[i+plane] = sum[plane] / count[plane]
				}
			}
		}
	}
	return out
}

// demosaicMalvar applies the gradient-corrected linear interpolation of
// Malvar, He and Cutler (5x5 kernels, all weights over 8).
func demosaicMalvar(m *mosaicPlane) *Buffer {
	out := NewBuffer(m.w, m.h)
	for y := 0; y < m.h; y++ {
		for x := 0; x < m.w; x++ {
			own := m.colorAt(x, y)
			v := m.at(x, y)
			i := (y*m.w + x) * 3
			switch own {
			case 1: // green site: the missing planes lie on the row and column
				horiz := m.colorAt(clampIndex(x+1, m.w), y)
				vert := m.colorAt(x, clampIndex(y+1, m.h))
				if horiz == 1 {
					// degenerate pattern, fall back to plain averages
					horiz, vert = 0, 2
				}
				out.Pix[i+1] = v
				out.Pix[i+int(horiz)] = clampNonNeg(malvarAtGreenRow(m, x, y, v))
				out.Pix[i+int(vert)] = clampNonNeg(malvarAtGreenCol(m, x, y, v))
			default: // red or blue site
				opposite := uint8(2 - own)
				out.Pix[i+int(own)] = v
				out.Pix[i+1] = clampNonNeg(malvarGreenAt(m, x, y, v))
				out.Pix[i+int(opposite)] = clampNonNeg(malvarOppositeAt(m, x, y, v))
			}
		}
	}
	return out
}

// malvarGreenAt estimates green at a red or blue site.
func malvarGreenAt(m *mosaicPlane, x, y int, center float32) float32 {
	cross := m.at(x-1, y) + m.at(x+1, y) + m.at(x, y-1) + m.at(x, y+1)
	far := m.at(x-2, y) + m.at(x+2, y) + m.at(x, y-2) + m.at(x, y+2)
	return (4*center + 2*cross - far) / 8
}

// malvarOppositeAt estimates blue at a red site (and red at a blue site).
func malvarOppositeAt(m *mosaicPlane, x, y int, center float32) float32 {
	diag := m.at(x-1, y-1) + m.at(x+1, y-1) + m.at(x-1, y+1) + m.at(x+1, y+1)
	far := m.at(x-2, y) + m.at(x+2, y) + m.at(x, y-2) + m.at(x, y+2)
	return (6*center + 2*diag - 1.5*far) / 8
}

// malvarAtGreenRow estimates the plane whose samples share the row of a green
// site.
func malvarAtGreenRow(m *mosaicPlane, x, y int, center float32) float32 {
	row := m.at(x-1, y) + m.at(x+1, y)
	diag := m.at(x-1, y-1) + m.at(x+1, y-1) + m.at(x-1, y+1) + m.at(x+1, y+1)
	farRow := m.at(x-2, y) + m.at(x+2, y)
	farCol := m.at(x, y-2) + m.at(x, y+2)
	return (5*center + 4*row - diag - farRow + 0.5*farCol) / 8
}

// malvarAtGreenCol estimates the plane whose samples share the column of a
// green site.
func malvarAtGreenCol(m *mosaicPlane, x, y int, center float32) float32 {
	col := m.at(x, y-1) + m.at(x, y+1)
	diag := m.at(x-1, y-1) + m.at(x+1, y-1) + m.at(x-1, y+1) + m.at(x+1, y+1)
	farRow := m.at(x-2, y) + m.at(x+2, y)
	farCol := m.at(x, y-2) + m.at(x, y+2)
	return (5*center + 4*col - diag - farCol + 0.5*farRow) / 8
}

// demosaicHalf collapses each 2x2 CFA block into one RGB pixel without
// interpolation, quartering the output resolution.
func demosaicHalf(m *mosaicPlane) *Buffer {
	w, h := m.w/2, m.h/2
	out := NewBuffer(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum [3]float32
			var count [3]float32
			for dy := 0; dy < 2; dy++ {
				for dx := 0; dx < 2; dx++ {
					sx, sy := x*2+dx, y*2+dy
					plane := m.colorAt(sx, sy)
					sum[plane] += m.at(sx, sy)
					count[plane]++
				}
			}
			i := (y*w + x) * 3
			for plane := 0; plane < 3; plane++ {
				if count[plane] > 0 {
					out.Pix[i+plane] = sum[plane] / count[plane]
				}
			}
		}
	}
	return out
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clampNonNeg(v float32) float32 {
	if v < 0 {
		return 0
	}
	return v
}
