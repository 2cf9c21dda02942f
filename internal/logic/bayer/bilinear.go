package bayer

// plane gives bounds-safe access to a raw mosaic. Coordinates outside the
// image are mirrored about the edge sample, which preserves parity and so
// always lands on the nearest interior sample of the same colour.
type plane struct {
	pix    []byte
	width  int
	height int
}

func reflect(v, n int) int {
	if v < 0 {
		return -v
	}
	if v >= n {
		return 2*(n-1) - v
	}
	return v
}

func (p plane) at(x, y int) uint16 {
	x = reflect(x, p.width)
	y = reflect(y, p.height)
	return uint16(p.pix[y*p.width+x])
}

func avg2(a, b uint16) byte {
	return byte((a + b + 1) >> 1)
}

func avg4(a, b, c, d uint16) byte {
	return byte((a + b + c + d + 2) >> 2)
}

func bilinear(dst []byte, raw Frame) {
	src := plane{pix: raw.Pix, width: raw.Width, height: raw.Height}
	pat := raw.Pattern

	p := 0
	for y := 0; y < raw.Height; y++ {
		for x := 0; x < raw.Width; x++ {
			site := pat.At(x, y)
			for ch := Red; ch <= Blue; ch++ {
				dst[p+int(ch)] = sample(src, pat, site, ch, x, y)
			}
			p += 3
		}
	}
}

// sample reconstructs channel ch at (x, y), where the mosaic records site.
func sample(src plane, pat Pattern, site, ch Channel, x, y int) byte {
	switch {
	case ch == site:
		return byte(src.at(x, y))
	case ch == Green:
		return avg4(src.at(x-1, y), src.at(x+1, y), src.at(x, y-1), src.at(x, y+1))
	case site == Green:
		// Red and blue alternate by row on green sites: the wanted colour
		// is either left/right or above/below.
		if pat.At(x+1, y) == ch {
			return avg2(src.at(x-1, y), src.at(x+1, y))
		}
		return avg2(src.at(x, y-1), src.at(x, y+1))
	default:
		return avg4(src.at(x-1, y-1), src.at(x+1, y-1), src.at(x-1, y+1), src.at(x+1, y+1))
	}
}
