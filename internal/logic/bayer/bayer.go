// Package bayer reconstructs RGB frames from single-channel Bayer mosaics.
//
// Two strategies are available. FastBlock folds every 2x2 block into one
// output pixel and halves the resolution; it is the real-time path.
// Bilinear keeps the input resolution and interpolates the two missing
// channels of every sample from its nearest same-colour neighbours.
// Both are pure functions of the raw plane and the pattern.
package bayer

import (
	"errors"
	"fmt"
	"image"
	"image/color"
)

var (
	ErrInvalidDimensions   = errors.New("bayer: invalid frame dimensions")
	ErrUnsupportedPattern  = errors.New("bayer: unsupported pattern")
	ErrUnsupportedStrategy = errors.New("bayer: unsupported strategy")
	ErrShortBuffer         = errors.New("bayer: destination buffer too small")
)

// Frame is a raw mosaic plane: Width*Height 8-bit samples, row-major.
type Frame struct {
	Width   int
	Height  int
	Pattern Pattern
	Pix     []byte
}

// ColorFrame holds interleaved R, G, B samples, row-major.
type ColorFrame struct {
	Width  int
	Height int
	Pix    []byte
}

func (f ColorFrame) ColorModel() color.Model { return color.RGBAModel }

func (f ColorFrame) Bounds() image.Rectangle { return image.Rect(0, 0, f.Width, f.Height) }

func (f ColorFrame) At(x, y int) color.Color {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return color.RGBA{}
	}
	i := (y*f.Width + x) * 3
	s := f.Pix[i : i+3 : i+3]
	return color.RGBA{R: s[0], G: s[1], B: s[2], A: 0xff}
}

// RGBA expands the frame into an opaque *image.RGBA, the layout the
// image encoders handle fastest.
func (f ColorFrame) RGBA() *image.RGBA {
	img := image.NewRGBA(f.Bounds())
	o := 0
	for i := 0; i+2 < len(f.Pix); i += 3 {
		img.Pix[o] = f.Pix[i]
		img.Pix[o+1] = f.Pix[i+1]
		img.Pix[o+2] = f.Pix[i+2]
		img.Pix[o+3] = 0xff
		o += 4
	}
	return img
}

// Validate checks the frame invariants: even, non-zero dimensions,
// a plane of exactly Width*Height bytes and a recognised pattern.
func (f Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 || f.Width%2 != 0 || f.Height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height {
		return fmt.Errorf("%w: plane is %d bytes, want %d", ErrInvalidDimensions, len(f.Pix), f.Width*f.Height)
	}
	if !f.Pattern.Valid() {
		return fmt.Errorf("%w: %v", ErrUnsupportedPattern, f.Pattern)
	}
	return nil
}

// OutputSize returns the colour frame dimensions produced by strategy.
func OutputSize(width, height int, strategy Strategy) (int, int) {
	if strategy == FastBlock {
		return width / 2, height / 2
	}
	return width, height
}

// OutputLen returns the colour frame size in bytes.
func OutputLen(width, height int, strategy Strategy) int {
	w, h := OutputSize(width, height, strategy)
	return w * h * 3
}

// Reconstruct demosaics raw into a newly allocated colour frame.
func Reconstruct(raw Frame, strategy Strategy) (ColorFrame, error) {
	if err := raw.Validate(); err != nil {
		return ColorFrame{}, err
	}
	dst := make([]byte, OutputLen(raw.Width, raw.Height, strategy))
	return ReconstructInto(dst, raw, strategy)
}

// ReconstructInto demosaics raw into dst, which must hold at least
// OutputLen bytes. The returned frame aliases dst.
func ReconstructInto(dst []byte, raw Frame, strategy Strategy) (ColorFrame, error) {
	if err := raw.Validate(); err != nil {
		return ColorFrame{}, err
	}
	w, h := OutputSize(raw.Width, raw.Height, strategy)
	n := w * h * 3
	if len(dst) < n {
		return ColorFrame{}, fmt.Errorf("%w: have %d, need %d", ErrShortBuffer, len(dst), n)
	}
	out := ColorFrame{Width: w, Height: h, Pix: dst[:n]}

	switch strategy {
	case FastBlock:
		fastBlock(out.Pix, raw)
	case Bilinear:
		bilinear(out.Pix, raw)
	default:
		return ColorFrame{}, fmt.Errorf("%w: %v", ErrUnsupportedStrategy, strategy)
	}
	return out, nil
}

// fastBlock writes one RGB pixel per 2x2 block in block raster order.
// Green is the mean of the two green sites, rounded half up.
func fastBlock(dst []byte, raw Frame) {
	stride := raw.Width
	rx, ry := raw.Pattern.offset(Red)
	bx, by := raw.Pattern.offset(Blue)
	g0x, g0y, g1x, g1y := raw.Pattern.greens()

	rOff := ry*stride + rx
	bOff := by*stride + bx
	g0Off := g0y*stride + g0x
	g1Off := g1y*stride + g1x

	p := 0
	for y := 0; y < raw.Height; y += 2 {
		row := y * stride
		for x := 0; x < raw.Width; x += 2 {
			base := row + x
			dst[p] = raw.Pix[base+rOff]
			dst[p+1] = byte((uint16(raw.Pix[base+g0Off]) + uint16(raw.Pix[base+g1Off]) + 1) >> 1)
			dst[p+2] = raw.Pix[base+bOff]
			p += 3
		}
	}
}
