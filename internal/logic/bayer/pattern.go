package bayer

import (
	"fmt"
	"strings"
)

// Pattern identifies one of the four 2x2 colour-filter layouts.
// The name lists the colours of the block in raster order:
// top-left, top-right, bottom-left, bottom-right.
type Pattern int

const (
	// BGGR: top-left blue, anti-diagonal green, bottom-right red.
	BGGR Pattern = iota
	RGGB
	GBRG
	GRBG
)

// Channel is a colour channel index into an RGB triple.
type Channel int

const (
	Red Channel = iota
	Green
	Blue
)

// layouts[p][i] is the channel recorded at block offset i,
// where i = (y&1)*2 + (x&1).
var layouts = [...][4]Channel{
	BGGR: {Blue, Green, Green, Red},
	RGGB: {Red, Green, Green, Blue},
	GBRG: {Green, Blue, Red, Green},
	GRBG: {Green, Red, Blue, Green},
}

var patternNames = [...]string{
	BGGR: "BGGR",
	RGGB: "RGGB",
	GBRG: "GBRG",
	GRBG: "GRBG",
}

// Valid reports whether p is one of the four recognised rotations.
func (p Pattern) Valid() bool {
	return p >= BGGR && p <= GRBG
}

func (p Pattern) String() string {
	if !p.Valid() {
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
	return patternNames[p]
}

// At returns the channel sampled at raw coordinate (x, y).
// x and y may be any non-negative values; only their parity matters.
func (p Pattern) At(x, y int) Channel {
	return layouts[p][(y&1)*2+(x&1)]
}

// offset returns the in-block position (dx, dy) of the first site holding ch.
func (p Pattern) offset(ch Channel) (dx, dy int) {
	for i, c := range layouts[p] {
		if c == ch {
			return i & 1, i >> 1
		}
	}
	return 0, 0
}

// greens returns the in-block positions of both green sites.
func (p Pattern) greens() (x0, y0, x1, y1 int) {
	first := true
	for i, c := range layouts[p] {
		if c != Green {
			continue
		}
		if first {
			x0, y0 = i&1, i>>1
			first = false
			continue
		}
		x1, y1 = i&1, i>>1
	}
	return
}

// ParsePattern parses a pattern name such as "bggr" or "RGGB".
func ParsePattern(s string) (Pattern, error) {
	for p, name := range patternNames {
		if strings.EqualFold(s, name) {
			return Pattern(p), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedPattern, s)
}

// Strategy selects the reconstruction algorithm.
type Strategy int

const (
	// FastBlock emits one pixel per 2x2 block (half resolution).
	FastBlock Strategy = iota
	// Bilinear emits one pixel per raw sample (full resolution).
	Bilinear
)

func (s Strategy) String() string {
	switch s {
	case FastBlock:
		return "fast"
	case Bilinear:
		return "bilinear"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses "fast" or "bilinear".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "fast", "fastblock", "":
		return FastBlock, nil
	case "bilinear", "full":
		return Bilinear, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedStrategy, s)
	}
}
