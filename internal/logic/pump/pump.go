// Package pump runs the capture -> demosaic -> emit loop. Frames are
// headerless: W*H raw bytes in, W'*H'*3 colour bytes out, one to one and
// in acquisition order.
package pump

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

// maxZeroWrites is how many consecutive zero-byte writes WriteFull
// tolerates before giving up.
const maxZeroWrites = 100

// Outcome is how a run ended.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeIOError
	OutcomeFatal
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeIOError:
		return "io-error"
	case OutcomeFatal:
		return "fatal"
	case OutcomeCanceled:
		return "canceled"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Config describes the frames flowing through the pump.
type Config struct {
	Width    int
	Height   int
	Pattern  bayer.Pattern
	Strategy bayer.Strategy
	// Demosaic false emits the raw planes unchanged.
	Demosaic bool
}

// FrameSize is the raw frame size in bytes.
func (c Config) FrameSize() int { return c.Width * c.Height }

// OutputSize is the size of one emitted frame in bytes.
func (c Config) OutputSize() int {
	if !c.Demosaic {
		return c.FrameSize()
	}
	return bayer.OutputLen(c.Width, c.Height, c.Strategy)
}

func (c Config) validate() error {
	if c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0 {
		return fmt.Errorf("%w: %dx%d", bayer.ErrInvalidDimensions, c.Width, c.Height)
	}
	if !c.Pattern.Valid() {
		return fmt.Errorf("%w: %v", bayer.ErrUnsupportedPattern, c.Pattern)
	}
	if c.Strategy != bayer.FastBlock && c.Strategy != bayer.Bilinear {
		return fmt.Errorf("%w: %v", bayer.ErrUnsupportedStrategy, c.Strategy)
	}
	return nil
}

// Tap observes every colour frame after it reached the sink. The frame
// is only valid for the duration of the call.
type Tap func(seq uint64, frame bayer.ColorFrame) error

// Stats are cumulative pump counters.
type Stats struct {
	Frames    uint64    `json:"frames"`
	BytesIn   uint64    `json:"bytes_in"`
	BytesOut  uint64    `json:"bytes_out"`
	LastFrame time.Time `json:"last_frame"`
}

// Pump converts raw frames from a Source and writes them to a sink.
type Pump struct {
	cfg  Config
	out  []byte
	taps []Tap

	mu    sync.Mutex
	stats Stats
}

// New validates cfg and allocates the output frame once.
func New(cfg Config, taps ...Tap) (*Pump, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pump{cfg: cfg, taps: taps}
	if cfg.Demosaic {
		p.out = make([]byte, cfg.OutputSize())
	}
	return p, nil
}

// Config returns the pump configuration.
func (p *Pump) Config() Config { return p.cfg }

// Stats returns a snapshot of the counters.
func (p *Pump) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

// Run pumps frames from src to sink until the source ends, an error
// occurs or ctx is canceled.
func (p *Pump) Run(ctx context.Context, src Source, sink io.Writer) (Outcome, error) {
	debug.Section("Pump")
	debug.Value("Frame", fmt.Sprintf("%dx%d %s", p.cfg.Width, p.cfg.Height, p.cfg.Pattern))
	debug.Value("Demosaic", p.cfg.Demosaic)
	if p.cfg.Demosaic {
		debug.Value("Strategy", p.cfg.Strategy)
	}
	defer p.logTotals()

	for seq := uint64(0); ; seq++ {
		if err := ctx.Err(); err != nil {
			return OutcomeCanceled, err
		}

		raw, err := src.Next(ctx)
		if err != nil {
			return p.classify(ctx, err)
		}

		outcome, err := p.emit(seq, raw.Pix, sink)
		if rerr := raw.Release(); rerr != nil && err == nil {
			outcome, err = OutcomeFatal, fmt.Errorf("pump: release frame %d: %w", seq, rerr)
		}
		if err != nil {
			return outcome, err
		}
	}
}

func (p *Pump) emit(seq uint64, pix []byte, sink io.Writer) (Outcome, error) {
	out := pix
	var frame bayer.ColorFrame
	if p.cfg.Demosaic {
		var err error
		frame, err = bayer.ReconstructInto(p.out, bayer.Frame{
			Width:   p.cfg.Width,
			Height:  p.cfg.Height,
			Pattern: p.cfg.Pattern,
			Pix:     pix,
		}, p.cfg.Strategy)
		if err != nil {
			return OutcomeFatal, fmt.Errorf("pump: demosaic frame %d: %w", seq, err)
		}
		out = frame.Pix
	}

	n, err := WriteFull(sink, out)
	if err != nil {
		return OutcomeIOError, fmt.Errorf("pump: write frame %d (%d of %d bytes): %w", seq, n, len(out), err)
	}

	p.mu.Lock()
	p.stats.Frames++
	p.stats.BytesIn += uint64(len(pix))
	p.stats.BytesOut += uint64(n)
	p.stats.LastFrame = time.Now()
	p.mu.Unlock()
	debug.Frame(seq, humanize.Bytes(uint64(n)))

	if p.cfg.Demosaic {
		for _, tap := range p.taps {
			if err := tap(seq, frame); err != nil {
				return OutcomeIOError, fmt.Errorf("pump: tap frame %d: %w", seq, err)
			}
		}
	}
	return OutcomeDone, nil
}

func (p *Pump) classify(ctx context.Context, err error) (Outcome, error) {
	switch {
	case errors.Is(err, ErrEndOfInput):
		debug.Info("pump: end of input")
		return OutcomeDone, nil
	case ctx.Err() != nil:
		return OutcomeCanceled, ctx.Err()
	case errors.Is(err, ErrTruncated), errors.Is(err, ErrRead):
		return OutcomeIOError, err
	default:
		return OutcomeFatal, err
	}
}

func (p *Pump) logTotals() {
	s := p.Stats()
	debug.Info("pump: %s frames, %s in, %s out",
		humanize.Comma(int64(s.Frames)), humanize.Bytes(s.BytesIn), humanize.Bytes(s.BytesOut))
}

// WriteFull writes all of b, retrying short writes with the remaining
// suffix. It returns the number of bytes written.
func WriteFull(w io.Writer, b []byte) (int, error) {
	total, zero := 0, 0
	for total < len(b) {
		n, err := w.Write(b[total:])
		if n < 0 || n > len(b)-total {
			return total, fmt.Errorf("pump: invalid write count %d", n)
		}
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 {
			zero = 0
			continue
		}
		zero++
		if zero >= maxZeroWrites {
			return total, io.ErrNoProgress
		}
	}
	return total, nil
}
