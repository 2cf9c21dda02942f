package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cjeanneret/sortcam/internal/debug"
)

// ErrSimTrigger is returned by injected trigger failures.
var ErrSimTrigger = errors.New("sensor: simulated trigger failure")

// SimSource synthesises a deterministic Bayer test pattern. It stands in
// for the sensor on a development machine.
type SimSource struct {
	width, height int

	// FailEvery makes every n-th trigger call fail (0 disables).
	FailEvery int
	// Limit ends the stream with io.EOF after that many frames (0 = endless).
	Limit uint64

	mu      sync.Mutex
	buffers map[int][]byte
	armed   bool
	calls   int
	frame   uint64
}

// NewSimSource returns a simulated width x height sensor.
func NewSimSource(width, height int) *SimSource {
	debug.Info("Using SIMULATED sensor %dx%d", width, height)
	return &SimSource{width: width, height: height, buffers: make(map[int][]byte)}
}

func (s *SimSource) ConfigureFrameBuffer(slot int, buf []byte) error {
	if len(buf) < s.width*s.height {
		return fmt.Errorf("%w: buffer %d bytes, frame %d", ErrFrameSize, len(buf), s.width*s.height)
	}
	s.mu.Lock()
	s.buffers[slot] = buf
	s.mu.Unlock()
	return nil
}

func (s *SimSource) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.FailEvery > 0 && s.calls%s.FailEvery == 0 {
		return ErrSimTrigger
	}
	s.armed = true
	return nil
}

// ReadFrame fills slot with frame n of the test pattern.
func (s *SimSource) ReadFrame(ctx context.Context, slot int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	buf, ok := s.buffers[slot]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	if !s.armed {
		return ErrNotStarted
	}
	if s.Limit > 0 && s.frame >= s.Limit {
		return io.EOF
	}
	s.armed = false
	Fill(buf[:s.width*s.height], s.width, s.frame)
	s.frame++
	return nil
}

// TriggerCalls returns the number of Trigger calls so far.
func (s *SimSource) TriggerCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *SimSource) Close() error { return nil }

// Fill writes frame n of the test pattern into a width-wide plane: a
// diagonal gradient that moves with n.
func Fill(plane []byte, width int, n uint64) {
	for i := range plane {
		x, y := i%width, i/width
		plane[i] = byte(x*3 + y*5 + int(n*7))
	}
}
