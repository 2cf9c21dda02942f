package pump

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/logic/capture"
	"github.com/cjeanneret/sortcam/internal/logic/framepool"
)

var (
	// ErrEndOfInput reports a clean end of the source at a frame boundary.
	ErrEndOfInput = errors.New("pump: end of input")
	// ErrTruncated reports a source that closed in the middle of a frame.
	ErrTruncated = errors.New("pump: input truncated mid-frame")
	// ErrRead wraps any other failure of a byte-stream source.
	ErrRead = errors.New("pump: read failed")
)

// Raw is one raw frame lent by a Source. Pix is valid until Release.
type Raw struct {
	Pix     []byte
	release func() error
}

// Release hands the frame's buffer back to its source.
func (r Raw) Release() error {
	if r.release == nil {
		return nil
	}
	return r.release()
}

// Source produces raw frames in acquisition order.
type Source interface {
	Next(ctx context.Context) (Raw, error)
	Close() error
}

// StreamSource reads headerless frames of exactly pool.Size() bytes from
// a byte stream into the pool's buffers.
type StreamSource struct {
	r    io.Reader
	pool *framepool.Pool
}

// NewStreamSource reads frames from r.
func NewStreamSource(r io.Reader, pool *framepool.Pool) *StreamSource {
	return &StreamSource{r: r, pool: pool}
}

// Next fills a buffer with the next frame. Partial reads are accumulated
// until the frame is complete.
func (s *StreamSource) Next(ctx context.Context) (Raw, error) {
	if err := ctx.Err(); err != nil {
		return Raw{}, err
	}
	h, err := s.pool.AcquireForCapture()
	if err != nil {
		return Raw{}, err
	}
	buf, err := s.pool.Bytes(h)
	if err != nil {
		return Raw{}, err
	}

	n, err := io.ReadFull(s.r, buf)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		_ = s.pool.Abort(h)
		return Raw{}, ErrEndOfInput
	case errors.Is(err, io.ErrUnexpectedEOF):
		_ = s.pool.Abort(h)
		return Raw{}, fmt.Errorf("%w: got %d of %d bytes", ErrTruncated, n, len(buf))
	default:
		_ = s.pool.Abort(h)
		return Raw{}, fmt.Errorf("%w: %w", ErrRead, err)
	}

	return lend(s.pool, h)
}

// Close closes the underlying reader when it is closable.
func (s *StreamSource) Close() error {
	if c, ok := s.r.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// HardwareSource drives a capture.FrameSource through the trigger state
// machine. While the pipeline drains one buffer the next capture is
// already armed into the other.
type HardwareSource struct {
	pool      *framepool.Pool
	trg       *capture.Trigger
	capturing framepool.Handle
}

// NewHardwareSource registers both pool buffers with src.
func NewHardwareSource(src capture.FrameSource, pool *framepool.Pool, policy capture.RetryPolicy, opts ...capture.Option) (*HardwareSource, error) {
	for i := 0; i < framepool.Slots; i++ {
		if err := src.ConfigureFrameBuffer(i, pool.Slot(i)); err != nil {
			return nil, fmt.Errorf("pump: configure buffer %d: %w", i, err)
		}
	}
	return &HardwareSource{
		pool: pool,
		trg:  capture.NewTrigger(src, policy, opts...),
	}, nil
}

// Trigger exposes the capture state machine for stats and status.
func (h *HardwareSource) Trigger() *capture.Trigger { return h.trg }

// Next waits for the armed frame, arms the following capture and
// returns the captured buffer. The first call primes the pipeline.
func (h *HardwareSource) Next(ctx context.Context) (Raw, error) {
	if !h.capturing.Valid() {
		debug.Verbose("pump: priming capture")
		if err := h.arm(ctx); err != nil {
			return Raw{}, err
		}
	}

	if _, err := h.trg.Await(ctx); err != nil {
		h.abort()
		if errors.Is(err, io.EOF) {
			return Raw{}, ErrEndOfInput
		}
		return Raw{}, err
	}
	if err := h.pool.MarkReady(h.capturing); err != nil {
		return Raw{}, err
	}
	h.capturing = framepool.Handle{}
	if err := h.trg.Consume(); err != nil {
		return Raw{}, err
	}

	raw, err := lendReady(h.pool)
	if err != nil {
		return Raw{}, err
	}
	if err := h.arm(ctx); err != nil {
		_ = raw.Release()
		return Raw{}, err
	}
	return raw, nil
}

func (h *HardwareSource) arm(ctx context.Context) error {
	hd, err := h.pool.AcquireForCapture()
	if err != nil {
		return err
	}
	if err := h.trg.Arm(ctx, hd.Slot()); err != nil {
		_ = h.pool.Abort(hd)
		return err
	}
	h.capturing = hd
	return nil
}

func (h *HardwareSource) abort() {
	h.trg.Reset()
	if h.capturing.Valid() {
		_ = h.pool.Abort(h.capturing)
		h.capturing = framepool.Handle{}
	}
}

// Close abandons any capture in flight. The frame source itself belongs
// to the caller.
func (h *HardwareSource) Close() error {
	h.abort()
	return nil
}

// lend moves a freshly captured buffer to Ready and hands it out.
func lend(pool *framepool.Pool, h framepool.Handle) (Raw, error) {
	if err := pool.MarkReady(h); err != nil {
		return Raw{}, err
	}
	return lendReady(pool)
}

func lendReady(pool *framepool.Pool) (Raw, error) {
	rh, err := pool.AcquireForRead()
	if err != nil {
		return Raw{}, err
	}
	buf, err := pool.Bytes(rh)
	if err != nil {
		return Raw{}, err
	}
	return Raw{Pix: buf, release: func() error { return pool.Release(rh) }}, nil
}
