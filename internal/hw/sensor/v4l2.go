package sensor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/hw/trigger"
	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

const DefaultDevice = "/dev/video0"

// Camera-class controls. Absolute exposure is in 100µs units.
const (
	ctrlExposureAuto     v4l2.CtrlID = 0x009a0901
	ctrlExposureAbsolute v4l2.CtrlID = 0x009a0902

	exposureManual v4l2.CtrlValue = 1
)

var (
	ErrSlot       = errors.New("sensor: unknown buffer slot")
	ErrFrameSize  = errors.New("sensor: unexpected frame size")
	ErrNotStarted = errors.New("sensor: stream not started")
)

// fourcc builds a V4L2 pixel format code.
func fourcc(a, b, c, d byte) v4l2.FourCCType {
	return v4l2.FourCCType(a) | v4l2.FourCCType(b)<<8 | v4l2.FourCCType(c)<<16 | v4l2.FourCCType(d)<<24
}

// PixelFormat returns the 8-bit raw Bayer V4L2 format for p.
func PixelFormat(p bayer.Pattern) v4l2.FourCCType {
	switch p {
	case bayer.RGGB:
		return fourcc('R', 'G', 'G', 'B')
	case bayer.GBRG:
		return fourcc('G', 'B', 'R', 'G')
	case bayer.GRBG:
		return fourcc('G', 'R', 'B', 'G')
	default:
		return fourcc('B', 'A', '8', '1')
	}
}

// stream is the subset of *device.Device the source needs.
type stream interface {
	Start(ctx context.Context) error
	GetOutput() <-chan []byte
	SetControlValue(id v4l2.CtrlID, val v4l2.CtrlValue) error
	Close() error
}

// V4L2Options configures a V4L2Source.
type V4L2Options struct {
	Device   string
	Width    int
	Height   int
	Pattern  bayer.Pattern
	Exposure time.Duration // 0 leaves the sensor's exposure untouched
	// FourCC overrides the pixel format derived from Pattern.
	FourCC string
}

func (o V4L2Options) pixelFormat() v4l2.FourCCType {
	if f := o.FourCC; len(f) == 4 {
		return fourcc(f[0], f[1], f[2], f[3])
	}
	return PixelFormat(o.Pattern)
}

// V4L2Source captures raw Bayer frames from a V4L2 device. Each exposure
// is started by pulsing the sensor's external trigger line.
type V4L2Source struct {
	dev     stream
	line    trigger.Line
	opts    V4L2Options
	size    int
	cancel  context.CancelFunc
	frames  <-chan []byte
	mu      sync.Mutex
	buffers map[int][]byte
}

// OpenV4L2 opens the device in raw Bayer mode and starts streaming.
func OpenV4L2(ctx context.Context, opts V4L2Options, line trigger.Line) (*V4L2Source, error) {
	if opts.Device == "" {
		opts.Device = DefaultDevice
	}
	debug.Info("Opening V4L2 device %s (%dx%d %s)", opts.Device, opts.Width, opts.Height, opts.Pattern)
	dev, err := device.Open(
		opts.Device,
		device.WithBufferSize(2),
		device.WithPixFormat(v4l2.PixFormat{
			PixelFormat: opts.pixelFormat(),
			Width:       uint32(opts.Width),
			Height:      uint32(opts.Height),
			Field:       v4l2.FieldNone,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("sensor: open %s: %w", opts.Device, err)
	}
	s, err := newV4L2Source(ctx, dev, opts, line)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	return s, nil
}

func newV4L2Source(ctx context.Context, dev stream, opts V4L2Options, line trigger.Line) (*V4L2Source, error) {
	s := &V4L2Source{
		dev:     dev,
		line:    line,
		opts:    opts,
		size:    opts.Width * opts.Height,
		buffers: make(map[int][]byte),
	}
	if opts.Exposure > 0 {
		if err := s.setExposure(opts.Exposure); err != nil {
			return nil, err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	if err := dev.Start(sctx); err != nil {
		cancel()
		return nil, fmt.Errorf("sensor: start stream: %w", err)
	}
	s.cancel = cancel
	s.frames = dev.GetOutput()
	return s, nil
}

func (s *V4L2Source) setExposure(d time.Duration) error {
	units := v4l2.CtrlValue(d / (100 * time.Microsecond))
	if units < 1 {
		units = 1
	}
	debug.Verbose("Sensor: exposure %v (%d x 100us)", d, units)
	if err := s.dev.SetControlValue(ctrlExposureAuto, exposureManual); err != nil {
		return fmt.Errorf("sensor: manual exposure: %w", err)
	}
	if err := s.dev.SetControlValue(ctrlExposureAbsolute, units); err != nil {
		return fmt.Errorf("sensor: set exposure: %w", err)
	}
	return nil
}

// ConfigureFrameBuffer registers buf as the destination of slot.
func (s *V4L2Source) ConfigureFrameBuffer(slot int, buf []byte) error {
	if len(buf) < s.size {
		return fmt.Errorf("%w: buffer %d bytes, frame %d", ErrFrameSize, len(buf), s.size)
	}
	s.mu.Lock()
	s.buffers[slot] = buf
	s.mu.Unlock()
	return nil
}

// Trigger pulses the trigger line.
func (s *V4L2Source) Trigger() error {
	if s.line == nil {
		return nil
	}
	return s.line.Fire()
}

// ReadFrame copies the next streamed frame into slot's buffer.
// A closed stream reads as io.EOF.
func (s *V4L2Source) ReadFrame(ctx context.Context, slot int) error {
	s.mu.Lock()
	buf, ok := s.buffers[slot]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %d", ErrSlot, slot)
	}
	if s.frames == nil {
		return ErrNotStarted
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case frame, ok := <-s.frames:
		if !ok {
			return io.EOF
		}
		if len(frame) < s.size {
			return fmt.Errorf("%w: got %d bytes, want %d", ErrFrameSize, len(frame), s.size)
		}
		copy(buf[:s.size], frame)
		return nil
	}
}

// Close stops streaming and releases the device.
func (s *V4L2Source) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.dev.Close()
}
