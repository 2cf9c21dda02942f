// Package record appends emitted colour frames to an MJPEG AVI file.
package record

import (
	"bytes"
	"errors"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/icza/mjpeg"

	"github.com/cjeanneret/sortcam/internal/debug"
	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

const (
	DefaultFPS     = 15
	DefaultQuality = 85
)

var ErrFrameSize = errors.New("record: frame size does not match the video")

// Recorder writes one JPEG-compressed AVI frame per colour frame.
type Recorder struct {
	width   int
	height  int
	quality int

	mu      sync.Mutex
	aw      mjpeg.AviWriter
	buf     bytes.Buffer
	frames  int
	written uint64
}

// Create opens path for a width x height video at fps.
func Create(path string, width, height, fps, quality int) (*Recorder, error) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	aw, err := mjpeg.New(path, int32(width), int32(height), int32(fps))
	if err != nil {
		return nil, fmt.Errorf("record: create %s: %w", path, err)
	}
	debug.Info("Recording %dx%d @ %d fps to %s", width, height, fps, path)
	return &Recorder{width: width, height: height, quality: quality, aw: aw}, nil
}

// Tap is a pump tap that appends f to the video.
func (r *Recorder) Tap(seq uint64, f bayer.ColorFrame) error {
	if f.Width != r.width || f.Height != r.height {
		return fmt.Errorf("%w: frame %d is %dx%d, video is %dx%d", ErrFrameSize, seq, f.Width, f.Height, r.width, r.height)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aw == nil {
		return errors.New("record: recorder closed")
	}
	r.buf.Reset()
	if err := jpeg.Encode(&r.buf, f.RGBA(), &jpeg.Options{Quality: r.quality}); err != nil {
		return fmt.Errorf("record: encode frame %d: %w", seq, err)
	}
	if err := r.aw.AddFrame(r.buf.Bytes()); err != nil {
		return fmt.Errorf("record: add frame %d: %w", seq, err)
	}
	r.frames++
	r.written += uint64(r.buf.Len())
	return nil
}

// Frames returns the number of frames written so far.
func (r *Recorder) Frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close finalizes the AVI index. Further taps fail.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aw == nil {
		return nil
	}
	err := r.aw.Close()
	r.aw = nil
	debug.Info("Recorded %d frames (%s)", r.frames, humanize.Bytes(r.written))
	return err
}
