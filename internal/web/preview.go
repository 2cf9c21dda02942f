package web

import (
	"bytes"
	"image/jpeg"
	"sync"
	"time"

	"github.com/cjeanneret/sortcam/internal/logic/bayer"
)

// Preview keeps the latest colour frame as JPEG for HTTP clients.
// Frames arriving faster than the interval are skipped.
type Preview struct {
	quality  int
	interval time.Duration

	mu     sync.RWMutex
	latest []byte
	seq    uint64
	last   time.Time
	subs   map[chan []byte]struct{}
}

// NewPreview encodes at most one frame per interval.
func NewPreview(quality int, interval time.Duration) *Preview {
	return &Preview{quality: quality, interval: interval, subs: make(map[chan []byte]struct{})}
}

// Tap is a pump tap: it encodes f when the interval has elapsed.
func (p *Preview) Tap(seq uint64, f bayer.ColorFrame) error {
	p.mu.RLock()
	due := p.latest == nil || time.Since(p.last) >= p.interval
	p.mu.RUnlock()
	if !due {
		return nil
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, f.RGBA(), &jpeg.Options{Quality: p.quality}); err != nil {
		return err
	}
	img := buf.Bytes()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest, p.seq, p.last = img, seq, time.Now()
	for ch := range p.subs {
		select {
		case ch <- img:
		default:
		}
	}
	return nil
}

// Latest returns the last encoded frame and its sequence number, or nil
// before the first frame.
func (p *Preview) Latest() ([]byte, uint64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.seq
}

// Subscribe returns a channel of new JPEG frames and its cleanup.
func (p *Preview) Subscribe() (<-chan []byte, func()) {
	ch := make(chan []byte, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			p.mu.Unlock()
			close(ch)
		})
	}
}
