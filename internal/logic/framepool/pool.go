// Package framepool owns the two raw frame buffers shared by the capture
// path and the conversion path.
//
// Every buffer cycles Empty -> Capturing -> Ready -> Draining -> Empty.
// At most one buffer is Capturing at a time, and a Ready or Draining
// buffer is never handed to the capture path. The pool is driven from a
// single goroutine; the mutex only makes snapshots from observers safe.
package framepool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cjeanneret/sortcam/internal/debug"
)

// Slots is the number of buffers in a pool.
const Slots = 2

var (
	ErrBusy              = errors.New("framepool: no buffer available for capture")
	ErrNoneReady         = errors.New("framepool: no buffer ready")
	ErrInvalidHandle     = errors.New("framepool: invalid handle")
	ErrInvalidTransition = errors.New("framepool: invalid transition")
)

// State is the lifecycle tag of a buffer.
type State int

const (
	Empty State = iota
	Capturing
	Ready
	Draining
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Capturing:
		return "capturing"
	case Ready:
		return "ready"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Handle refers to one buffer of a specific pool.
type Handle struct {
	pool *Pool
	slot int
}

// Slot returns the buffer index, 0 or 1.
func (h Handle) Slot() int { return h.slot }

// Valid reports whether h was issued by a pool.
func (h Handle) Valid() bool { return h.pool != nil }

type buffer struct {
	data  []byte
	state State
	seq   uint64 // order in which the buffer became Ready
}

// Pool is a fixed pair of equally sized raw frame buffers.
type Pool struct {
	mu       sync.Mutex
	size     int
	bufs     [Slots]buffer
	readySeq uint64
}

// New allocates both buffers once. They live as long as the pool.
func New(size int) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("framepool: buffer size must be > 0, got %d", size)
	}
	p := &Pool{size: size}
	for i := range p.bufs {
		p.bufs[i].data = make([]byte, size)
	}
	return p, nil
}

// Size returns the capacity of each buffer in bytes.
func (p *Pool) Size() int { return p.size }

// Slot returns the backing memory of buffer i for one-time registration
// with a frame source.
func (p *Pool) Slot(i int) []byte {
	return p.bufs[i].data
}

// AcquireForCapture lends an Empty buffer to the capture path.
// It fails with ErrBusy while another buffer is Capturing or when no
// buffer is Empty.
func (p *Pool) AcquireForCapture() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	free := -1
	for i := range p.bufs {
		switch p.bufs[i].state {
		case Capturing:
			return Handle{}, ErrBusy
		case Empty:
			if free < 0 {
				free = i
			}
		}
	}
	if free < 0 {
		return Handle{}, ErrBusy
	}
	p.bufs[free].state = Capturing
	debug.Trace("framepool: slot %d empty -> capturing", free)
	return Handle{pool: p, slot: free}, nil
}

// MarkReady records that the capture into h completed.
func (p *Pool) MarkReady(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.transition(h, Capturing, Ready); err != nil {
		return err
	}
	p.readySeq++
	p.bufs[h.slot].seq = p.readySeq
	return nil
}

// AcquireForRead lends the oldest Ready buffer to the conversion path.
func (p *Pool) AcquireForRead() (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pick := -1
	for i := range p.bufs {
		if p.bufs[i].state != Ready {
			continue
		}
		if pick < 0 || p.bufs[i].seq < p.bufs[pick].seq {
			pick = i
		}
	}
	if pick < 0 {
		return Handle{}, ErrNoneReady
	}
	p.bufs[pick].state = Draining
	debug.Trace("framepool: slot %d ready -> draining", pick)
	return Handle{pool: p, slot: pick}, nil
}

// Release returns a drained buffer to the pool.
func (p *Pool) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transition(h, Draining, Empty)
}

// Abort returns a Capturing buffer to Empty after a failed capture.
func (p *Pool) Abort(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.transition(h, Capturing, Empty)
}

// Bytes returns the memory behind h. Callers must only write through a
// Capturing handle and only read through a Draining one.
func (p *Pool) Bytes(h Handle) ([]byte, error) {
	if err := p.check(h); err != nil {
		return nil, err
	}
	return p.bufs[h.slot].data, nil
}

// State returns the tag of buffer i.
func (p *Pool) State(i int) State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bufs[i].state
}

// Snapshot returns the tags of both buffers.
func (p *Pool) Snapshot() [Slots]State {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s [Slots]State
	for i := range p.bufs {
		s[i] = p.bufs[i].state
	}
	return s
}

func (p *Pool) check(h Handle) error {
	if h.pool != p || h.slot < 0 || h.slot >= Slots {
		return ErrInvalidHandle
	}
	return nil
}

func (p *Pool) transition(h Handle, from, to State) error {
	if err := p.check(h); err != nil {
		return err
	}
	b := &p.bufs[h.slot]
	if b.state != from {
		return fmt.Errorf("%w: slot %d is %v, want %v", ErrInvalidTransition, h.slot, b.state, from)
	}
	b.state = to
	debug.Trace("framepool: slot %d %v -> %v", h.slot, from, to)
	return nil
}
