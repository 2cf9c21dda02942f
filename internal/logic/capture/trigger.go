package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/looplab/fsm"

	"github.com/cjeanneret/sortcam/internal/debug"
)

// DefaultBackoff is the delay between two failed trigger attempts.
const DefaultBackoff = 100 * time.Millisecond

// Trigger states.
const (
	StateIdle    = "idle"
	StateArming  = "arming"
	StateWaiting = "waiting"
	StateReady   = "ready"
	StateFailed  = "failed"
)

const (
	evArm     = "arm"
	evFail    = "fail"
	evRetry   = "retry"
	evAccept  = "accept"
	evDeliver = "deliver"
	evConsume = "consume"
	evAbort   = "abort"
)

var (
	// ErrTriggerExhausted is returned when the retry policy caps attempts
	// and every attempt failed.
	ErrTriggerExhausted = errors.New("capture: trigger attempts exhausted")
	// ErrFrameRead wraps a failed read after an accepted trigger. It is
	// never retried.
	ErrFrameRead = errors.New("capture: frame read failed")
	// ErrState is returned when an operation is called out of order.
	ErrState = errors.New("capture: invalid trigger state")
)

// FrameSource is the external frame producer: a sensor with a trigger
// input and a set of registered frame buffers.
type FrameSource interface {
	// ConfigureFrameBuffer registers buf as the destination of slot.
	ConfigureFrameBuffer(slot int, buf []byte) error
	// Trigger starts a new exposure.
	Trigger() error
	// ReadFrame blocks until the triggered frame is in slot's buffer.
	ReadFrame(ctx context.Context, slot int) error
}

// RetryPolicy controls how trigger failures are retried.
// MaxAttempts == 0 retries forever.
type RetryPolicy struct {
	Backoff     time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy retries forever every 100ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Backoff: DefaultBackoff}
}

// Attempt is one trigger call of the current cycle.
type Attempt struct {
	Ordinal int
	Err     error
	Delay   time.Duration // backoff scheduled after this attempt
}

// Stats are cumulative counters, safe to read from other goroutines.
type Stats struct {
	Triggers uint64 `json:"triggers"`
	Failures uint64 `json:"trigger_failures"`
	Frames   uint64 `json:"frames_read"`
}

// Trigger drives a FrameSource through idle -> arming -> waiting -> ready.
// Arming failures move to failed and are retried after a fixed backoff;
// a failed read of an accepted frame is fatal.
type Trigger struct {
	src    FrameSource
	policy RetryPolicy
	clock  clock.Clock

	machine *fsm.FSM
	slot    int

	mu       sync.Mutex
	attempts []Attempt

	triggers atomic.Uint64
	failures atomic.Uint64
	frames   atomic.Uint64
}

// Option configures a Trigger.
type Option func(*Trigger)

// WithClock replaces the wall clock used for backoff.
func WithClock(c clock.Clock) Option {
	return func(t *Trigger) { t.clock = c }
}

// NewTrigger creates a trigger in the idle state.
func NewTrigger(src FrameSource, policy RetryPolicy, opts ...Option) *Trigger {
	if policy.Backoff < 0 {
		policy.Backoff = 0
	}
	t := &Trigger{
		src:    src,
		policy: policy,
		clock:  clock.New(),
		slot:   -1,
	}
	for _, opt := range opts {
		opt(t)
	}

	t.machine = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: evArm, Src: []string{StateIdle}, Dst: StateArming},
			{Name: evFail, Src: []string{StateArming}, Dst: StateFailed},
			{Name: evRetry, Src: []string{StateFailed}, Dst: StateArming},
			{Name: evAccept, Src: []string{StateArming}, Dst: StateWaiting},
			{Name: evDeliver, Src: []string{StateWaiting}, Dst: StateReady},
			{Name: evConsume, Src: []string{StateReady}, Dst: StateIdle},
			{Name: evAbort, Src: []string{StateArming, StateFailed, StateWaiting, StateReady}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				debug.Trace("trigger: %s -> %s (%s)", e.Src, e.Dst, e.Event)
			},
		},
	)
	return t
}

// State returns the current state name.
func (t *Trigger) State() string {
	return t.machine.Current()
}

// Slot returns the buffer slot of the current cycle, or -1 when idle.
func (t *Trigger) Slot() int {
	return t.slot
}

// Attempts returns the trigger attempts of the current (or last) cycle.
func (t *Trigger) Attempts() []Attempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Attempt(nil), t.attempts...)
}

// Stats returns cumulative counters.
func (t *Trigger) Stats() Stats {
	return Stats{
		Triggers: t.triggers.Load(),
		Failures: t.failures.Load(),
		Frames:   t.frames.Load(),
	}
}

// Arm fires the trigger for a capture into slot, retrying failed
// attempts according to the policy. On return without error the machine
// is waiting for the frame.
func (t *Trigger) Arm(ctx context.Context, slot int) error {
	if err := t.event(evArm); err != nil {
		return err
	}
	t.slot = slot
	t.mu.Lock()
	t.attempts = t.attempts[:0]
	t.mu.Unlock()

	for n := 1; ; n++ {
		t.triggers.Add(1)
		err := t.src.Trigger()
		if err == nil {
			t.record(Attempt{Ordinal: n})
			return t.event(evAccept)
		}

		t.failures.Add(1)
		if ferr := t.event(evFail); ferr != nil {
			return ferr
		}
		if t.policy.MaxAttempts > 0 && n >= t.policy.MaxAttempts {
			t.record(Attempt{Ordinal: n, Err: err})
			t.abort()
			return fmt.Errorf("%w after %d attempts: %w", ErrTriggerExhausted, n, err)
		}
		t.record(Attempt{Ordinal: n, Err: err, Delay: t.policy.Backoff})
		debug.Live("trigger attempt %d failed: %v (retry in %v)", n, err, t.policy.Backoff)

		if err := t.sleep(ctx, t.policy.Backoff); err != nil {
			t.abort()
			return err
		}
		if err := t.event(evRetry); err != nil {
			return err
		}
	}
}

// Await blocks until the armed frame is in its buffer and returns the
// slot. A read failure aborts the cycle and is wrapped in ErrFrameRead.
func (t *Trigger) Await(ctx context.Context) (int, error) {
	if t.State() != StateWaiting {
		return -1, fmt.Errorf("%w: await in state %s", ErrState, t.State())
	}
	if err := t.src.ReadFrame(ctx, t.slot); err != nil {
		slot := t.slot
		t.abort()
		return slot, fmt.Errorf("%w: slot %d: %w", ErrFrameRead, slot, err)
	}
	t.frames.Add(1)
	if err := t.event(evDeliver); err != nil {
		return -1, err
	}
	return t.slot, nil
}

// Consume hands the ready frame to the pipeline and returns to idle.
func (t *Trigger) Consume() error {
	if err := t.event(evConsume); err != nil {
		return err
	}
	t.slot = -1
	return nil
}

// Reset abandons any cycle in progress.
func (t *Trigger) Reset() {
	if t.State() != StateIdle {
		t.abort()
	}
}

func (t *Trigger) abort() {
	_ = t.machine.Event(context.Background(), evAbort)
	t.slot = -1
}

func (t *Trigger) record(a Attempt) {
	t.mu.Lock()
	t.attempts = append(t.attempts, a)
	t.mu.Unlock()
}

// event runs a transition. Cancellation is handled by the callers, so the
// machine always gets a background context.
func (t *Trigger) event(name string) error {
	if err := t.machine.Event(context.Background(), name); err != nil {
		return fmt.Errorf("%w: %s in state %s: %v", ErrState, name, t.machine.Current(), err)
	}
	return nil
}

func (t *Trigger) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := t.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
