package capture

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

var errNotArmed = errors.New("sensor not armed")

// flakySource fails the first failN trigger calls, then succeeds.
// It records the clock time of every trigger call.
type flakySource struct {
	mu      sync.Mutex
	clock   clock.Clock
	failN   int
	readErr error

	calls   int
	callAt  []time.Time
	buffers map[int][]byte
	reads   []int
}

func newFlakySource(c clock.Clock, failN int) *flakySource {
	return &flakySource{clock: c, failN: failN, buffers: make(map[int][]byte)}
}

func (s *flakySource) ConfigureFrameBuffer(slot int, buf []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffers[slot] = buf
	return nil
}

func (s *flakySource) Trigger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.clock != nil {
		s.callAt = append(s.callAt, s.clock.Now())
	}
	if s.calls <= s.failN {
		return errNotArmed
	}
	return nil
}

func (s *flakySource) ReadFrame(ctx context.Context, slot int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads = append(s.reads, slot)
	if s.readErr != nil {
		return s.readErr
	}
	for i := range s.buffers[slot] {
		s.buffers[slot][i] = byte(slot + 1)
	}
	return nil
}

func (s *flakySource) triggerCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// advance keeps moving a mock clock forward until stop is closed.
func advance(m *clock.Mock, step time.Duration, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
			m.Add(step)
		}
	}
}

func TestTrigger_ImmediateSuccess(t *testing.T) {
	src := newFlakySource(nil, 0)
	trg := NewTrigger(src, DefaultRetryPolicy())

	if err := trg.Arm(context.Background(), 0); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if got := trg.State(); got != StateWaiting {
		t.Errorf("state = %s, want %s", got, StateWaiting)
	}
	if src.triggerCalls() != 1 {
		t.Errorf("trigger calls = %d, want 1", src.triggerCalls())
	}
	if a := trg.Attempts(); len(a) != 1 || a[0].Err != nil || a[0].Delay != 0 {
		t.Errorf("attempts = %+v, want one clean attempt", a)
	}
}

func TestTrigger_RetriesKTimesWithBackoff(t *testing.T) {
	const k = 4
	const backoff = 100 * time.Millisecond

	mock := clock.NewMock()
	src := newFlakySource(mock, k)
	trg := NewTrigger(src, RetryPolicy{Backoff: backoff}, WithClock(mock))

	stop := make(chan struct{})
	go advance(mock, backoff, stop)
	err := trg.Arm(context.Background(), 1)
	close(stop)
	if err != nil {
		t.Fatalf("Arm: %v", err)
	}

	if got := src.triggerCalls(); got != k+1 {
		t.Fatalf("trigger calls = %d, want %d", got, k+1)
	}
	for i := 1; i < len(src.callAt); i++ {
		if gap := src.callAt[i].Sub(src.callAt[i-1]); gap < backoff {
			t.Errorf("gap between attempt %d and %d = %v, want >= %v", i, i+1, gap, backoff)
		}
	}

	attempts := trg.Attempts()
	if len(attempts) != k+1 {
		t.Fatalf("attempts = %d, want %d", len(attempts), k+1)
	}
	for i, a := range attempts[:k] {
		if a.Ordinal != i+1 || !errors.Is(a.Err, errNotArmed) || a.Delay != backoff {
			t.Errorf("attempt %d = %+v, want failure with %v backoff", i+1, a, backoff)
		}
	}
	if last := attempts[k]; last.Err != nil {
		t.Errorf("final attempt err = %v, want nil", last.Err)
	}

	if stats := trg.Stats(); stats.Triggers != k+1 || stats.Failures != k {
		t.Errorf("stats = %+v, want %d triggers / %d failures", stats, k+1, k)
	}
	if trg.State() != StateWaiting || trg.Slot() != 1 {
		t.Errorf("state = %s slot = %d, want waiting on slot 1", trg.State(), trg.Slot())
	}
}

func TestTrigger_RealClockBackoffElapsed(t *testing.T) {
	const k = 3
	const backoff = 2 * time.Millisecond
	src := newFlakySource(nil, k)
	trg := NewTrigger(src, RetryPolicy{Backoff: backoff})

	start := time.Now()
	if err := trg.Arm(context.Background(), 0); err != nil {
		t.Fatalf("Arm: %v", err)
	}
	if elapsed := time.Since(start); elapsed < k*backoff {
		t.Errorf("elapsed = %v, want >= %v", elapsed, k*backoff)
	}
}

func TestTrigger_MaxAttemptsExhausted(t *testing.T) {
	src := newFlakySource(nil, 100)
	trg := NewTrigger(src, RetryPolicy{Backoff: time.Microsecond, MaxAttempts: 3})

	err := trg.Arm(context.Background(), 0)
	if !errors.Is(err, ErrTriggerExhausted) {
		t.Fatalf("err = %v, want ErrTriggerExhausted", err)
	}
	if !errors.Is(err, errNotArmed) {
		t.Errorf("err should wrap the last trigger error, got %v", err)
	}
	if src.triggerCalls() != 3 {
		t.Errorf("trigger calls = %d, want 3", src.triggerCalls())
	}
	if trg.State() != StateIdle {
		t.Errorf("state = %s, want idle", trg.State())
	}
}

func TestTrigger_CancelDuringBackoff(t *testing.T) {
	src := newFlakySource(nil, 100)
	trg := NewTrigger(src, RetryPolicy{Backoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := trg.Arm(ctx, 0)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if src.triggerCalls() != 1 {
		t.Errorf("trigger calls = %d, want 1", src.triggerCalls())
	}
	if trg.State() != StateIdle {
		t.Errorf("state = %s, want idle", trg.State())
	}
}

func TestTrigger_FullCycle(t *testing.T) {
	src := newFlakySource(nil, 0)
	buf := make([]byte, 4)
	_ = src.ConfigureFrameBuffer(1, buf)
	trg := NewTrigger(src, DefaultRetryPolicy())
	ctx := context.Background()

	if err := trg.Arm(ctx, 1); err != nil {
		t.Fatal(err)
	}
	slot, err := trg.Await(ctx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if slot != 1 {
		t.Errorf("slot = %d, want 1", slot)
	}
	if trg.State() != StateReady {
		t.Errorf("state = %s, want ready", trg.State())
	}
	if buf[0] != 2 {
		t.Errorf("buffer not filled: %v", buf)
	}
	if err := trg.Consume(); err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if trg.State() != StateIdle || trg.Slot() != -1 {
		t.Errorf("state = %s slot = %d, want idle/-1", trg.State(), trg.Slot())
	}
	if trg.Stats().Frames != 1 {
		t.Errorf("frames = %d, want 1", trg.Stats().Frames)
	}
}

func TestTrigger_ReadFailureIsFatal(t *testing.T) {
	readErr := errors.New("dma timeout")
	src := newFlakySource(nil, 0)
	src.readErr = readErr
	trg := NewTrigger(src, DefaultRetryPolicy())
	ctx := context.Background()

	if err := trg.Arm(ctx, 0); err != nil {
		t.Fatal(err)
	}
	_, err := trg.Await(ctx)
	if !errors.Is(err, ErrFrameRead) || !errors.Is(err, readErr) {
		t.Fatalf("err = %v, want ErrFrameRead wrapping %v", err, readErr)
	}
	if src.triggerCalls() != 1 {
		t.Errorf("read failure must not re-trigger, calls = %d", src.triggerCalls())
	}
	if len(src.reads) != 1 {
		t.Errorf("read failure must not be retried, reads = %d", len(src.reads))
	}
	if trg.State() != StateIdle {
		t.Errorf("state = %s, want idle", trg.State())
	}
}

func TestTrigger_OutOfOrderCalls(t *testing.T) {
	src := newFlakySource(nil, 0)
	trg := NewTrigger(src, DefaultRetryPolicy())
	ctx := context.Background()

	if _, err := trg.Await(ctx); !errors.Is(err, ErrState) {
		t.Errorf("Await in idle: err = %v, want ErrState", err)
	}
	if err := trg.Consume(); !errors.Is(err, ErrState) {
		t.Errorf("Consume in idle: err = %v, want ErrState", err)
	}
	if err := trg.Arm(ctx, 0); err != nil {
		t.Fatal(err)
	}
	if err := trg.Arm(ctx, 1); !errors.Is(err, ErrState) {
		t.Errorf("second Arm: err = %v, want ErrState", err)
	}
	if err := trg.Consume(); !errors.Is(err, ErrState) {
		t.Errorf("Consume while waiting: err = %v, want ErrState", err)
	}
	trg.Reset()
	if trg.State() != StateIdle {
		t.Errorf("state after Reset = %s, want idle", trg.State())
	}
}
