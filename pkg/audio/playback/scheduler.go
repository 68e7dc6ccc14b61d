// Package playback schedules decoded audio buffers back-to-back on an
// [audio.Output] clock.
//
// The [Scheduler] keeps a cursor holding the output time at which the next
// buffer starts. Each Enqueue places the buffer at max(cursor, now) and moves
// the cursor past it, so consecutive buffers play without gaps or overlap no
// matter how long each one took to decode. Playback order is Enqueue order;
// callers must enqueue in the arrival order of the underlying messages.
package playback

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/fretmaster/pkg/audio"
	"github.com/MrWong99/fretmaster/pkg/audio/decode"
)

// ErrShutdown is returned by [Scheduler.Enqueue] after [Scheduler.Shutdown].
var ErrShutdown = errors.New("playback: scheduler shut down")

// Handle is one scheduled buffer. It leaves the scheduler's live set when
// playback ends naturally or is force-stopped.
type Handle struct {
	// Start is the output clock position the buffer starts at.
	Start time.Duration

	// Duration is the playback length of the buffer.
	Duration time.Duration

	src audio.Source
}

// End returns the output clock position the buffer finishes at.
func (h *Handle) End() time.Duration { return h.Start + h.Duration }

// Done is closed when the buffer finished or was stopped.
func (h *Handle) Done() <-chan struct{} { return h.src.Done() }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOnScheduled registers a callback invoked after every successful
// Enqueue with the new handle. It runs with no lock held.
func WithOnScheduled(fn func(*Handle)) Option {
	return func(s *Scheduler) { s.onScheduled = fn }
}

// WithOnInterrupt registers a callback invoked after every Interrupt with the
// number of handles that were stopped.
func WithOnInterrupt(fn func(stopped int)) Option {
	return func(s *Scheduler) { s.onInterrupt = fn }
}

// Scheduler plays decoded buffers gaplessly on an [audio.Output].
//
// All exported methods are safe for concurrent use. End-of-playback
// notifications and Interrupt may race; the live set is guarded by a mutex.
type Scheduler struct {
	out audio.Output

	onScheduled func(*Handle)
	onInterrupt func(int)

	mu     sync.Mutex
	cursor time.Duration
	live   map[*Handle]struct{}
	closed bool
}

// New returns a Scheduler that schedules onto out. The cursor starts at the
// output's current time.
func New(out audio.Output, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:    out,
		cursor: out.Now(),
		live:   make(map[*Handle]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue schedules buf to start when the previously enqueued buffer ends,
// or immediately when the output is idle. Buffers at a different rate than
// the output are resampled first.
func (s *Scheduler) Enqueue(buf *decode.Buffer) (*Handle, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return nil, fmt.Errorf("playback: empty buffer")
	}
	samples, dur := buf.Samples, buf.Duration
	if rate := s.out.SampleRate(); buf.SampleRate != rate {
		samples = audio.Resample(samples, buf.SampleRate, rate)
		dur = audio.SamplesDuration(len(samples), rate)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrShutdown
	}

	start := max(s.cursor, s.out.Now())
	src, err := s.out.Schedule(samples, start)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("playback: schedule: %w", err)
	}
	h := &Handle{Start: start, Duration: dur, src: src}
	s.cursor = start + dur
	s.live[h] = struct{}{}
	s.mu.Unlock()

	go s.reap(h)

	if s.onScheduled != nil {
		s.onScheduled(h)
	}
	return h, nil
}

// reap removes h from the live set once it stops playing.
func (s *Scheduler) reap(h *Handle) {
	<-h.src.Done()
	s.mu.Lock()
	delete(s.live, h)
	s.mu.Unlock()
}

// Interrupt stops every live buffer, clears the live set, and resets the
// cursor to the output's current time. The next Enqueue starts immediately.
func (s *Scheduler) Interrupt() {
	n := s.stopAll()
	if s.onInterrupt != nil {
		s.onInterrupt(n)
	}
}

// Shutdown stops every live buffer like [Scheduler.Interrupt] and refuses
// further Enqueue calls. It is idempotent.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stopAll()
}

func (s *Scheduler) stopAll() int {
	s.mu.Lock()
	live := make([]*Handle, 0, len(s.live))
	for h := range s.live {
		live = append(live, h)
	}
	clear(s.live)
	s.cursor = s.out.Now()
	s.mu.Unlock()

	for _, h := range live {
		h.src.Stop()
	}
	return len(live)
}

// Live returns the number of buffers currently scheduled or playing.
func (s *Scheduler) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Cursor returns the output time at which the next buffer would start if
// the output were not already past it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
