// Package mock provides in-memory implementations of the [audio.CaptureDevice],
// [audio.MediaStream], [audio.VideoSource], [audio.PlaybackDevice], and
// [audio.Output] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so tests can
// assert on counts and arguments, and expose fields that control results.
//
// Typical usage:
//
//	stream := mock.NewStream()
//	capture := &mock.CaptureDevice{Stream: stream}
//	speaker := &mock.PlaybackDevice{}
//	...
//	stream.Emit(audio.AudioFrame{Samples: block, SampleRate: 16000})
//	speaker.LastOutput().Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// ─── CaptureDevice ────────────────────────────────────────────────────────────

// CaptureDevice is a mock implementation of [audio.CaptureDevice].
type CaptureDevice struct {
	mu sync.Mutex

	// Stream is returned by Acquire when Err is nil. When nil, a fresh
	// [Stream] is created per call.
	Stream *Stream

	// Err is returned by Acquire.
	Err error

	// Block, when non-nil, makes Acquire wait until the channel is closed or
	// ctx is done. Used to simulate a pending permission prompt.
	Block chan struct{}

	// AcquireCalls records the constraints of every Acquire call.
	AcquireCalls []audio.Constraints

	// Acquired lists every stream handed out, in order.
	Acquired []*Stream
}

// Acquire implements [audio.CaptureDevice].
func (d *CaptureDevice) Acquire(ctx context.Context, c audio.Constraints) (audio.MediaStream, error) {
	d.mu.Lock()
	d.AcquireCalls = append(d.AcquireCalls, c)
	block := d.Block
	d.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	s := d.Stream
	if s == nil {
		s = NewStream()
	}
	d.Acquired = append(d.Acquired, s)
	return s, nil
}

// CallCount returns how many times Acquire was called.
func (d *CaptureDevice) CallCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.AcquireCalls)
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock [audio.MediaStream]. Feed microphone frames with Emit and
// camera frames with SetFrame.
type Stream struct {
	fanout audio.Fanout
	video  *VideoSource

	mu            sync.Mutex
	stopCount     int
	subscriptions int
}

// NewStream returns a stream with an empty video track.
func NewStream() *Stream {
	return &Stream{video: &VideoSource{}}
}

// SubscribeAudio implements [audio.MediaStream].
func (s *Stream) SubscribeAudio(buffer int) (<-chan audio.AudioFrame, func()) {
	s.mu.Lock()
	s.subscriptions++
	s.mu.Unlock()
	return s.fanout.Subscribe(buffer)
}

// Video implements [audio.MediaStream].
func (s *Stream) Video() audio.VideoSource { return s.video }

// Stop implements [audio.MediaStream]. It closes all subscriptions.
func (s *Stream) Stop() error {
	s.mu.Lock()
	s.stopCount++
	s.mu.Unlock()
	s.fanout.Close()
	return nil
}

// Emit publishes a microphone frame to all subscribers.
func (s *Stream) Emit(frame audio.AudioFrame) { s.fanout.Publish(frame) }

// SetFrame sets the current camera frame. Passing nil clears it.
func (s *Stream) SetFrame(img image.Image) { s.video.Set(img) }

// StopCount returns how many times Stop was called.
func (s *Stream) StopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopCount
}

// Subscriptions returns how many times SubscribeAudio was called.
func (s *Stream) Subscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscriptions
}

// ─── VideoSource ──────────────────────────────────────────────────────────────

// VideoSource is a mock [audio.VideoSource] holding a single frame.
type VideoSource struct {
	mu  sync.Mutex
	img image.Image
}

// Set replaces the current frame.
func (v *VideoSource) Set(img image.Image) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.img = img
}

// Frame implements [audio.VideoSource].
func (v *VideoSource) Frame() (image.Image, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.img, v.img != nil
}

// ─── PlaybackDevice ───────────────────────────────────────────────────────────

// PlaybackDevice is a mock [audio.PlaybackDevice] producing [Output] values
// driven by a manual clock.
type PlaybackDevice struct {
	mu sync.Mutex

	// Err is returned by Open.
	Err error

	// Outputs lists every output opened, in order.
	Outputs []*Output
}

// Open implements [audio.PlaybackDevice].
func (d *PlaybackDevice) Open(sampleRate int) (audio.Output, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	o := NewOutput(sampleRate)
	d.Outputs = append(d.Outputs, o)
	return o, nil
}

// LastOutput returns the most recently opened output, or nil.
func (d *PlaybackDevice) LastOutput() *Output {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.Outputs) == 0 {
		return nil
	}
	return d.Outputs[len(d.Outputs)-1]
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a mock [audio.Output]. Its clock only moves when Advance or
// SetNow is called; sources whose end time is reached finish on Advance.
type Output struct {
	mu         sync.Mutex
	sampleRate int
	now        time.Duration
	sources    []*Source
	closeCount int
	closed     bool

	// ScheduleErr is returned by Schedule when set.
	ScheduleErr error
}

// NewOutput returns an output at the given rate with its clock at zero.
func NewOutput(sampleRate int) *Output {
	return &Output{sampleRate: sampleRate}
}

// SampleRate implements [audio.Output].
func (o *Output) SampleRate() int { return o.sampleRate }

// Now implements [audio.Output].
func (o *Output) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Schedule implements [audio.Output].
func (o *Output) Schedule(samples []float32, at time.Duration) (audio.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ScheduleErr != nil {
		return nil, o.ScheduleErr
	}
	s := &Source{
		Start:    at,
		Duration: audio.SamplesDuration(len(samples), o.sampleRate),
		Samples:  len(samples),
		done:     make(chan struct{}),
	}
	o.sources = append(o.sources, s)
	return s, nil
}

// SetNow moves the clock to d without finishing any sources.
func (o *Output) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Advance moves the clock forward by d and finishes every source whose end
// time has been reached.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.now += d
	now := o.now
	var finished []*Source
	for _, s := range o.sources {
		if s.Start+s.Duration <= now {
			finished = append(finished, s)
		}
	}
	o.mu.Unlock()

	for _, s := range finished {
		s.finish(false)
	}
}

// Sources returns every source scheduled so far, in call order.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// Close implements [audio.Output]. It stops every source.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closeCount++
	o.closed = true
	sources := append([]*Source(nil), o.sources...)
	o.mu.Unlock()

	for _, s := range sources {
		s.finish(true)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (o *Output) CloseCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closeCount
}

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock [audio.Source] recording its schedule.
type Source struct {
	// Start is the absolute clock position the buffer was scheduled at.
	Start time.Duration

	// Duration is the playback length of the buffer.
	Duration time.Duration

	// Samples is the number of samples scheduled.
	Samples int

	once    sync.Once
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

// Stop implements [audio.Source].
func (s *Source) Stop() { s.finish(true) }

// Done implements [audio.Source].
func (s *Source) Done() <-chan struct{} { return s.done }

// Stopped reports whether the source was force-stopped (as opposed to
// finishing naturally or still playing).
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) finish(stopped bool) {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = stopped
		s.mu.Unlock()
		close(s.done)
	})
}
