package portaudio

import (
	"sync"
	"time"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Source = (*voice)(nil)

// timeline mixes scheduled buffers onto a sample-accurate clock. The clock is
// the number of frames rendered so far; it advances only in render, so it
// follows the hardware callback rather than wall time.
type timeline struct {
	rate int

	mu       sync.Mutex
	rendered int64
	voices   []*voice
	closed   bool
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

// voice is one scheduled buffer.
type voice struct {
	start   int64 // absolute frame index of samples[0]
	samples []float32

	once sync.Once
	done chan struct{}

	mu      sync.Mutex
	stopped bool
}

func (v *voice) Stop() {
	v.mu.Lock()
	v.stopped = true
	v.mu.Unlock()
	v.finish()
}

func (v *voice) Done() <-chan struct{} { return v.done }

func (v *voice) finish() { v.once.Do(func() { close(v.done) }) }

func (v *voice) isStopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.rendered), t.rate)
}

// schedule adds samples at the absolute clock position at, rounded to the
// nearest frame. Positions in the past start at the next rendered frame.
func (t *timeline) schedule(samples []float32, at time.Duration) (*voice, error) {
	v := &voice{
		start:   audio.DurationSamples(at, t.rate),
		samples: samples,
		done:    make(chan struct{}),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errClosed
	}
	if v.start < t.rendered {
		v.start = t.rendered
	}
	if len(samples) == 0 {
		v.finish()
		return v, nil
	}
	t.voices = append(t.voices, v)
	return v, nil
}

// render fills out with the mix of every voice overlapping the next
// len(out) frames and advances the clock. Finished and stopped voices are
// dropped and their Done channels closed.
func (t *timeline) render(out []float32) {
	clear(out)

	t.mu.Lock()
	from := t.rendered
	to := from + int64(len(out))
	t.rendered = to

	kept := t.voices[:0]
	var finished []*voice
	for _, v := range t.voices {
		if v.isStopped() {
			finished = append(finished, v)
			continue
		}
		end := v.start + int64(len(v.samples))
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			out[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.mu.Unlock()

	for i, s := range out {
		out[i] = max(-1, min(1, s))
	}
	for _, v := range finished {
		v.finish()
	}
}

// close stops every voice and refuses later schedules.
func (t *timeline) close() {
	t.mu.Lock()
	t.closed = true
	voices := t.voices
	t.voices = nil
	t.mu.Unlock()

	for _, v := range voices {
		v.Stop()
	}
}

// active returns the number of voices not yet finished.
func (t *timeline) active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}
