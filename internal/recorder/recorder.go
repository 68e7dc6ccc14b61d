// Package recorder captures downloadable microphone clips from the live
// session's media stream. Recordings are independent of the session: they
// survive disconnects and are released only explicitly or on shutdown.
package recorder

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/fretmaster/internal/observe"
	"github.com/MrWong99/fretmaster/pkg/audio"
)

const (
	// URLPrefix is the download path prefix of every recording.
	URLPrefix = "/recordings/"

	// MIMEType is the content type of a finalized clip.
	MIMEType = "audio/wav"

	subscriptionBuffer = 64
	bitsPerSample      = 16

	// fallbackRate labels clips that captured no frames at all.
	fallbackRate = 48000
)

// ErrNotFound is returned for unknown or released recording ids.
var ErrNotFound = errors.New("recorder: recording not found")

// StreamSource lends the current media stream, or nil when none is
// acquired. The recorder never stops the stream.
type StreamSource interface {
	Stream() audio.MediaStream
}

// Recording describes one finalized clip.
type Recording struct {
	ID         string        `json:"id"`
	URL        string        `json:"url"`
	Timestamp  time.Time     `json:"timestamp"`
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate"`
	Size       int           `json:"size"`
}

// Option configures a [Recorder].
type Option func(*Recorder)

// WithClock overrides the wall clock used for timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithOnRecorded registers a callback for every finalized recording.
func WithOnRecorded(fn func(Recording)) Option {
	return func(r *Recorder) { r.onRecorded = fn }
}

// WithMetrics overrides the metrics sink. Nil means [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Recorder) {
		if m != nil {
			r.metrics = m
		}
	}
}

// take is one in-progress capture.
type take struct {
	started time.Time
	cancel  func()
	done    chan struct{}

	// written by the capture goroutine, read after done is closed
	samples []float32
	rate    int
}

type clip struct {
	rec  Recording
	data []byte
}

// Recorder records microphone clips. All methods are safe for concurrent
// use.
type Recorder struct {
	src        StreamSource
	now        func() time.Time
	onRecorded func(Recording)
	metrics    *observe.Metrics

	mu     sync.Mutex
	active *take
	clips  []*clip // most recent first
}

// New returns a Recorder that borrows streams from src.
func New(src StreamSource, opts ...Option) *Recorder {
	r := &Recorder{src: src, now: time.Now}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Start begins capturing. It reports false and does nothing when no media
// stream is acquired or a recording is already running.
func (r *Recorder) Start() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return false
	}
	stream := r.src.Stream()
	if stream == nil {
		slog.Debug("recorder: no media stream, start ignored")
		return false
	}

	frames, cancel := stream.SubscribeAudio(subscriptionBuffer)
	t := &take{started: r.now(), cancel: cancel, done: make(chan struct{})}
	go t.capture(frames)
	r.active = t
	slog.Info("recorder: started")
	return true
}

func (t *take) capture(frames <-chan audio.AudioFrame) {
	defer close(t.done)
	for f := range frames {
		if t.rate == 0 {
			t.rate = f.SampleRate
		}
		samples := f.Samples
		if f.SampleRate != t.rate && f.SampleRate > 0 {
			samples = audio.Resample(samples, f.SampleRate, t.rate)
		}
		t.samples = append(t.samples, samples...)
	}
}

// Recording reports whether a capture is running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active != nil
}

// Stop finalizes the running capture into a WAV clip and prepends it to the
// list. It reports false when nothing is recording. Capture ends early when
// the stream stops; Stop still finalizes what was captured.
func (r *Recorder) Stop() (Recording, bool) {
	r.mu.Lock()
	t := r.active
	if t == nil {
		r.mu.Unlock()
		return Recording{}, false
	}
	r.active = nil
	stopped := r.now()
	r.mu.Unlock()

	t.cancel()
	<-t.done

	rate := t.rate
	if rate == 0 {
		rate = fallbackRate
	}
	data := encodeWAV(audio.EncodePCM16(t.samples), rate)
	id := uuid.NewString()
	rec := Recording{
		ID:         id,
		URL:        URLPrefix + id,
		Timestamp:  stopped,
		Duration:   stopped.Sub(t.started),
		SampleRate: rate,
		Size:       len(data),
	}

	r.mu.Lock()
	r.clips = append([]*clip{{rec: rec, data: data}}, r.clips...)
	r.mu.Unlock()

	r.metrics.Recordings.Add(context.Background(), 1)
	slog.Info("recorder: finalized", "id", id, "duration", rec.Duration, "samples", len(t.samples))
	if r.onRecorded != nil {
		r.onRecorded(rec)
	}
	return rec, true
}

// Recordings returns every held recording, most recent first.
func (r *Recorder) Recordings() []Recording {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Recording, len(r.clips))
	for i, c := range r.clips {
		out[i] = c.rec
	}
	return out
}

// Open returns a reader over the clip with the given id.
func (r *Recorder) Open(id string) (io.ReadSeeker, Recording, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clips {
		if c.rec.ID == id {
			return bytes.NewReader(c.data), c.rec, nil
		}
	}
	return nil, Recording{}, ErrNotFound
}

// Release drops the clip with the given id.
func (r *Recorder) Release(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, c := range r.clips {
		if c.rec.ID == id {
			r.clips = append(r.clips[:i], r.clips[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

// ReleaseAll stops any running capture without finalizing it and drops
// every clip. Used on application shutdown.
func (r *Recorder) ReleaseAll() {
	r.mu.Lock()
	t := r.active
	r.active = nil
	n := len(r.clips)
	r.clips = nil
	r.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
	}
	slog.Debug("recorder: released", "clips", n, "discarded_take", t != nil)
}

// encodeWAV wraps 16-bit little-endian mono PCM in a RIFF/WAV container.
func encodeWAV(pcm []byte, sampleRate int) []byte {
	const channels = 1
	byteRate := sampleRate * channels * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8

	buf := make([]byte, 44+len(pcm))
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+len(pcm)))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], channels)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], bitsPerSample)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(len(pcm)))
	copy(buf[44:], pcm)
	return buf
}
