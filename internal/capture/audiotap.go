package capture

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

const (
	// InputSampleRate is the rate of blocks forwarded to the live service.
	InputSampleRate = 16000

	// BlockSize is the number of samples per forwarded block.
	BlockSize = 4096

	// subscriptionBuffer bounds how many device frames may wait for the tap.
	// Frames beyond that are dropped by the stream.
	subscriptionBuffer = 4
)

// Block is one fixed-size microphone block.
type Block struct {
	// Samples holds exactly BlockSize mono samples at SampleRate.
	Samples []float32

	SampleRate int

	// Level is the loudness of Samples in [0, 1].
	Level float64
}

// TapOption configures an [AudioTap].
type TapOption func(*AudioTap)

// WithBlockSize overrides the forwarded block size.
func WithBlockSize(n int) TapOption {
	return func(t *AudioTap) {
		if n > 0 {
			t.blockSize = n
		}
	}
}

// WithSampleRate overrides the forwarded sample rate.
func WithSampleRate(hz int) TapOption {
	return func(t *AudioTap) {
		if hz > 0 {
			t.sampleRate = hz
		}
	}
}

// AudioTap reads the microphone track of a stream, rechunks it into fixed
// blocks at the input rate, and forwards every block with its level.
//
// The tap never queues: it reads through a small drop-on-full subscription,
// so a slow consumer loses frames instead of building a backlog.
type AudioTap struct {
	stream     audio.MediaStream
	blockSize  int
	sampleRate int

	level atomic.Uint64 // math.Float64bits of the last level

	mu      sync.Mutex
	cancel  func()
	done    chan struct{}
	started bool
}

// NewAudioTap returns a tap on stream's microphone track. It does nothing
// until Start.
func NewAudioTap(stream audio.MediaStream, opts ...TapOption) *AudioTap {
	t := &AudioTap{
		stream:     stream,
		blockSize:  BlockSize,
		sampleRate: InputSampleRate,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start begins forwarding blocks to forward, which is called sequentially
// from the tap's goroutine and must not block for long. Start on a running
// or stopped tap is a no-op.
func (t *AudioTap) Start(forward func(Block)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true

	frames, cancel := t.stream.SubscribeAudio(subscriptionBuffer)
	t.cancel = cancel
	t.done = make(chan struct{})
	go t.run(frames, forward, t.done)
}

func (t *AudioTap) run(frames <-chan audio.AudioFrame, forward func(Block), done chan struct{}) {
	defer close(done)

	pending := make([]float32, 0, t.blockSize*2)
	for f := range frames {
		samples := f.Samples
		if f.SampleRate != 0 && f.SampleRate != t.sampleRate {
			samples = audio.Resample(samples, f.SampleRate, t.sampleRate)
		}
		pending = append(pending, samples...)

		for len(pending) >= t.blockSize {
			block := make([]float32, t.blockSize)
			copy(block, pending)
			pending = append(pending[:0], pending[t.blockSize:]...)

			lvl := audio.Level(block)
			t.level.Store(math.Float64bits(lvl))
			forward(Block{Samples: block, SampleRate: t.sampleRate, Level: lvl})
		}
	}
}

// Level returns the loudness of the most recent block.
func (t *AudioTap) Level() float64 {
	return math.Float64frombits(t.level.Load())
}

// Stop detaches the tap from the stream and waits for the forwarding
// goroutine to exit. It does not stop the stream. Stop is idempotent and
// safe to call on a tap that was never started.
func (t *AudioTap) Stop() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel = nil
	t.started = true
	t.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	t.level.Store(0)
}
