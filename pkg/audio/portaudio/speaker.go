package portaudio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.PlaybackDevice = (*Speaker)(nil)
	_ audio.Output         = (*output)(nil)
)

// DefaultOutputFrames is the speaker callback size: 20 ms at 24 kHz.
const DefaultOutputFrames = 480

// SpeakerOption configures a [Speaker].
type SpeakerOption func(*Speaker)

// WithOutputFrames sets the speaker callback size. Smaller buffers lower
// latency at the cost of more callbacks.
func WithOutputFrames(n int) SpeakerOption {
	return func(s *Speaker) {
		if n > 0 {
			s.framesPerBuffer = n
		}
	}
}

// Speaker opens the default PortAudio output device.
type Speaker struct {
	framesPerBuffer int
}

// NewSpeaker returns a playback device.
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{framesPerBuffer: DefaultOutputFrames}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.PlaybackDevice]. The returned output's clock is
// the number of frames the hardware has pulled.
func (s *Speaker) Open(sampleRate int) (audio.Output, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid output rate %d", sampleRate)
	}
	if err := acquireHost(); err != nil {
		return nil, err
	}

	o := &output{tl: newTimeline(sampleRate)}
	pa, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), s.framesPerBuffer, o.tl.render)
	if err != nil {
		_ = releaseHost()
		return nil, fmt.Errorf("portaudio: open output: %w", err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = releaseHost()
		return nil, fmt.Errorf("portaudio: start output: %w", err)
	}
	o.pa = pa
	slog.Info("portaudio: speaker open", "rate", sampleRate)
	return o, nil
}

type output struct {
	tl *timeline
	pa *portaudio.Stream

	closeOnce sync.Once
	closeErr  error
}

func (o *output) SampleRate() int { return o.tl.rate }

func (o *output) Now() time.Duration { return o.tl.now() }

func (o *output) Schedule(samples []float32, at time.Duration) (audio.Source, error) {
	v, err := o.tl.schedule(samples, at)
	if err != nil {
		return nil, err
	}
	return v, nil
}

func (o *output) Close() error {
	o.closeOnce.Do(func() {
		o.tl.close()
		if err := o.pa.Abort(); err != nil {
			o.closeErr = fmt.Errorf("portaudio: abort output: %w", err)
		}
		if err := o.pa.Close(); err != nil && o.closeErr == nil {
			o.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
		if err := releaseHost(); err != nil && o.closeErr == nil {
			o.closeErr = err
		}
	})
	return o.closeErr
}
