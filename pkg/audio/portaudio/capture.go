package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/fretmaster/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.CaptureDevice = (*Capture)(nil)
	_ audio.MediaStream   = (*mediaStream)(nil)
)

// DefaultFramesPerBuffer is the microphone callback size: 20 ms at 48 kHz.
const DefaultFramesPerBuffer = 960

// VideoTrack is an open camera feed.
type VideoTrack interface {
	audio.VideoSource
	Close() error
}

// VideoOpener opens the camera half of a capture.
type VideoOpener func(ctx context.Context, c audio.VideoConstraints) (VideoTrack, error)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFramesPerBuffer sets the microphone callback size.
func WithFramesPerBuffer(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.framesPerBuffer = n
		}
	}
}

// WithVideo attaches a camera. Without it streams have no video track.
func WithVideo(open VideoOpener) CaptureOption {
	return func(c *Capture) { c.openVideo = open }
}

// Capture opens the default PortAudio input device as a mono microphone.
//
// PortAudio has no echo cancellation, noise suppression, or gain control;
// those constraint flags are logged and otherwise ignored. The requested
// sample rate is used when the device supports it, else the device default.
type Capture struct {
	framesPerBuffer int
	openVideo       VideoOpener
}

// NewCapture returns a capture device.
func NewCapture(opts ...CaptureOption) *Capture {
	c := &Capture{framesPerBuffer: DefaultFramesPerBuffer}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Acquire implements [audio.CaptureDevice].
func (c *Capture) Acquire(ctx context.Context, cons audio.Constraints) (audio.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := acquireHost(); err != nil {
		return nil, err
	}

	dev, err := portaudio.DefaultInputDevice()
	if err != nil {
		_ = releaseHost()
		return nil, fmt.Errorf("portaudio: no input device: %w", err)
	}
	rate := cons.Audio.SampleRate
	if rate <= 0 {
		rate = int(dev.DefaultSampleRate)
	}
	if cons.Audio.EchoCancellation || cons.Audio.NoiseSuppression || cons.Audio.AutoGainControl {
		slog.Debug("portaudio: input processing constraints not supported", "device", dev.Name)
	}

	s := &mediaStream{rate: rate}
	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(rate)
	params.FramesPerBuffer = c.framesPerBuffer

	pa, err := portaudio.OpenStream(params, s.onInput)
	if err != nil {
		// Fall back to the device's native rate; frames carry the real rate.
		params.SampleRate = dev.DefaultSampleRate
		s.rate = int(dev.DefaultSampleRate)
		pa, err = portaudio.OpenStream(params, s.onInput)
	}
	if err != nil {
		_ = releaseHost()
		return nil, fmt.Errorf("portaudio: open input %q: %w", dev.Name, err)
	}
	if err := pa.Start(); err != nil {
		_ = pa.Close()
		_ = releaseHost()
		return nil, fmt.Errorf("portaudio: start input: %w", err)
	}
	s.pa = pa

	if c.openVideo != nil {
		track, err := c.openVideo(ctx, cons.Video)
		if err != nil {
			_ = s.Stop()
			return nil, fmt.Errorf("portaudio: open camera: %w", err)
		}
		s.video = track
	}

	slog.Info("portaudio: microphone open", "device", dev.Name, "rate", s.rate, "video", s.video != nil)
	return s, nil
}

// mediaStream is one acquired microphone (+ optional camera).
type mediaStream struct {
	rate   int
	pa     *portaudio.Stream
	video  VideoTrack
	fanout audio.Fanout

	frames int64 // callback goroutine only

	stopOnce sync.Once
	stopErr  error
}

func (s *mediaStream) onInput(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	ts := audio.SamplesDuration(int(s.frames), s.rate)
	s.frames += int64(len(in))
	s.fanout.Publish(audio.AudioFrame{Samples: samples, SampleRate: s.rate, Timestamp: ts})
}

func (s *mediaStream) SubscribeAudio(buffer int) (<-chan audio.AudioFrame, func()) {
	return s.fanout.Subscribe(buffer)
}

func (s *mediaStream) Video() audio.VideoSource {
	if s.video == nil {
		return nil
	}
	return s.video
}

func (s *mediaStream) Stop() error {
	s.stopOnce.Do(func() {
		start := time.Now()
		var errs []error
		if s.pa != nil {
			if err := s.pa.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop input: %w", err))
			}
			if err := s.pa.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close input: %w", err))
			}
			if err := releaseHost(); err != nil {
				errs = append(errs, err)
			}
		}
		if s.video != nil {
			if err := s.video.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close camera: %w", err))
			}
		}
		s.fanout.Close()
		if len(errs) > 0 {
			s.stopErr = fmt.Errorf("portaudio: %w", errors.Join(errs...))
		}
		slog.Debug("portaudio: microphone closed", "took", time.Since(start))
	})
	return s.stopErr
}
